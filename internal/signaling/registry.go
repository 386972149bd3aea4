package signaling

import (
	"github.com/shirou/gopsutil/v3/host"

	"github.com/sonicast-audio/companion/internal/logging"
)

var log = logging.L("signaling")

// Transport is a party's outbound message handle. Send must not block the
// caller; implementations queue to a writer pump and report overflow as an error.
type Transport interface {
	Send(msg Message) error
}

// Party is one identified signaling connection.
type Party struct {
	ID        string
	Role      Role
	Transport Transport

	// seq orders parties by first registration for server selection.
	seq uint64
}

// Registry tracks identified parties. It is owned by the relay's single event
// loop and performs no locking of its own.
type Registry struct {
	parties map[string]*Party
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{parties: make(map[string]*Party)}
}

// Identify registers a party, or re-registers it with a new role and
// transport. The registration order of the first identify is kept so server
// selection stays first-registered-first-selected across re-identification.
func (r *Registry) Identify(id string, role Role, transport Transport) *Party {
	if p, ok := r.parties[id]; ok {
		p.Role = role
		p.Transport = transport
		log.Info("party re-identified", logging.KeyPartyID, id, logging.KeyRole, string(role))
		return p
	}
	p := &Party{ID: id, Role: role, Transport: transport, seq: r.nextSeq}
	r.nextSeq++
	r.parties[id] = p
	log.Info("party registered", logging.KeyPartyID, id, logging.KeyRole, string(role))
	return p
}

// Remove deregisters a party, returning it if it was registered.
func (r *Registry) Remove(id string) *Party {
	p, ok := r.parties[id]
	if !ok {
		return nil
	}
	delete(r.parties, id)
	log.Info("party removed", logging.KeyPartyID, id, logging.KeyRole, string(p.Role))
	return p
}

// Get looks up a registered party.
func (r *Registry) Get(id string) (*Party, bool) {
	p, ok := r.parties[id]
	return p, ok
}

// Snapshot returns the registered parties as a slice, so broadcasts iterate a
// stable copy while the underlying map keeps mutating between events.
func (r *Registry) Snapshot() []*Party {
	out := make([]*Party, 0, len(r.parties))
	for _, p := range r.parties {
		out = append(out, p)
	}
	return out
}

// FirstServer returns the server-role party that registered earliest, or nil.
func (r *Registry) FirstServer() *Party {
	var best *Party
	for _, p := range r.parties {
		if p.Role != RoleServer {
			continue
		}
		if best == nil || p.seq < best.seq {
			best = p
		}
	}
	return best
}

// Stats assembles a broadcast snapshot. Host uptime failures degrade to zero
// rather than failing the broadcast.
func (r *Registry) Stats(activeSessions int) Stats {
	s := Stats{TotalClients: len(r.parties), ActiveSessions: activeSessions}
	for _, p := range r.parties {
		switch p.Role {
		case RoleRequester:
			s.RequesterClients++
		case RoleServer:
			s.ServerClients++
		}
	}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSeconds = up
	}
	return s
}
