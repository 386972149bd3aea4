package signaling

import (
	"time"

	"github.com/google/uuid"

	"github.com/sonicast-audio/companion/internal/logging"
)

// SessionState tracks a session's negotiation progress. Absent map entries
// cover the no-session and closed states.
type SessionState int

const (
	// SessionPending: offer forwarded, answer not yet routed back.
	SessionPending SessionState = iota
	// SessionPaired: answer delivered to the requester.
	SessionPaired
)

// Session binds exactly one requester and one server party for the duration
// of a negotiated audio stream.
type Session struct {
	ID          string
	RequesterID string
	ServerID    string
	State       SessionState
	CreatedAt   time.Time
}

// RecordingControl is notified when sessions request capture start/stop. It
// lives outside the relay core (recording UX, capture wiring).
type RecordingControl interface {
	StartRecording(sessionID string)
	StopRecording(sessionID string)
}

// Router pairs requester offers with an available server party and routes
// negotiation messages between the two bound ends of each session. Like the
// Registry it is driven solely from the relay's event loop.
type Router struct {
	registry  *Registry
	recording RecordingControl

	sessions map[string]*Session
	// pendingCandidates queues ice-candidate messages that arrive before
	// their session exists, flushed in arrival order at session creation.
	// Unbounded: limited only by connection lifetime.
	pendingCandidates map[string][]Message
}

func NewRouter(registry *Registry, recording RecordingControl) *Router {
	return &Router{
		registry:          registry,
		recording:         recording,
		sessions:          make(map[string]*Session),
		pendingCandidates: make(map[string][]Message),
	}
}

// ActiveSessions reports the number of live sessions.
func (r *Router) ActiveSessions() int { return len(r.sessions) }

// Session looks up a session by id.
func (r *Router) Session(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// HandleOffer processes a session-open message from a requester. Offers from
// any other role are ignored. When no server party is registered the
// requester gets an explicit rejection and no session is created.
func (r *Router) HandleOffer(from *Party, msg Message) {
	if from.Role != RoleRequester {
		log.Warn("ignoring offer from non-requester",
			logging.KeyPartyID, from.ID, logging.KeyRole, string(from.Role))
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	msg.SessionID = sessionID

	server := r.registry.FirstServer()
	if server == nil {
		log.Warn("no server party available for offer", logging.KeyPartyID, from.ID)
		r.send(from, Message{
			Type: TypeClientDisconnected,
			Data: mustRaw(DisconnectedData{Error: "no server available"}),
		})
		return
	}

	r.sessions[sessionID] = &Session{
		ID:          sessionID,
		RequesterID: from.ID,
		ServerID:    server.ID,
		State:       SessionPending,
		CreatedAt:   time.Now(),
	}
	log.Info("session created",
		logging.KeySessionID, sessionID,
		"requester", from.ID,
		"server", server.ID,
	)

	r.send(server, msg)
	r.send(server, Message{
		Type:      TypeStartRecording,
		SessionID: sessionID,
	})
	if r.recording != nil {
		r.recording.StartRecording(sessionID)
	}

	r.flushPendingCandidates(sessionID, server)
}

// HandleAnswer routes a server's answer back to the session's requester and
// marks the session paired.
func (r *Router) HandleAnswer(from *Party, msg Message) {
	if from.Role != RoleServer {
		log.Warn("ignoring answer from non-server",
			logging.KeyPartyID, from.ID, logging.KeyRole, string(from.Role))
		return
	}

	session, ok := r.sessions[msg.SessionID]
	if !ok {
		log.Warn("dropping answer for unknown session", logging.KeySessionID, msg.SessionID)
		return
	}
	if session.ServerID != from.ID {
		log.Warn("ignoring answer from party not bound to session",
			logging.KeySessionID, msg.SessionID, logging.KeyPartyID, from.ID)
		return
	}

	requester, ok := r.registry.Get(session.RequesterID)
	if !ok {
		log.Warn("requester gone before answer", logging.KeySessionID, msg.SessionID)
		return
	}

	session.State = SessionPaired
	r.send(requester, msg)
	log.Info("session paired", logging.KeySessionID, msg.SessionID)
}

// HandleCandidate routes a connectivity candidate to the other bound party.
// Candidates for sessions that do not exist yet are queued for the flush at
// session creation; candidates for unknown parties are dropped.
func (r *Router) HandleCandidate(from *Party, msg Message) {
	if msg.SessionID == "" {
		log.Warn("dropping candidate without session id", logging.KeyPartyID, from.ID)
		return
	}

	session, ok := r.sessions[msg.SessionID]
	if !ok {
		r.pendingCandidates[msg.SessionID] = append(r.pendingCandidates[msg.SessionID], msg)
		log.Debug("queued candidate for future session",
			logging.KeySessionID, msg.SessionID,
			"queued", len(r.pendingCandidates[msg.SessionID]),
		)
		return
	}

	var otherID string
	switch from.ID {
	case session.RequesterID:
		otherID = session.ServerID
	case session.ServerID:
		otherID = session.RequesterID
	default:
		log.Warn("dropping candidate from party not bound to session",
			logging.KeySessionID, msg.SessionID, logging.KeyPartyID, from.ID)
		return
	}

	other, ok := r.registry.Get(otherID)
	if !ok {
		log.Warn("candidate target party gone", logging.KeySessionID, msg.SessionID)
		return
	}
	r.send(other, msg)
}

// HandleStopRecording removes the session entry, if any, and surfaces the
// stop to the recording collaborator. Party registration is untouched.
func (r *Router) HandleStopRecording(from *Party, msg Message) {
	if msg.SessionID != "" {
		if _, ok := r.sessions[msg.SessionID]; ok {
			delete(r.sessions, msg.SessionID)
			log.Info("session closed by stop request",
				logging.KeySessionID, msg.SessionID, logging.KeyPartyID, from.ID)
		}
		delete(r.pendingCandidates, msg.SessionID)
	}
	if r.recording != nil {
		r.recording.StopRecording(msg.SessionID)
	}
}

// HandleStartRecording surfaces an explicit recording request from a party.
func (r *Router) HandleStartRecording(from *Party, msg Message) {
	log.Info("recording requested", logging.KeyPartyID, from.ID, logging.KeySessionID, msg.SessionID)
	if r.recording != nil {
		r.recording.StartRecording(msg.SessionID)
	}
}

// HandleDisconnect tears down every session bound to the departed party,
// notifying the other bound party exactly once per session.
func (r *Router) HandleDisconnect(departed *Party) {
	for id, session := range r.sessions {
		if session.RequesterID != departed.ID && session.ServerID != departed.ID {
			continue
		}
		delete(r.sessions, id)
		delete(r.pendingCandidates, id)

		otherID := session.RequesterID
		if otherID == departed.ID {
			otherID = session.ServerID
		}
		log.Info("session closed by disconnect",
			logging.KeySessionID, id,
			"departed", departed.ID,
			"notified", otherID,
		)
		if other, ok := r.registry.Get(otherID); ok {
			r.send(other, Message{
				Type:      TypeClientDisconnected,
				SessionID: id,
				Data:      mustRaw(DisconnectedData{Reason: "other party disconnected"}),
			})
		}
		if r.recording != nil {
			r.recording.StopRecording(id)
		}
	}
}

func (r *Router) flushPendingCandidates(sessionID string, to *Party) {
	queued := r.pendingCandidates[sessionID]
	if len(queued) == 0 {
		return
	}
	delete(r.pendingCandidates, sessionID)
	log.Info("flushing queued candidates",
		logging.KeySessionID, sessionID, "count", len(queued))
	for _, m := range queued {
		r.send(to, m)
	}
}

func (r *Router) send(to *Party, msg Message) {
	if err := to.Transport.Send(msg); err != nil {
		log.Warn("send failed",
			logging.KeyPartyID, to.ID,
			"type", string(msg.Type),
			logging.KeyError, err,
		)
	}
}
