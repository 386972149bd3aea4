package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sonicast-audio/companion/internal/logging"
	"github.com/sonicast-audio/companion/internal/signaling"
)

var log = logging.L("peer")

// maxBufferedBytes bounds the audio data channel's send queue. When the
// transport falls behind, new frames are dropped instead of growing latency.
const maxBufferedBytes = 256 * 1024

// SignalSender delivers signaling messages back to the relay.
type SignalSender interface {
	Send(msg signaling.Message) error
}

// Config holds peer session configuration.
type Config struct {
	ICEServers []string
	SampleRate int
	Channels   int
}

// Manager owns the WebRTC sessions answering remote offers. Each session
// streams raw PCM to its peer over an unreliable data channel.
type Manager struct {
	cfg      Config
	signal   SignalSender
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager.
func NewManager(cfg Config, signal SignalSender) *Manager {
	return &Manager{
		cfg:      cfg,
		signal:   signal,
		sessions: make(map[string]*Session),
	}
}

// parseICEServers converts configured ICE URLs into pion ICEServer structs.
func parseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return servers
}

// offerPayload matches the remote description carried in an offer message.
type offerPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// HandleOffer answers a remote offer and registers the resulting session.
// The answer is sent back through the relay immediately; ICE candidates
// trickle out as they are gathered.
func (m *Manager) HandleOffer(sessionID string, data json.RawMessage) error {
	if sessionID == "" {
		return fmt.Errorf("offer carries no session id")
	}

	var offer offerPayload
	if err := json.Unmarshal(data, &offer); err != nil {
		return fmt.Errorf("failed to parse offer payload: %w", err)
	}
	if offer.SDP == "" {
		return fmt.Errorf("offer payload carries no SDP")
	}

	// A repeated offer for the same session replaces the old connection.
	m.StopSession(sessionID)

	peerConn, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: parseICEServers(m.cfg.ICEServers),
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	session := &Session{
		id:       sessionID,
		peerConn: peerConn,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	defer func() {
		if err != nil {
			m.StopSession(sessionID)
		}
	}()

	// Audio data channel: unordered + unreliable for latest-wins delivery
	// with no head-of-line blocking. A late PCM frame is worthless.
	ordered := false
	maxRetransmits := uint16(0)
	audioDC, err := peerConn.CreateDataChannel("audio", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("failed to create audio data channel: %w", err)
	}
	session.audioDC = audioDC
	audioDC.OnOpen(func() {
		log.Info("audio channel open", logging.KeySessionID, sessionID,
			"sampleRate", m.cfg.SampleRate, "channels", m.cfg.Channels)
	})

	peerConn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		payload, marshalErr := json.Marshal(init)
		if marshalErr != nil {
			log.Warn("failed to marshal candidate", logging.KeySessionID, sessionID, logging.KeyError, marshalErr)
			return
		}
		sendErr := m.signal.Send(signaling.Message{
			Type:      signaling.TypeICECandidate,
			SessionID: sessionID,
			Data:      payload,
		})
		if sendErr != nil {
			log.Warn("failed to send candidate", logging.KeySessionID, sessionID, logging.KeyError, sendErr)
		}
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("connection state", logging.KeySessionID, sessionID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.StopSession(sessionID)
		}
	})

	if err = peerConn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err = peerConn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	payload, err := json.Marshal(offerPayload{Type: "answer", SDP: answer.SDP})
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	if err = m.signal.Send(signaling.Message{
		Type:      signaling.TypeAnswer,
		SessionID: sessionID,
		Data:      payload,
	}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	log.Info("session answered", logging.KeySessionID, sessionID)
	return nil
}

// candidatePayload accepts both a bare ICECandidateInit and the wrapped
// {"candidate": {...}} shape some signaling stacks emit.
type candidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

// HandleRemoteCandidate applies a trickled ICE candidate to its session.
func (m *Manager) HandleRemoteCandidate(sessionID string, data json.RawMessage) error {
	m.mu.RLock()
	session := m.sessions[sessionID]
	m.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("no session %s", sessionID)
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &init); err != nil || init.Candidate == "" {
		var wrapped candidatePayload
		if wrapErr := json.Unmarshal(data, &wrapped); wrapErr != nil || len(wrapped.Candidate) == 0 {
			return fmt.Errorf("failed to parse candidate payload")
		}
		// The inner field may itself be a plain candidate string.
		var candStr string
		if strErr := json.Unmarshal(wrapped.Candidate, &candStr); strErr == nil {
			init = webrtc.ICECandidateInit{Candidate: candStr}
		} else if objErr := json.Unmarshal(wrapped.Candidate, &init); objErr != nil {
			return fmt.Errorf("failed to parse candidate payload: %w", objErr)
		}
	}

	return session.peerConn.AddICECandidate(init)
}

// PushAudio fans a raw PCM payload out to every session with an open audio
// channel. Frames are dropped per session when its send queue is saturated.
func (m *Manager) PushAudio(payload []byte) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.writeAudio(payload)
	}
}

// StopSession stops and removes a session.
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if session != nil {
		session.Stop()
	}
}

// StopAll tears down every active session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// ActiveSessions reports the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
