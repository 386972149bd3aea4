package signaling

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sonicast-audio/companion/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 64
	eventQueueSize = 256
)

// wsConn wraps one websocket connection and implements Transport. Outbound
// messages go through a buffered queue drained by a writer pump; a full queue
// drops the message with an error rather than blocking the event loop.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan Message
	closeOnce sync.Once
}

func (c *wsConn) Send(msg Message) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full for party %s", c.id)
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.ws.Close()
	})
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
)

type event struct {
	kind eventKind
	conn *wsConn
	msg  Message
}

// Server is the local signaling relay. Every inbound connection, message and
// disconnect funnels through one event channel drained by a single loop
// goroutine, so the Registry and Router run without locks and each event is
// processed to completion before the next.
type Server struct {
	registry *Registry
	router   *Router

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
	health   http.Handler

	events   chan event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a relay over the given registry and router.
func NewServer(registry *Registry, router *Router) *Server {
	return &Server{
		registry: registry,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay binds to loopback; browser pages on any origin may
			// connect to it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
}

// SetHealth mounts h at /health. Must be called before Start.
func (s *Server) SetHealth(h http.Handler) {
	s.health = h
}

// Start begins listening on addr and serving signaling connections.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("signaling listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	if s.health != nil {
		mux.Handle("/health", s.health)
	}
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go s.loop()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("signaling server error", logging.KeyError, err)
		}
	}()

	log.Info("signaling relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, for callers that started with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the relay down and waits for the event loop to drain.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		s.wg.Wait()
		log.Info("signaling relay stopped")
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan Message, sendQueueSize),
	}

	go s.writePump(c)
	s.enqueue(event{kind: evConnect, conn: c})
	s.readPump(c)
}

func (s *Server) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Server) readPump(c *wsConn) {
	defer s.enqueue(event{kind: evDisconnect, conn: c})

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyPartyID, c.id, logging.KeyError, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("failed to parse signaling message", logging.KeyPartyID, c.id, logging.KeyError, err)
			continue
		}
		s.enqueue(event{kind: evMessage, conn: c, msg: msg})
	}
}

func (s *Server) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-s.done:
			return

		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Warn("write error", logging.KeyPartyID, c.id, logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			switch ev.kind {
			case evConnect:
				s.handleConnect(ev.conn)
			case evMessage:
				s.dispatch(ev.conn, ev.msg)
			case evDisconnect:
				s.handleDisconnect(ev.conn)
			}
		}
	}
}

func (s *Server) handleConnect(c *wsConn) {
	log.Info("connection opened", logging.KeyPartyID, c.id)
	err := c.Send(Message{
		Type: TypeClientConnected,
		Data: mustRaw(ConnectedData{ClientID: c.id, Note: "please identify your client type"}),
	})
	if err != nil {
		log.Warn("greeting dropped", logging.KeyPartyID, c.id, logging.KeyError, err)
	}
}

func (s *Server) dispatch(c *wsConn, msg Message) {
	if msg.Type == TypeIdentify {
		s.handleIdentify(c, msg)
		return
	}

	party, ok := s.registry.Get(c.id)
	if !ok {
		log.Warn("dropping message from unidentified party",
			logging.KeyPartyID, c.id, "type", string(msg.Type))
		return
	}

	switch msg.Type {
	case TypeOffer:
		s.router.HandleOffer(party, msg)
	case TypeAnswer:
		s.router.HandleAnswer(party, msg)
	case TypeICECandidate:
		s.router.HandleCandidate(party, msg)
	case TypeStartRecording:
		s.router.HandleStartRecording(party, msg)
	case TypeStopRecording:
		s.router.HandleStopRecording(party, msg)
	default:
		log.Warn("unknown message type", logging.KeyPartyID, c.id, "type", string(msg.Type))
	}
}

func (s *Server) handleIdentify(c *wsConn, msg Message) {
	role := msg.ClientType
	if role != RoleRequester && role != RoleServer {
		log.Warn("identify with unknown client type",
			logging.KeyPartyID, c.id, "clientType", string(role))
		return
	}

	s.registry.Identify(c.id, role, c)

	stats := s.registry.Stats(s.router.ActiveSessions())
	err := c.Send(Message{
		Type: TypeClientConnected,
		Data: mustRaw(ConnectedData{
			ClientID:   c.id,
			ClientType: role,
			Note:       fmt.Sprintf("%s registered", role),
			Stats:      &stats,
		}),
	})
	if err != nil {
		log.Warn("identify ack dropped", logging.KeyPartyID, c.id, logging.KeyError, err)
	}

	s.broadcastStats()
}

func (s *Server) handleDisconnect(c *wsConn) {
	c.close()
	party := s.registry.Remove(c.id)
	if party == nil {
		log.Info("unidentified connection closed", logging.KeyPartyID, c.id)
		return
	}
	s.router.HandleDisconnect(party)
	s.broadcastStats()
}

// broadcastStats pushes the current stats snapshot to every registered party.
// The party set is snapshotted first; sends can trigger further events that
// mutate the registry before this loop turn ends.
func (s *Server) broadcastStats() {
	stats := s.registry.Stats(s.router.ActiveSessions())
	msg := Message{
		Type: TypeClientConnected,
		Data: mustRaw(ConnectedData{Stats: &stats}),
	}
	for _, p := range s.registry.Snapshot() {
		if err := p.Transport.Send(msg); err != nil {
			log.Warn("stats broadcast dropped", logging.KeyPartyID, p.ID, logging.KeyError, err)
		}
	}
}
