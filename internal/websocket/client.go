package websocket

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonicast-audio/companion/internal/logging"
	"github.com/sonicast-audio/companion/internal/signaling"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Config holds relay client configuration
type Config struct {
	RelayURL string
	Role     signaling.Role
}

// MessageHandler processes signaling messages received from the relay.
// Acknowledgment and stats traffic is filtered out before dispatch.
type MessageHandler func(msg signaling.Message)

// Client manages the WebSocket connection to the signaling relay
type Client struct {
	config    *Config
	conn      *websocket.Conn
	connMu    sync.RWMutex
	handler   MessageHandler
	done      chan struct{}
	sendChan  chan []byte
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// New creates a new relay client
func New(cfg *Config, handler MessageHandler) *Client {
	return &Client{
		config:   cfg,
		handler:  handler,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 256),
	}
}

// Start begins the relay client
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop gracefully closes the connection
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "relay", c.config.RelayURL)
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	relayURL, err := url.Parse(c.config.RelayURL)
	if err != nil {
		return "", err
	}

	switch relayURL.Scheme {
	case "https":
		relayURL.Scheme = "wss"
	case "http":
		relayURL.Scheme = "ws"
	case "":
		relayURL.Scheme = "ws"
	}

	return relayURL.String(), nil
}

// identify registers this client's role with the relay. Runs after every
// successful connect so a reconnect re-registers automatically.
func (c *Client) identify() error {
	return c.Send(signaling.Message{
		Type:       signaling.TypeIdentify,
		ClientType: c.config.Role,
	})
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("connection failed", logging.KeyError, err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = initialBackoff

		if err := c.identify(); err != nil {
			log.Warn("identify failed", logging.KeyError, err)
		}

		// Run read/write pumps
		done := make(chan struct{})
		go c.writePump(done)
		c.readPump()
		close(done)

		// Check if we should stop
		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn("failed to parse message", logging.KeyError, err)
			continue
		}

		// client-connected carries greetings and stats broadcasts unless
		// it names a session, in which case it reports a departed peer.
		if msg.Type == signaling.TypeClientConnected && msg.SessionID == "" {
			continue
		}

		// Dispatch in order: an offer must reach the handler before the
		// candidates trickled after it.
		c.handler(msg)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a signaling message for delivery to the relay.
// Non-blocking: returns an error if the outbound queue is full.
func (c *Client) Send(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("client is stopped")
	default:
		return fmt.Errorf("send channel is full")
	}
}
