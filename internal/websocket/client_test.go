package websocket

import (
	"encoding/json"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/sonicast-audio/companion/internal/signaling"
)

func startRelay(t *testing.T) *signaling.Server {
	t.Helper()
	registry := signaling.NewRegistry()
	srv := signaling.NewServer(registry, signaling.NewRouter(registry, nil))
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialRequester(t *testing.T, srv *signaling.Server) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(signaling.Message{Type: signaling.TypeIdentify, ClientType: signaling.RoleRequester}); err != nil {
		t.Fatalf("identify requester: %v", err)
	}
	return conn
}

func awaitRequesterMessage(t *testing.T, conn *gws.Conn, want signaling.MessageType) signaling.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestClientIdentifiesAndReceivesOffer(t *testing.T) {
	srv := startRelay(t)

	received := make(chan signaling.Message, 8)
	client := New(&Config{RelayURL: "ws://" + srv.Addr(), Role: signaling.RoleServer}, func(msg signaling.Message) {
		received <- msg
	})
	go client.Start()
	defer client.Stop()

	requester := dialRequester(t, srv)

	// Stats broadcasts report the client once it has identified; offering
	// before that would find no server.
	requester.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg signaling.Message
		if err := requester.ReadJSON(&msg); err != nil {
			t.Fatalf("read while waiting for server registration: %v", err)
		}
		if msg.Type != signaling.TypeClientConnected {
			continue
		}
		var data signaling.ConnectedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("decode stats broadcast: %v", err)
		}
		if data.Stats != nil && data.Stats.ServerClients > 0 {
			break
		}
	}

	sdp, _ := json.Marshal(map[string]string{"sdp": "v=0"})
	err := requester.WriteJSON(signaling.Message{
		Type:      signaling.TypeOffer,
		SessionID: "client-e2e",
		Data:      sdp,
	})
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}

	var sawOffer, sawBegin bool
	timeout := time.After(3 * time.Second)
	for !(sawOffer && sawBegin) {
		select {
		case msg := <-received:
			switch msg.Type {
			case signaling.TypeOffer:
				if msg.SessionID != "client-e2e" {
					t.Fatalf("offer session id = %q", msg.SessionID)
				}
				sawOffer = true
			case signaling.TypeStartRecording:
				sawBegin = true
			case signaling.TypeClientDisconnected:
				t.Fatalf("relay rejected the offer: %s", msg.Data)
			}
		case <-timeout:
			t.Fatalf("offer delivery incomplete: offer=%v begin=%v", sawOffer, sawBegin)
		}
	}

	// Answer flows back to the requester through the same client.
	if err := client.Send(signaling.Message{Type: signaling.TypeAnswer, SessionID: "client-e2e"}); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	answer := awaitRequesterMessage(t, requester, signaling.TypeAnswer)
	if answer.SessionID != "client-e2e" {
		t.Fatalf("answer session id = %q", answer.SessionID)
	}
}

func TestClientSendAfterStop(t *testing.T) {
	client := New(&Config{RelayURL: "ws://127.0.0.1:1", Role: signaling.RoleServer}, func(signaling.Message) {})
	client.Stop()
	if err := client.Send(signaling.Message{Type: signaling.TypeAnswer}); err == nil {
		t.Fatal("expected error sending after stop")
	}
}

func TestBuildWSURLSchemes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain ws", "ws://127.0.0.1:8080", "ws://127.0.0.1:8080"},
		{"http upgraded", "http://127.0.0.1:8080", "ws://127.0.0.1:8080"},
		{"https upgraded", "https://relay.example.com", "wss://relay.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&Config{RelayURL: tt.in}, nil)
			got, err := c.buildWSURL()
			if err != nil {
				t.Fatalf("buildWSURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildWSURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
