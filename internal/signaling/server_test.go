package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	registry := NewRegistry()
	srv := NewServer(registry, NewRouter(registry, nil))
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func dialParty(t *testing.T, srv *Server, role Role) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Greeting arrives before identification.
	greeting := readMessage(t, conn, TypeClientConnected)
	var data ConnectedData
	if err := json.Unmarshal(greeting.Data, &data); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if data.ClientID == "" {
		t.Fatal("greeting carries no client id")
	}

	if err := conn.WriteJSON(Message{Type: TypeIdentify, ClientType: role}); err != nil {
		t.Fatalf("send identify: %v", err)
	}
	ack := readMessage(t, conn, TypeClientConnected)
	var ackData ConnectedData
	if err := json.Unmarshal(ack.Data, &ackData); err != nil {
		t.Fatalf("decode identify ack: %v", err)
	}
	if ackData.Stats == nil {
		t.Fatal("identify ack carries no stats")
	}
	return conn
}

// readMessage reads until a message of the wanted type arrives, skipping
// client-connected stats broadcasts unless those are what is wanted.
func readMessage(t *testing.T, conn *websocket.Conn, want MessageType) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
		if msg.Type == TypeClientConnected {
			continue // interleaved stats broadcast
		}
		t.Fatalf("unexpected message %s while waiting for %s", msg.Type, want)
	}
}

func TestEndToEndOfferAnswerCandidateRouting(t *testing.T) {
	srv := startTestServer(t)
	requester := dialParty(t, srv, RoleRequester)
	server := dialParty(t, srv, RoleServer)

	// Requester opens a session without an id; the relay assigns one.
	offerSDP := mustRaw(map[string]string{"sdp": "v=0 offer"})
	if err := requester.WriteJSON(Message{Type: TypeOffer, Data: offerSDP}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	fwdOffer := readMessage(t, server, TypeOffer)
	if len(fwdOffer.SessionID) < 20 {
		t.Fatalf("assigned session id %q shorter than 20 chars", fwdOffer.SessionID)
	}
	if string(fwdOffer.Data) != string(offerSDP) {
		t.Fatal("offer payload not forwarded verbatim")
	}
	begin := readMessage(t, server, TypeStartRecording)
	if begin.SessionID != fwdOffer.SessionID {
		t.Fatalf("begin-capture session id %q != offer session id %q", begin.SessionID, fwdOffer.SessionID)
	}

	// Server answers; only the requester hears it.
	if err := server.WriteJSON(Message{Type: TypeAnswer, SessionID: fwdOffer.SessionID}); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	fwdAnswer := readMessage(t, requester, TypeAnswer)
	if fwdAnswer.SessionID != fwdOffer.SessionID {
		t.Fatalf("answer routed with session id %q", fwdAnswer.SessionID)
	}

	// Requester trickles a candidate; only the server hears it.
	cand := mustRaw(map[string]string{"candidate": "candidate:1 1 udp"})
	err := requester.WriteJSON(Message{Type: TypeICECandidate, SessionID: fwdOffer.SessionID, Data: cand})
	if err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	fwdCand := readMessage(t, server, TypeICECandidate)
	if string(fwdCand.Data) != string(cand) {
		t.Fatal("candidate payload not forwarded verbatim")
	}
}

func TestDisconnectedPartyTriggersPeerNotice(t *testing.T) {
	srv := startTestServer(t)
	requester := dialParty(t, srv, RoleRequester)
	server := dialParty(t, srv, RoleServer)

	if err := requester.WriteJSON(Message{Type: TypeOffer, SessionID: "e2e-disconnect-session"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	readMessage(t, server, TypeOffer)
	readMessage(t, server, TypeStartRecording)

	requester.Close()

	notice := readMessage(t, server, TypeClientDisconnected)
	if notice.SessionID != "e2e-disconnect-session" {
		t.Fatalf("notice session id = %q", notice.SessionID)
	}
	var data DisconnectedData
	if err := json.Unmarshal(notice.Data, &data); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if data.Reason == "" {
		t.Fatal("notice carries no reason")
	}
}

func TestOfferWithoutServerReturnsRejection(t *testing.T) {
	srv := startTestServer(t)
	requester := dialParty(t, srv, RoleRequester)

	if err := requester.WriteJSON(Message{Type: TypeOffer}); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	rejection := readMessage(t, requester, TypeClientDisconnected)
	var data DisconnectedData
	if err := json.Unmarshal(rejection.Data, &data); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if data.Error == "" {
		t.Fatal("rejection carries no error")
	}
}

func TestMalformedInboundMessageIsSkipped(t *testing.T) {
	srv := startTestServer(t)
	requester := dialParty(t, srv, RoleRequester)
	server := dialParty(t, srv, RoleServer)

	if err := requester.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	// The connection survives and keeps routing.
	if err := requester.WriteJSON(Message{Type: TypeOffer, SessionID: "after-garbage"}); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	fwd := readMessage(t, server, TypeOffer)
	if fwd.SessionID != "after-garbage" {
		t.Fatalf("offer session id = %q", fwd.SessionID)
	}
}
