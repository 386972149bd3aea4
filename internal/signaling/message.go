package signaling

import "encoding/json"

// MessageType tags a signaling wire message.
type MessageType string

const (
	TypeIdentify           MessageType = "identify"
	TypeOffer              MessageType = "offer"
	TypeAnswer             MessageType = "answer"
	TypeICECandidate       MessageType = "ice-candidate"
	TypeStartRecording     MessageType = "start-recording"
	TypeStopRecording      MessageType = "stop-recording"
	TypeClientConnected    MessageType = "client-connected"
	TypeClientDisconnected MessageType = "client-disconnected"
)

// Role is a connected party's declared class.
type Role string

const (
	// RoleRequester is the remote web peer asking for an audio session.
	RoleRequester Role = "requester"
	// RoleServer is the companion process that owns the capture pipeline.
	RoleServer Role = "server"
)

// Message is the JSON envelope exchanged over a signaling connection.
// SessionID is assigned relay-side when an offer arrives without one.
type Message struct {
	Type       MessageType     `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ClientType Role            `json:"clientType,omitempty"`
}

// Stats is the registry snapshot broadcast to all connected parties.
type Stats struct {
	TotalClients     int    `json:"totalClients"`
	RequesterClients int    `json:"requesterClients"`
	ServerClients    int    `json:"serverClients"`
	ActiveSessions   int    `json:"activeSessions"`
	UptimeSeconds    uint64 `json:"uptime"`
}

// ConnectedData is the payload of a client-connected message.
type ConnectedData struct {
	ClientID   string `json:"clientId,omitempty"`
	ClientType Role   `json:"clientType,omitempty"`
	Note       string `json:"message,omitempty"`
	Stats      *Stats `json:"stats,omitempty"`
}

// DisconnectedData is the payload of a client-disconnected message. Error is
// set for rejections (no server available), Reason for peer-loss notices.
type DisconnectedData struct {
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// All payload types above marshal unconditionally.
		panic(err)
	}
	return raw
}
