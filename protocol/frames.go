// Package protocol implements the relay wire protocol: the JSON frame
// envelope and a reusable WebSocket client with the hello/auth handshake.
package protocol

// Frame types exchanged with the relay. One newline-free JSON object per
// WebSocket text message.
const (
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeAuth         = "auth"
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeJoin         = "join"
	TypeJoinAck      = "join_ack"
	TypeLeave        = "leave"
	TypeLeaveAck     = "leave_ack"
	TypeEvent        = "event"
	TypeWake         = "wake"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Payload kinds carried by event frames.
const (
	KindMessage       = "message"
	KindDecisionsSync = "decisions.sync"
	KindBusSync       = "bus.sync"
	KindWake          = "wake"
)

type ClientInfo struct {
	SubscriberID string `json:"subscriber_id"`
	Nickname     string `json:"nickname"`
	World        string `json:"world,omitempty"`
}

type Payload map[string]any

// Kind returns the payload's string kind, empty when absent or non-string.
func (p Payload) Kind() string {
	kind, _ := p["kind"].(string)
	return kind
}

// Frame is the wire envelope for every message in both directions. Fields
// are a union over all frame types; unused ones are omitted on the wire.
type Frame struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Channel   string      `json:"channel,omitempty"`
	Room      string      `json:"room,omitempty"`
	Password  string      `json:"password,omitempty"`
	TS        int64       `json:"ts,omitempty"`
	Client    *ClientInfo `json:"client,omitempty"`
	Method    string      `json:"method,omitempty"`
	Token     string      `json:"token,omitempty"`
	TokenHash string      `json:"token_hash,omitempty"`
	Payload   Payload     `json:"payload,omitempty"`
	Code      string      `json:"code,omitempty"`
	Error     string      `json:"error,omitempty"`
}
