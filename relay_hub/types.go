package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ufoo/protocol"
)

// Error codes sent in error frames. Identity/security violations close the
// connection after the frame; everything else leaves it open.
const (
	codeHelloInvalid        = "HELLO_INVALID"
	codeJoinInvalid         = "JOIN_INVALID"
	codeChannelTypeInvalid  = "CHANNEL_TYPE_INVALID"
	codeSubscriberExists    = "SUBSCRIBER_EXISTS"
	codeNicknameTaken       = "NICKNAME_TAKEN"
	codeAuthRequired        = "AUTH_REQUIRED"
	codeAuthTokenMissing    = "AUTH_TOKEN_MISSING"
	codeAuthTokenInvalid    = "AUTH_TOKEN_INVALID"
	codeEventInvalid        = "EVENT_INVALID"
	codeEventKindForbidden  = "EVENT_KIND_FORBIDDEN"
	codeEventTargetInvalid  = "EVENT_TARGET_INVALID"
	codeNotInRoom           = "NOT_IN_ROOM"
	codeNotInChannel        = "NOT_IN_CHANNEL"
	codeRoomNotFound        = "ROOM_NOT_FOUND"
	codeRoomPasswordInvalid = "ROOM_PASSWORD_INVALID"
	codeRoomAuthLocked      = "ROOM_AUTH_LOCKED"
	codeRateLimited         = "RATE_LIMITED"
	codeIdleTimeout         = "IDLE_TIMEOUT"
	codeAuthDeadline        = "AUTH_DEADLINE"
)

const (
	channelTypeWorld  = "world"
	channelTypePublic = "public"
	roomTypePublic    = "public"
	roomTypePrivate   = "private"
)

// Conn is one live WebSocket connection. Identity fields are split: the
// pending triple is set by hello and only promoted into the globally visible
// fields (and the hub's lookup maps) once auth succeeds, so an
// unauthenticated connection can never squat a nickname.
type Conn struct {
	ws *websocket.Conn
	ip string

	helloDone bool
	authed    bool

	subscriberID string
	nickname     string
	world        string

	pendingSubscriberID string
	pendingNickname     string
	pendingWorld        string

	channels map[string]struct{}
	room     string

	connectedAt time.Time
	lastSeen    time.Time

	messageCount    int
	rateWindowStart time.Time

	sendQueue chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, ip string) *Conn {
	now := time.Now()
	return &Conn{
		ws:          ws,
		ip:          ip,
		channels:    map[string]struct{}{},
		connectedAt: now,
		lastSeen:    now,
		sendQueue:   make(chan protocol.Frame, 64),
		done:        make(chan struct{}),
	}
}

// send enqueues a frame for the write pump. A full queue means the peer has
// stopped reading; the connection is shut down rather than blocking the hub.
func (c *Conn) send(frame protocol.Frame) {
	select {
	case c.sendQueue <- frame:
	case <-c.done:
	default:
		c.shutdown()
	}
}

func (c *Conn) sendError(code, message string) {
	c.send(protocol.Frame{Type: protocol.TypeError, Code: code, Error: message})
}

// shutdown signals the write pump to flush queued frames and close the
// socket. Safe to call more than once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.sendQueue:
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-c.done:
			// Flush frames queued before the shutdown signal, the
			// closing error frame in particular.
			for {
				select {
				case frame := <-c.sendQueue:
					if err := c.ws.WriteJSON(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

type Channel struct {
	ID        string
	Name      string
	Type      string
	Members   map[*Conn]struct{}
	CreatedAt time.Time
}

type Room struct {
	ID        string
	Name      string
	Type      string
	Members   map[*Conn]struct{}
	CreatedAt time.Time

	// Private rooms only: scrypt derivation stored as hex(salt):hex(key).
	PasswordHash string
}

type lockoutEntry struct {
	failures    int
	lockedUntil time.Time
}
