package main

import (
	"time"

	"go.uber.org/zap"

	"ufoo/protocol"
)

// dispatch runs one inbound frame through the connection state machine:
// CONNECTED -> HELLO_RECEIVED -> AUTHENTICATED -> CLOSED.
func (h *Hub) dispatch(conn *Conn, frame protocol.Frame) {
	if !h.allowMessage(conn, time.Now()) {
		h.closeWithError(conn, codeRateLimited, "message rate limit exceeded")
		return
	}
	h.touch(conn)

	switch frame.Type {
	case protocol.TypeHello:
		h.handleHello(conn, frame)
	case protocol.TypeAuth:
		h.handleAuth(conn, frame)
	case protocol.TypeJoin:
		h.handleJoin(conn, frame)
	case protocol.TypeLeave:
		h.handleLeave(conn, frame)
	case protocol.TypeEvent:
		h.handleEvent(conn, frame)
	case protocol.TypePing:
		conn.send(protocol.Frame{Type: protocol.TypePong})
	default:
		h.log.Debug("unknown frame type", zap.String("type", frame.Type))
	}
}

func (h *Hub) touch(conn *Conn) {
	h.mu.Lock()
	conn.lastSeen = time.Now()
	h.mu.Unlock()
}

// handleHello validates and stashes the announced identity as pending. The
// identity is not inserted into the global lookup maps yet: registration is
// deferred to auth so an unauthenticated connection cannot squat a nickname
// out from under a legitimate holder authenticating concurrently.
func (h *Hub) handleHello(conn *Conn, frame protocol.Frame) {
	if conn.helloDone {
		conn.sendError(codeHelloInvalid, "hello already received")
		return
	}
	if frame.Client == nil {
		conn.sendError(codeHelloInvalid, "missing client identity")
		return
	}
	if !h.validateIdentifier(frame.Client.SubscriberID) {
		conn.sendError(codeHelloInvalid, "invalid subscriber_id")
		return
	}
	if !h.validateIdentifier(frame.Client.Nickname) {
		conn.sendError(codeHelloInvalid, "invalid nickname")
		return
	}

	h.mu.Lock()
	conn.helloDone = true
	conn.pendingSubscriberID = frame.Client.SubscriberID
	conn.pendingNickname = frame.Client.Nickname
	conn.pendingWorld = frame.Client.World
	h.mu.Unlock()

	conn.send(protocol.Frame{Type: protocol.TypeHelloAck})
	conn.send(protocol.Frame{Type: protocol.TypeAuthRequired})
}

// handleAuth checks the token against the allow-set and, on success,
// promotes the pending identity: conflicts are re-checked at promotion time
// under the hub lock, and only then does the identity become globally
// visible. Auth failures are fatal to the connection.
func (h *Hub) handleAuth(conn *Conn, frame protocol.Frame) {
	if !conn.helloDone {
		conn.sendError(codeHelloInvalid, "hello required before auth")
		return
	}
	if conn.authed {
		conn.send(protocol.Frame{Type: protocol.TypeAuthOK})
		return
	}
	if frame.Method != "token" {
		h.closeWithError(conn, codeAuthTokenMissing, "auth method must be \"token\"")
		return
	}

	var allowed bool
	switch {
	case frame.Token != "":
		allowed = h.tokenAllowed(frame.Token)
	case frame.TokenHash != "":
		allowed = h.tokenHashAllowed(frame.TokenHash)
	default:
		h.closeWithError(conn, codeAuthTokenMissing, "token or token_hash required")
		return
	}
	if !allowed {
		h.closeWithError(conn, codeAuthTokenInvalid, "token not recognized")
		return
	}

	h.mu.Lock()
	if existing, ok := h.bySubscriber[conn.pendingSubscriberID]; ok && existing != conn {
		h.mu.Unlock()
		h.closeWithError(conn, codeSubscriberExists, "subscriber_id already connected")
		return
	}
	if existing, ok := h.byNickname[conn.pendingNickname]; ok && existing != conn {
		h.mu.Unlock()
		h.closeWithError(conn, codeNicknameTaken, "nickname already in use")
		return
	}
	conn.subscriberID = conn.pendingSubscriberID
	conn.nickname = conn.pendingNickname
	conn.world = conn.pendingWorld
	conn.authed = true
	h.bySubscriber[conn.subscriberID] = conn
	h.byNickname[conn.nickname] = conn
	h.mu.Unlock()

	h.log.Info("subscriber authenticated",
		zap.String("subscriber_id", conn.subscriberID),
		zap.String("nickname", conn.nickname),
		zap.String("world", conn.world))
	conn.send(protocol.Frame{Type: protocol.TypeAuthOK})
}

func (h *Hub) handleJoin(conn *Conn, frame protocol.Frame) {
	if !conn.authed {
		conn.sendError(codeAuthRequired, "authentication required")
		return
	}
	switch {
	case frame.Channel != "" && frame.Room == "":
		h.joinChannel(conn, frame.Channel)
	case frame.Room != "" && frame.Channel == "":
		h.joinRoom(conn, frame.Room, frame.Password)
	default:
		conn.sendError(codeJoinInvalid, "join needs exactly one of channel or room")
	}
}

func (h *Hub) handleLeave(conn *Conn, frame protocol.Frame) {
	if !conn.authed {
		conn.sendError(codeAuthRequired, "authentication required")
		return
	}
	switch {
	case frame.Channel != "" && frame.Room == "":
		h.leaveChannel(conn, frame.Channel)
	case frame.Room != "" && frame.Channel == "":
		h.leaveRoom(conn, frame.Room)
	default:
		conn.sendError(codeJoinInvalid, "leave needs exactly one of channel or room")
	}
}
