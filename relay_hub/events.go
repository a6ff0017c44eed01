package main

import (
	"time"

	"ufoo/protocol"
)

// allowedKind resolves whether a payload kind may cross the given
// destination type. World and public channels and public rooms carry plain
// messages only; private rooms additionally carry the sync kinds. Direct
// subscriber-to-subscriber events are peer addressed and allow every kind;
// the receiving bridge trust-gates what it applies.
func allowedKind(kind string, direct bool, roomType string, isRoom bool) bool {
	switch kind {
	case protocol.KindMessage:
		return true
	case protocol.KindDecisionsSync, protocol.KindBusSync, protocol.KindWake:
		if direct {
			return true
		}
		return isRoom && roomType == roomTypePrivate
	default:
		return false
	}
}

// forwardedFrame rebuilds the outbound frame from an explicit field
// whitelist. Whatever else the sender put on the inbound frame never
// propagates.
func forwardedFrame(conn *Conn, frame protocol.Frame) protocol.Frame {
	ts := frame.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return protocol.Frame{
		Type:    protocol.TypeEvent,
		ID:      frame.ID,
		From:    conn.subscriberID,
		To:      frame.To,
		Channel: frame.Channel,
		Room:    frame.Room,
		TS:      ts,
		Payload: frame.Payload,
	}
}

func (h *Hub) handleEvent(conn *Conn, frame protocol.Frame) {
	if !conn.authed {
		conn.sendError(codeAuthRequired, "authentication required")
		return
	}
	kind := frame.Payload.Kind()
	if kind == "" {
		conn.sendError(codeEventInvalid, "payload.kind must be a string")
		return
	}

	targets := 0
	for _, set := range []bool{frame.To != "", frame.Channel != "", frame.Room != ""} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		conn.sendError(codeEventTargetInvalid, "event needs exactly one of to, channel, or room")
		return
	}

	out := forwardedFrame(conn, frame)
	wake := kind == protocol.KindWake

	switch {
	case frame.To != "":
		if !allowedKind(kind, true, "", false) {
			conn.sendError(codeEventKindForbidden, "kind not allowed for this destination")
			return
		}
		h.mu.Lock()
		peer, ok := h.bySubscriber[frame.To]
		h.mu.Unlock()
		if !ok {
			conn.sendError(codeEventTargetInvalid, "subscriber not connected")
			return
		}
		peer.send(out)
		if wake {
			peer.send(protocol.Frame{Type: protocol.TypeWake, From: conn.subscriberID})
		}

	case frame.Channel != "":
		h.mu.Lock()
		channel, ok := h.resolveChannelLocked(frame.Channel)
		member := ok && containsConn(channel.Members, conn)
		if !member {
			h.mu.Unlock()
			conn.sendError(codeNotInChannel, "not a member of that channel")
			return
		}
		if !allowedKind(kind, false, "", false) {
			h.mu.Unlock()
			conn.sendError(codeEventKindForbidden, "kind not allowed on channels")
			return
		}
		out.Channel = channel.ID
		broadcast(channel.Members, conn, out, wake)
		h.mu.Unlock()

	case frame.Room != "":
		h.mu.Lock()
		room, ok := h.rooms[frame.Room]
		if !ok || conn.room != frame.Room {
			h.mu.Unlock()
			conn.sendError(codeNotInRoom, "not a member of that room")
			return
		}
		if !allowedKind(kind, false, room.Type, true) {
			h.mu.Unlock()
			conn.sendError(codeEventKindForbidden, "kind not allowed in this room")
			return
		}
		broadcast(room.Members, conn, out, wake)
		h.mu.Unlock()
	}
}

func containsConn(members map[*Conn]struct{}, conn *Conn) bool {
	_, ok := members[conn]
	return ok
}
