package main

import (
	"time"

	"go.uber.org/zap"

	"ufoo/protocol"
)

// resolveChannelLocked looks a channel up by id, then by registered name.
// Callers hold h.mu.
func (h *Hub) resolveChannelLocked(target string) (*Channel, bool) {
	if channel, ok := h.channels[target]; ok {
		return channel, true
	}
	if id, known := h.channelIDByName[target]; known {
		channel, ok := h.channels[id]
		return channel, ok
	}
	return nil, false
}

// joinChannel resolves an existing channel by id or registered name, or
// auto-creates a public channel under the requested id. Ad-hoc channels are
// not entered into the name index.
func (h *Hub) joinChannel(conn *Conn, target string) {
	h.mu.Lock()
	channel, ok := h.resolveChannelLocked(target)
	if !ok {
		if !h.validateIdentifier(target) {
			h.mu.Unlock()
			conn.sendError(codeHelloInvalid, "invalid channel identifier")
			return
		}
		channel = &Channel{
			ID:        target,
			Name:      target,
			Type:      channelTypePublic,
			Members:   map[*Conn]struct{}{},
			CreatedAt: time.Now(),
		}
		h.channels[target] = channel
	}
	channel.Members[conn] = struct{}{}
	conn.channels[channel.ID] = struct{}{}
	h.mu.Unlock()

	h.log.Info("channel joined",
		zap.String("subscriber_id", conn.subscriberID),
		zap.String("channel", channel.ID))
	conn.send(protocol.Frame{Type: protocol.TypeJoinAck, Channel: channel.ID})
}

func (h *Hub) leaveChannel(conn *Conn, target string) {
	h.mu.Lock()
	channel, ok := h.resolveChannelLocked(target)
	if ok {
		_, ok = conn.channels[channel.ID]
	}
	if !ok {
		h.mu.Unlock()
		conn.sendError(codeNotInChannel, "not a member of that channel")
		return
	}
	delete(channel.Members, conn)
	delete(conn.channels, channel.ID)
	h.mu.Unlock()

	conn.send(protocol.Frame{Type: protocol.TypeLeaveAck, Channel: channel.ID})
}
