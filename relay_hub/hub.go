package main

import (
	"database/sql"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"ufoo/protocol"
	"ufoo/tokenstore"
)

// Hub owns every connection, channel, and room. All registry mutation goes
// through h.mu, so per-connection handler goroutines never race each other
// on shared state.
type Hub struct {
	cfg hubConfig
	log *zap.Logger
	db  *sql.DB

	mu              sync.Mutex
	total           int
	conns           map[*Conn]struct{}
	bySubscriber    map[string]*Conn
	byNickname      map[string]*Conn
	channels        map[string]*Channel
	channelIDByName map[string]string
	rooms           map[string]*Room
	ipConns         map[string]int
	lockouts        map[string]*lockoutEntry
}

func newHub(cfg hubConfig, log *zap.Logger, database *sql.DB) *Hub {
	return &Hub{
		cfg:             cfg,
		log:             log,
		db:              database,
		conns:           map[*Conn]struct{}{},
		bySubscriber:    map[string]*Conn{},
		byNickname:      map[string]*Conn{},
		channels:        map[string]*Channel{},
		channelIDByName: map[string]string{},
		rooms:           map[string]*Room{},
		ipConns:         map[string]int{},
		lockouts:        map[string]*lockoutEntry{},
	}
}

// admit enforces the connection caps before the WebSocket upgrade. It
// reserves the global and per-IP slots on success; the caller must release
// them via cleanup (or releaseIP when the upgrade itself fails).
func (h *Hub) admit(ip string) (ok bool, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= h.cfg.MaxConns {
		return false, 503
	}
	if h.ipConns[ip] >= h.cfg.MaxConnsPerIP {
		return false, 429
	}
	h.total++
	h.ipConns[ip]++
	return true, 0
}

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseSlotLocked(ip)
}

func (h *Hub) releaseSlotLocked(ip string) {
	if h.total > 0 {
		h.total--
	}
	if h.ipConns[ip] > 0 {
		h.ipConns[ip]--
	}
	if h.ipConns[ip] == 0 {
		delete(h.ipConns, ip)
	}
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// cleanup removes the connection from every member set and lookup map and
// releases its IP slot. Runs exactly once, after the read loop exits.
func (h *Hub) cleanup(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	for channelID := range conn.channels {
		if channel, ok := h.channels[channelID]; ok {
			delete(channel.Members, conn)
		}
	}
	if conn.room != "" {
		if room, ok := h.rooms[conn.room]; ok {
			delete(room.Members, conn)
		}
	}
	if conn.authed {
		if h.bySubscriber[conn.subscriberID] == conn {
			delete(h.bySubscriber, conn.subscriberID)
		}
		if h.byNickname[conn.nickname] == conn {
			delete(h.byNickname, conn.nickname)
		}
	}
	h.releaseSlotLocked(conn.ip)
	h.mu.Unlock()
	conn.shutdown()
}

// closeWithError sends a final error frame and shuts the connection down.
// The write pump flushes the frame before closing the socket.
func (h *Hub) closeWithError(conn *Conn, code, message string) {
	conn.sendError(code, message)
	conn.shutdown()
}

func (h *Hub) tokenAllowed(token string) bool {
	if h.cfg.Insecure {
		return true
	}
	_, ok := h.cfg.allowSet[tokenstore.HashToken(token)]
	return ok
}

func (h *Hub) tokenHashAllowed(hash string) bool {
	if h.cfg.Insecure {
		return true
	}
	_, ok := h.cfg.allowSet[strings.ToLower(hash)]
	return ok
}

// validateIdentifier checks subscriber ids, nicknames, and channel/room
// names: non-empty, bounded length, no control characters.
func (h *Hub) validateIdentifier(s string) bool {
	if s == "" || len(s) > h.cfg.MaxIDLength {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// broadcast fans the frame out to every member except the sender. Each
// delivery is an independent, unacknowledged write.
func broadcast(members map[*Conn]struct{}, sender *Conn, frame protocol.Frame, wake bool) {
	for member := range members {
		if member == sender {
			continue
		}
		member.send(frame)
		if wake {
			member.send(protocol.Frame{Type: protocol.TypeWake, From: frame.From})
		}
	}
}
