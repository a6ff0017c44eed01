package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"

	"ufoo/protocol"
)

// scrypt parameters for room passwords. Deliberately modest: joins are rare
// and verification runs synchronously on the joining connection.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltBytes    = 16
)

// hashRoomPassword derives the stored form hex(salt):hex(key) with a random
// 16-byte salt.
func hashRoomPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// verifyRoomPassword re-derives the key for the stored salt and compares in
// constant time.
func verifyRoomPassword(stored, password string) (bool, error) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("malformed password hash")
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("malformed password salt")
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("malformed password key")
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// lockoutKey is the subscriber id once authenticated, falling back to the
// raw source IP otherwise. The two identity spaces are knowingly mixed; see
// DESIGN.md.
func lockoutKey(conn *Conn) string {
	if conn.authed {
		return conn.subscriberID
	}
	return conn.ip
}

func (h *Hub) isLockedOut(key string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.lockouts[key]
	return ok && now.Before(entry.lockedUntil)
}

func (h *Hub) recordRoomAuthFailure(key string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.lockouts[key]
	if !ok {
		entry = &lockoutEntry{}
		h.lockouts[key] = entry
	}
	entry.failures++
	if entry.failures >= h.cfg.RoomAuthMaxFailures {
		entry.lockedUntil = now.Add(h.cfg.RoomAuthLockout)
	}
}

func (h *Hub) clearRoomAuthFailures(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lockouts, key)
}

// joinRoom requires the room to pre-exist. Private rooms verify the password
// via scrypt; repeated failures lock the key out for a window during which
// even the correct password is rejected. A connection holds at most one room
// membership, so joining a new room leaves the old one.
func (h *Hub) joinRoom(conn *Conn, target, password string) {
	now := time.Now()
	key := lockoutKey(conn)
	if h.isLockedOut(key, now) {
		h.closeWithError(conn, codeRoomAuthLocked, "too many failed room join attempts")
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[target]
	h.mu.Unlock()
	if !ok {
		conn.sendError(codeRoomNotFound, "room does not exist")
		return
	}

	if room.Type == roomTypePrivate {
		// CPU-bound scrypt derivation, deliberately outside the hub lock
		// so it only stalls the joining connection.
		match, err := verifyRoomPassword(room.PasswordHash, password)
		if err != nil {
			h.log.Error("room password verification failed", zap.String("room", room.ID), zap.Error(err))
			conn.sendError(codeRoomPasswordInvalid, "room password rejected")
			return
		}
		if !match {
			h.recordRoomAuthFailure(key, now)
			conn.sendError(codeRoomPasswordInvalid, "room password rejected")
			return
		}
		h.clearRoomAuthFailures(key)
	}

	h.mu.Lock()
	if conn.room != "" && conn.room != room.ID {
		if previous, exists := h.rooms[conn.room]; exists {
			delete(previous.Members, conn)
		}
	}
	room.Members[conn] = struct{}{}
	conn.room = room.ID
	h.mu.Unlock()

	h.log.Info("room joined",
		zap.String("subscriber_id", conn.subscriberID),
		zap.String("room", room.ID),
		zap.String("type", room.Type))
	conn.send(protocol.Frame{Type: protocol.TypeJoinAck, Room: room.ID})
}

func (h *Hub) leaveRoom(conn *Conn, target string) {
	h.mu.Lock()
	room, ok := h.rooms[target]
	if !ok || conn.room != target {
		h.mu.Unlock()
		conn.sendError(codeNotInRoom, "not a member of that room")
		return
	}
	delete(room.Members, conn)
	conn.room = ""
	h.mu.Unlock()

	conn.send(protocol.Frame{Type: protocol.TypeLeaveAck, Room: target})
}
