package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idCollisionRetries = 5

type createRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Password string `json:"password"`
}

// requireBearer authenticates HTTP API requests against the same token
// allow-set as the WebSocket handshake, unless the relay runs in explicit
// insecure mode.
func (h *Hub) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.Insecure {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "bearer token required"})
			return
		}
		if !h.tokenAllowed(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "token not recognized"})
			return
		}
		c.Next()
	}
}

// bindBody decodes a JSON body capped at MaxHTTPBodyBytes. Oversized bodies
// abort the stream and answer 413 instead of buffering.
func (h *Hub) bindBody(c *gin.Context, out any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxHTTPBodyBytes)
	if err := c.ShouldBindJSON(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid JSON body"})
		return false
	}
	return true
}

// newRegistryID draws an 8-byte hex id, retrying on collision a bounded
// number of times. taken is consulted under the hub lock by the caller.
func (h *Hub) newRegistryID(taken func(string) bool) (string, bool) {
	for i := 0; i < idCollisionRetries; i++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", false
		}
		id := hex.EncodeToString(buf)
		if !taken(id) {
			return id, true
		}
	}
	return "", false
}

func (h *Hub) handleListRooms(c *gin.Context) {
	h.mu.Lock()
	rooms := make([]gin.H, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, gin.H{
			"id":         room.ID,
			"name":       room.Name,
			"type":       room.Type,
			"members":    len(room.Members),
			"created_at": room.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "rooms": rooms})
}

func (h *Hub) handleCreateRoom(c *gin.Context) {
	var req createRequest
	if !h.bindBody(c, &req) {
		return
	}
	if !h.validateIdentifier(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid room name"})
		return
	}
	if req.Type != roomTypePublic && req.Type != roomTypePrivate {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "room type must be public or private"})
		return
	}
	if req.Type == roomTypePrivate && req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "private rooms require a password"})
		return
	}

	var passwordHash string
	if req.Type == roomTypePrivate {
		var err error
		passwordHash, err = hashRoomPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to hash password"})
			return
		}
	}

	h.mu.Lock()
	id, ok := h.newRegistryID(func(id string) bool {
		_, exists := h.rooms[id]
		return exists
	})
	if !ok {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "could not allocate a room id"})
		return
	}
	room := &Room{
		ID:           id,
		Name:         req.Name,
		Type:         req.Type,
		Members:      map[*Conn]struct{}{},
		CreatedAt:    time.Now(),
		PasswordHash: passwordHash,
	}
	h.rooms[id] = room
	h.mu.Unlock()

	if err := h.persistRoom(room); err != nil {
		h.log.Error("persisting room failed", zap.String("room", id), zap.Error(err))
	}
	h.log.Info("room created", zap.String("room", id), zap.String("type", room.Type))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "room": gin.H{
		"id":         room.ID,
		"name":       room.Name,
		"type":       room.Type,
		"created_at": room.CreatedAt.UTC().Format(time.RFC3339),
	}})
}

func (h *Hub) handleListChannels(c *gin.Context) {
	h.mu.Lock()
	channels := make([]gin.H, 0, len(h.channels))
	for _, channel := range h.channels {
		channels = append(channels, gin.H{
			"id":         channel.ID,
			"name":       channel.Name,
			"type":       channel.Type,
			"members":    len(channel.Members),
			"created_at": channel.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ok": true, "channels": channels})
}

func (h *Hub) handleCreateChannel(c *gin.Context) {
	var req createRequest
	if !h.bindBody(c, &req) {
		return
	}
	if !h.validateIdentifier(req.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid channel name"})
		return
	}
	if req.Type == "" {
		req.Type = channelTypePublic
	}
	if req.Type != channelTypeWorld && req.Type != channelTypePublic {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "code": codeChannelTypeInvalid, "error": "channel type must be world or public"})
		return
	}

	h.mu.Lock()
	if _, exists := h.channelIDByName[req.Name]; exists {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": "channel name already registered"})
		return
	}
	id, ok := h.newRegistryID(func(id string) bool {
		_, exists := h.channels[id]
		return exists
	})
	if !ok {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "could not allocate a channel id"})
		return
	}
	channel := &Channel{
		ID:        id,
		Name:      req.Name,
		Type:      req.Type,
		Members:   map[*Conn]struct{}{},
		CreatedAt: time.Now(),
	}
	h.channels[id] = channel
	h.channelIDByName[req.Name] = id
	h.mu.Unlock()

	if err := h.persistChannel(channel); err != nil {
		h.log.Error("persisting channel failed", zap.String("channel", id), zap.Error(err))
	}
	h.log.Info("channel created", zap.String("channel", id), zap.String("name", channel.Name))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "channel": gin.H{
		"id":         channel.ID,
		"name":       channel.Name,
		"type":       channel.Type,
		"created_at": channel.CreatedAt.UTC().Format(time.RFC3339),
	}})
}
