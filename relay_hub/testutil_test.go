package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ufoo/protocol"
)

const testToken = "relay-test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestHub starts a full hub (router, sweeper, no database) on an
// httptest server and returns it with its ws:// endpoint URL.
func newTestHub(t *testing.T, mutate func(*hubConfig)) (*Hub, string) {
	t.Helper()
	cfg := defaultHubConfig()
	cfg.setTokens([]string{testToken})
	if mutate != nil {
		mutate(&cfg)
	}
	h := newHub(cfg, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.runSweeper(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(newRouter(h))
	t.Cleanup(server.Close)
	return h, "ws" + strings.TrimPrefix(server.URL, "http") + "/ufoo/online"
}

func wsConnect(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	raw, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func recvFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("ws decode: %v", err)
	}
	return frame
}

// recvSilence asserts that nothing arrives within d. The connection is not
// usable afterwards.
func recvSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected silence, got frame: %s", raw)
	}
}

// recvClosed asserts the server closes the connection.
func recvClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection close, got frame: %s", raw)
	}
}

func expectType(t *testing.T, frame protocol.Frame, frameType string) {
	t.Helper()
	if frame.Type != frameType {
		t.Fatalf("expected %s frame, got %+v", frameType, frame)
	}
}

func expectError(t *testing.T, frame protocol.Frame, code string) {
	t.Helper()
	if frame.Type != protocol.TypeError || frame.Code != code {
		t.Fatalf("expected error %s, got %+v", code, frame)
	}
}

// handshake runs hello through auth_ok for a raw test connection.
func handshake(t *testing.T, conn *websocket.Conn, subscriberID, nickname string) {
	t.Helper()
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: subscriberID,
		Nickname:     nickname,
		World:        "dev",
	}})
	expectType(t, recvFrame(t, conn), protocol.TypeHelloAck)
	expectType(t, recvFrame(t, conn), protocol.TypeAuthRequired)
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeAuth, Method: "token", Token: testToken})
	expectType(t, recvFrame(t, conn), protocol.TypeAuthOK)
}

func joinChannel(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Channel: channel})
	ack := recvFrame(t, conn)
	expectType(t, ack, protocol.TypeJoinAck)
	if ack.Channel != channel {
		t.Fatalf("expected join_ack for %s, got %+v", channel, ack)
	}
}

// addChannel registers a channel (and its name-index entry) directly in the
// hub registry, bypassing the HTTP API.
func addChannel(t *testing.T, h *Hub, id, name, channelType string) {
	t.Helper()
	channel := &Channel{
		ID:        id,
		Name:      name,
		Type:      channelType,
		Members:   map[*Conn]struct{}{},
		CreatedAt: time.Now(),
	}
	h.mu.Lock()
	h.channels[id] = channel
	h.channelIDByName[name] = id
	h.mu.Unlock()
}

// addRoom registers a room directly in the hub registry, bypassing the HTTP
// API, for join-path tests.
func addRoom(t *testing.T, h *Hub, id, roomType, password string) {
	t.Helper()
	room := &Room{
		ID:        id,
		Name:      id,
		Type:      roomType,
		Members:   map[*Conn]struct{}{},
		CreatedAt: time.Now(),
	}
	if roomType == roomTypePrivate {
		hash, err := hashRoomPassword(password)
		if err != nil {
			t.Fatalf("hashRoomPassword: %v", err)
		}
		room.PasswordHash = hash
	}
	h.mu.Lock()
	h.rooms[id] = room
	h.mu.Unlock()
}
