package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ufoo/protocol"
)

func TestChannelFanoutExcludesSender(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	connA := wsConnect(t, wsURL)
	handshake(t, connA, "agent-a", "ada")
	connB := wsConnect(t, wsURL)
	handshake(t, connB, "agent-b", "grace")

	joinChannel(t, connA, "dev")
	joinChannel(t, connB, "dev")

	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		Channel: "dev",
		Payload: protocol.Payload{"kind": protocol.KindMessage, "message": "hi"},
	})

	event := recvFrame(t, connB)
	expectType(t, event, protocol.TypeEvent)
	if event.From != "agent-a" {
		t.Fatalf("expected from=agent-a, got %+v", event)
	}
	if msg, _ := event.Payload["message"].(string); msg != "hi" {
		t.Fatalf("expected payload message %q, got %+v", "hi", event.Payload)
	}

	// The sender must not receive its own frame back.
	recvSilence(t, connA, 300*time.Millisecond)
}

func TestRegisteredChannelAddressableByName(t *testing.T) {
	h, wsURL := newTestHub(t, nil)
	addChannel(t, h, "a1b2c3d4e5f60718", "dev", channelTypePublic)

	connA := wsConnect(t, wsURL)
	handshake(t, connA, "agent-a", "ada")
	connB := wsConnect(t, wsURL)
	handshake(t, connB, "agent-b", "grace")

	// Joining by registered name acks with the canonical id.
	for _, conn := range []*websocket.Conn{connA, connB} {
		sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Channel: "dev"})
		ack := recvFrame(t, conn)
		expectType(t, ack, protocol.TypeJoinAck)
		if ack.Channel != "a1b2c3d4e5f60718" {
			t.Fatalf("expected ack for the canonical id, got %+v", ack)
		}
	}

	// Events addressed by the same name must route to the channel.
	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		Channel: "dev",
		Payload: protocol.Payload{"kind": protocol.KindMessage, "message": "hi"},
	})
	event := recvFrame(t, connB)
	expectType(t, event, protocol.TypeEvent)
	if event.Channel != "a1b2c3d4e5f60718" {
		t.Fatalf("forwarded frame should carry the canonical id, got %+v", event)
	}
	if msg, _ := event.Payload["message"].(string); msg != "hi" {
		t.Fatalf("expected payload message %q, got %+v", "hi", event.Payload)
	}

	// Leaving by name works too; a second leave reports NOT_IN_CHANNEL.
	sendFrame(t, connA, protocol.Frame{Type: protocol.TypeLeave, Channel: "dev"})
	ack := recvFrame(t, connA)
	expectType(t, ack, protocol.TypeLeaveAck)
	sendFrame(t, connA, protocol.Frame{Type: protocol.TypeLeave, Channel: "dev"})
	expectError(t, recvFrame(t, connA), codeNotInChannel)
}

func TestIdentityVisibleOnlyAfterAuth(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	// squatter says hello with the nickname but never authenticates.
	squatter := wsConnect(t, wsURL)
	sendFrame(t, squatter, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: "agent-squat",
		Nickname:     "ada",
	}})
	expectType(t, recvFrame(t, squatter), protocol.TypeHelloAck)
	expectType(t, recvFrame(t, squatter), protocol.TypeAuthRequired)

	// The legitimate holder completes auth with the same nickname first.
	holder := wsConnect(t, wsURL)
	handshake(t, holder, "agent-a", "ada")

	// Now the squatter tries to finish auth and loses.
	sendFrame(t, squatter, protocol.Frame{Type: protocol.TypeAuth, Method: "token", Token: testToken})
	expectError(t, recvFrame(t, squatter), codeNicknameTaken)
	recvClosed(t, squatter)
}

func TestDuplicateSubscriberRejected(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	first := wsConnect(t, wsURL)
	handshake(t, first, "agent-a", "ada")

	second := wsConnect(t, wsURL)
	sendFrame(t, second, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: "agent-a",
		Nickname:     "ada2",
	}})
	expectType(t, recvFrame(t, second), protocol.TypeHelloAck)
	expectType(t, recvFrame(t, second), protocol.TypeAuthRequired)
	sendFrame(t, second, protocol.Frame{Type: protocol.TypeAuth, Method: "token", Token: testToken})
	expectError(t, recvFrame(t, second), codeSubscriberExists)
	recvClosed(t, second)
}

func TestAuthTokenInvalidIsFatal(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	conn := wsConnect(t, wsURL)
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: "agent-a",
		Nickname:     "ada",
	}})
	expectType(t, recvFrame(t, conn), protocol.TypeHelloAck)
	expectType(t, recvFrame(t, conn), protocol.TypeAuthRequired)
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeAuth, Method: "token", Token: "wrong"})
	expectError(t, recvFrame(t, conn), codeAuthTokenInvalid)
	recvClosed(t, conn)
}

func TestSecondHelloRejectedNonFatal(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: "agent-b",
		Nickname:     "grace",
	}})
	expectError(t, recvFrame(t, conn), codeHelloInvalid)

	// Connection stays usable.
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypePing})
	expectType(t, recvFrame(t, conn), protocol.TypePong)
}

func TestPrivateRoomSyncKindsAndWake(t *testing.T) {
	h, wsURL := newTestHub(t, nil)
	addRoom(t, h, "warroom", roomTypePrivate, "hunter2")

	connA := wsConnect(t, wsURL)
	handshake(t, connA, "agent-a", "ada")
	connB := wsConnect(t, wsURL)
	handshake(t, connB, "agent-b", "grace")

	for _, conn := range []*websocket.Conn{connA, connB} {
		sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Room: "warroom", Password: "hunter2"})
		ack := recvFrame(t, conn)
		expectType(t, ack, protocol.TypeJoinAck)
		if ack.Room != "warroom" {
			t.Fatalf("expected join_ack for warroom, got %+v", ack)
		}
	}

	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		Room:    "warroom",
		Payload: protocol.Payload{"kind": protocol.KindDecisionsSync, "id": "003-ada-use-scrypt.md"},
	})
	event := recvFrame(t, connB)
	expectType(t, event, protocol.TypeEvent)
	if event.Payload.Kind() != protocol.KindDecisionsSync {
		t.Fatalf("expected decisions.sync to cross a private room, got %+v", event)
	}

	// wake-kind payloads additionally produce a synthetic wake frame.
	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		Room:    "warroom",
		Payload: protocol.Payload{"kind": protocol.KindWake},
	})
	event = recvFrame(t, connB)
	expectType(t, event, protocol.TypeEvent)
	wake := recvFrame(t, connB)
	expectType(t, wake, protocol.TypeWake)
	if wake.From != "agent-a" {
		t.Fatalf("expected wake from agent-a, got %+v", wake)
	}
}

func TestSyncKindsForbiddenOnChannels(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")
	joinChannel(t, conn, "dev")

	sendFrame(t, conn, protocol.Frame{
		Type:    protocol.TypeEvent,
		Channel: "dev",
		Payload: protocol.Payload{"kind": protocol.KindBusSync},
	})
	expectError(t, recvFrame(t, conn), codeEventKindForbidden)
}

func TestRoomPasswordLockout(t *testing.T) {
	h, wsURL := newTestHub(t, func(cfg *hubConfig) {
		cfg.RoomAuthMaxFailures = 2
		cfg.RoomAuthLockout = time.Minute
	})
	addRoom(t, h, "warroom", roomTypePrivate, "hunter2")

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")

	for i := 0; i < 2; i++ {
		sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Room: "warroom", Password: "wrong"})
		expectError(t, recvFrame(t, conn), codeRoomPasswordInvalid)
	}

	// Locked out now: even the correct password is rejected, fatally.
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Room: "warroom", Password: "hunter2"})
	expectError(t, recvFrame(t, conn), codeRoomAuthLocked)
	recvClosed(t, conn)
}

func TestSingleRoomMembership(t *testing.T) {
	h, wsURL := newTestHub(t, nil)
	addRoom(t, h, "room-1", roomTypePublic, "")
	addRoom(t, h, "room-2", roomTypePublic, "")

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")

	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Room: "room-1"})
	expectType(t, recvFrame(t, conn), protocol.TypeJoinAck)
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeJoin, Room: "room-2"})
	expectType(t, recvFrame(t, conn), protocol.TypeJoinAck)

	h.mu.Lock()
	room1Members := len(h.rooms["room-1"].Members)
	room2Members := len(h.rooms["room-2"].Members)
	h.mu.Unlock()
	if room1Members != 0 || room2Members != 1 {
		t.Fatalf("expected membership to move to room-2, got room-1=%d room-2=%d", room1Members, room2Members)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	// hello and auth consume two slots; the sixth ping is one over.
	_, wsURL := newTestHub(t, func(cfg *hubConfig) {
		cfg.RateLimitMax = 7
		cfg.RateLimitWindow = 10 * time.Second
	})

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")

	for i := 0; i < 6; i++ {
		sendFrame(t, conn, protocol.Frame{Type: protocol.TypePing})
	}
	var limited int
	for i := 0; i < 6; i++ {
		frame := recvFrame(t, conn)
		switch frame.Type {
		case protocol.TypePong:
		case protocol.TypeError:
			if frame.Code != codeRateLimited {
				t.Fatalf("unexpected error: %+v", frame)
			}
			limited++
		default:
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
	if limited != 1 {
		t.Fatalf("expected exactly one RATE_LIMITED error, got %d", limited)
	}
	recvClosed(t, conn)
}

func TestIdleTimeout(t *testing.T) {
	_, wsURL := newTestHub(t, func(cfg *hubConfig) {
		cfg.IdleTimeout = 150 * time.Millisecond
		cfg.SweepInterval = 25 * time.Millisecond
	})

	conn := wsConnect(t, wsURL)
	handshake(t, conn, "agent-a", "ada")

	expectError(t, recvFrame(t, conn), codeIdleTimeout)
	recvClosed(t, conn)
}

func TestAuthDeadline(t *testing.T) {
	_, wsURL := newTestHub(t, func(cfg *hubConfig) {
		cfg.AuthDeadline = 100 * time.Millisecond
		cfg.SweepInterval = 25 * time.Millisecond
	})

	conn := wsConnect(t, wsURL)
	sendFrame(t, conn, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
		SubscriberID: "agent-a",
		Nickname:     "ada",
	}})
	expectType(t, recvFrame(t, conn), protocol.TypeHelloAck)
	expectType(t, recvFrame(t, conn), protocol.TypeAuthRequired)

	expectError(t, recvFrame(t, conn), codeAuthDeadline)
	recvClosed(t, conn)
}

func TestPerIPConnectionCap(t *testing.T) {
	_, wsURL := newTestHub(t, func(cfg *hubConfig) {
		cfg.MaxConnsPerIP = 1
	})

	first := wsConnect(t, wsURL)
	handshake(t, first, "agent-a", "ada")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected second upgrade from the same IP to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected HTTP 429, got %+v", resp)
	}
}

func TestDirectEventToSubscriber(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	connA := wsConnect(t, wsURL)
	handshake(t, connA, "agent-a", "ada")
	connB := wsConnect(t, wsURL)
	handshake(t, connB, "agent-b", "grace")

	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		To:      "agent-b",
		Payload: protocol.Payload{"kind": protocol.KindMessage, "message": "psst"},
	})
	event := recvFrame(t, connB)
	expectType(t, event, protocol.TypeEvent)
	if event.From != "agent-a" || event.To != "agent-b" {
		t.Fatalf("unexpected direct event: %+v", event)
	}

	sendFrame(t, connA, protocol.Frame{
		Type:    protocol.TypeEvent,
		To:      "agent-offline",
		Payload: protocol.Payload{"kind": protocol.KindMessage},
	})
	expectError(t, recvFrame(t, connA), codeEventTargetInvalid)
}

func TestCleanupReleasesNicknameAndSubscriber(t *testing.T) {
	_, wsURL := newTestHub(t, nil)

	first := wsConnect(t, wsURL)
	handshake(t, first, "agent-a", "ada")
	first.Close()

	// After the old connection is gone, the identity is free again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		second := wsConnect(t, wsURL)
		sendFrame(t, second, protocol.Frame{Type: protocol.TypeHello, Client: &protocol.ClientInfo{
			SubscriberID: "agent-a",
			Nickname:     "ada",
		}})
		expectType(t, recvFrame(t, second), protocol.TypeHelloAck)
		expectType(t, recvFrame(t, second), protocol.TypeAuthRequired)
		sendFrame(t, second, protocol.Frame{Type: protocol.TypeAuth, Method: "token", Token: testToken})
		frame := recvFrame(t, second)
		if frame.Type == protocol.TypeAuthOK {
			return
		}
		second.Close()
		if time.Now().After(deadline) {
			t.Fatalf("identity never released after close, last frame: %+v", frame)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
