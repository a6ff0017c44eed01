package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	// auth_required is optional on some relays; the wait for it is
	// best-effort and short.
	authRequiredTimeout = 2 * time.Second

	maxFrameBytes = 256 * 1024
)

// Client is a relay protocol client. Configure the exported fields, then
// call Dial; after a successful handshake every inbound frame is delivered
// to OnMessage, with an additional OnWake call for wake frames.
type Client struct {
	URL          string
	SubscriberID string
	Nickname     string
	World        string
	Token        string
	TokenHash    string

	// AllowInsecure permits plaintext ws:// to non-loopback hosts. A
	// warning is emitted through OnWarning instead of failing the dial.
	AllowInsecure    bool
	HandshakeTimeout time.Duration

	OnMessage func(Frame)
	OnWake    func(Frame)
	OnWarning func(string)

	conn      *websocket.Conn
	inbox     chan Frame
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay and runs the strict sequential handshake:
// hello, hello_ack, auth_required (best-effort), auth, auth_ok. Frames that
// arrive before a waiter registers are buffered in arrival order, so a fast
// relay cannot race the handshake.
func (c *Client) Dial(ctx context.Context) error {
	warning, err := CheckTransportSecurity(c.URL, c.AllowInsecure)
	if err != nil {
		return err
	}
	if warning != "" && c.OnWarning != nil {
		c.OnWarning(warning)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.conn = conn
	c.inbox = make(chan Frame, 64)
	c.done = make(chan struct{})
	go c.readPump()

	if err := c.handshake(); err != nil {
		c.Close()
		return err
	}
	go c.dispatchLoop()
	return nil
}

// Done is closed when the connection is gone, either after Close or a read
// failure.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) readPump() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		c.inbox <- frame
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.inbox:
			if c.OnMessage != nil {
				c.OnMessage(frame)
			}
			if frame.Type == TypeWake && c.OnWake != nil {
				c.OnWake(frame)
			}
		}
	}
}

// await pops the next buffered frame, rejecting on its own timer when the
// relay never replies.
func (c *Client) await(timeout time.Duration) (Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.done:
		return Frame{}, fmt.Errorf("connection closed")
	case <-timer.C:
		return Frame{}, fmt.Errorf("timed out after %s", timeout)
	}
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (c *Client) handshake() error {
	hello := Frame{Type: TypeHello, Client: &ClientInfo{
		SubscriberID: c.SubscriberID,
		Nickname:     c.Nickname,
		World:        c.World,
	}}
	if err := c.Send(hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	frame, err := c.await(c.handshakeTimeout())
	if err != nil {
		return fmt.Errorf("awaiting hello_ack: %w", err)
	}
	if frame.Type == TypeError {
		return fmt.Errorf("hello rejected: %s: %s", frame.Code, frame.Error)
	}
	if frame.Type != TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got %q", frame.Type)
	}

	// Tolerate a relay that never sends auth_required.
	if frame, err := c.await(authRequiredTimeout); err == nil {
		if frame.Type == TypeError {
			return fmt.Errorf("handshake rejected: %s: %s", frame.Code, frame.Error)
		}
	}

	auth := Frame{Type: TypeAuth, Method: "token"}
	if c.Token != "" {
		auth.Token = c.Token
	} else {
		auth.TokenHash = c.TokenHash
	}
	if err := c.Send(auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	frame, err = c.await(c.handshakeTimeout())
	if err != nil {
		return fmt.Errorf("awaiting auth_ok: %w", err)
	}
	if frame.Type != TypeAuthOK {
		return fmt.Errorf("authentication failed: %s: %s", frame.Code, frame.Error)
	}
	return nil
}

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(frame Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// JoinChannel joins (and implicitly creates, on the relay side) a channel.
func (c *Client) JoinChannel(channel string) error {
	return c.Send(Frame{Type: TypeJoin, Channel: channel})
}

// JoinRoom joins an existing room; password is required for private rooms.
func (c *Client) JoinRoom(room, password string) error {
	return c.Send(Frame{Type: TypeJoin, Room: room, Password: password})
}

func (c *Client) LeaveChannel(channel string) error {
	return c.Send(Frame{Type: TypeLeave, Channel: channel})
}

func (c *Client) LeaveRoom(room string) error {
	return c.Send(Frame{Type: TypeLeave, Room: room})
}

// SendEvent sends an event frame. The payload must carry a string kind and
// exactly one of To, Channel, or Room must be set; the relay enforces both.
func (c *Client) SendEvent(frame Frame) error {
	frame.Type = TypeEvent
	if frame.TS == 0 {
		frame.TS = time.Now().UnixMilli()
	}
	return c.Send(frame)
}

func (c *Client) Ping() error {
	return c.Send(Frame{Type: TypePing})
}
