package main

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ufoo/protocol"
	"ufoo/tokenstore"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 8 * time.Second
)

// sender is the outbound seam for the sync paths; the protocol client
// satisfies it.
type sender interface {
	SendEvent(protocol.Frame) error
}

// Bridge keeps one relay connection alive and shuttles the local outbox,
// bus, and decision files across it.
type Bridge struct {
	cfg   bridgeConfig
	log   *zap.Logger
	state *syncState
	waker Waker
}

func newBridge(cfg bridgeConfig, log *zap.Logger) (*Bridge, error) {
	state, err := loadState(filepath.Join(cfg.DataDir, "state.json"))
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:   cfg,
		log:   log,
		state: state,
		waker: &fileWaker{path: filepath.Join(cfg.DataDir, "wake-queue.jsonl")},
	}, nil
}

// targetFrame returns a frame addressed to the bridge's configured channel
// or room.
func (b *Bridge) targetFrame() protocol.Frame {
	if b.cfg.Room != "" {
		return protocol.Frame{Room: b.cfg.Room}
	}
	return protocol.Frame{Channel: b.cfg.Channel}
}

// resolveCredentials picks the relay token: an explicit token wins, then an
// explicit hash, then the stored entry for this subscriber id, then the
// stored entry for the nickname, and finally a freshly generated token that
// is persisted back.
func (b *Bridge) resolveCredentials() (token, tokenHash string) {
	if b.cfg.Token != "" {
		return b.cfg.Token, ""
	}
	if b.cfg.TokenHash != "" {
		return "", b.cfg.TokenHash
	}

	path := b.cfg.TokenStorePath
	if path == "" {
		var err error
		path, err = tokenstore.DefaultPath()
		if err != nil {
			b.log.Warn("token store unavailable", zap.Error(err))
			return "", ""
		}
	}
	store, err := tokenstore.Open(path)
	if err != nil {
		b.log.Warn("opening token store failed", zap.Error(err))
		return "", ""
	}
	if entry, ok := store.Get(b.cfg.SubscriberID); ok {
		return entry.Token, entry.TokenHash
	}
	if entry, ok := store.GetByNickname(b.cfg.Nickname); ok {
		return entry.Token, entry.TokenHash
	}

	generated, err := tokenstore.GenerateToken()
	if err != nil {
		b.log.Error("generating token failed", zap.Error(err))
		return "", ""
	}
	err = store.Put(b.cfg.SubscriberID, tokenstore.Entry{
		Token:    generated,
		Nickname: b.cfg.Nickname,
		Server:   b.cfg.RelayURL,
	})
	if err != nil {
		b.log.Warn("persisting generated token failed", zap.Error(err))
	}
	return generated, ""
}

// Run reconnects forever until the context is cancelled. The backoff doubles
// per failed attempt up to a cap and resets after any session that got as
// far as joining.
func (b *Bridge) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		joined, err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn("session ended", zap.Error(err))
		}
		if joined {
			attempt = 0
		}
		attempt++

		delay := backoffDelay(attempt)
		b.log.Info("reconnecting", zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

// session runs one connection: dial, join, then poll until the connection
// drops or the context is cancelled. joined reports whether the session got
// past the join, which resets the reconnect backoff.
func (b *Bridge) session(ctx context.Context) (joined bool, err error) {
	token, tokenHash := b.resolveCredentials()
	client := &protocol.Client{
		URL:           b.cfg.RelayURL,
		SubscriberID:  b.cfg.SubscriberID,
		Nickname:      b.cfg.Nickname,
		World:         b.cfg.World,
		Token:         token,
		TokenHash:     tokenHash,
		AllowInsecure: b.cfg.Insecure,
		OnMessage:     b.handleRemote,
		OnWarning: func(warning string) {
			b.log.Warn(warning)
		},
	}
	if err := client.Dial(ctx); err != nil {
		return false, err
	}
	defer client.Close()

	if b.cfg.Room != "" {
		err = client.JoinRoom(b.cfg.Room, b.cfg.RoomPassword)
	} else {
		err = client.JoinChannel(b.cfg.Channel)
	}
	if err != nil {
		return false, err
	}
	b.log.Info("connected",
		zap.String("relay", b.cfg.RelayURL),
		zap.String("channel", b.cfg.Channel),
		zap.String("room", b.cfg.Room),
		zap.Bool("sync", b.cfg.syncEnabled()))

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-client.Done():
			return true, nil
		case <-ticker.C:
			b.pollOnce(client)
		}
	}
}

// pollOnce runs one sync pass. Each path fails independently; an error in
// one never blocks the others.
func (b *Bridge) pollOnce(send sender) {
	if err := b.drainOutbox(send); err != nil {
		b.log.Warn("outbox drain failed", zap.Error(err))
	}
	if !b.cfg.syncEnabled() {
		return
	}
	if err := b.syncBus(send); err != nil {
		b.log.Warn("bus sync failed", zap.Error(err))
	}
	if err := b.syncDecisions(send); err != nil {
		b.log.Warn("decision sync failed", zap.Error(err))
	}
}
