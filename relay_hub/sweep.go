package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runSweeper periodically closes connections that never authenticated in
// time or have gone silent, and prunes expired room lockout entries.
func (h *Hub) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	type victim struct {
		conn *Conn
		code string
	}
	var victims []victim

	h.mu.Lock()
	for conn := range h.conns {
		if !conn.authed && now.Sub(conn.connectedAt) > h.cfg.AuthDeadline {
			victims = append(victims, victim{conn, codeAuthDeadline})
			continue
		}
		if now.Sub(conn.lastSeen) > h.cfg.IdleTimeout {
			victims = append(victims, victim{conn, codeIdleTimeout})
		}
	}
	for key, entry := range h.lockouts {
		if !entry.lockedUntil.IsZero() && now.After(entry.lockedUntil) {
			delete(h.lockouts, key)
		}
	}
	h.mu.Unlock()

	for _, v := range victims {
		message := "authentication deadline exceeded"
		if v.code == codeIdleTimeout {
			message = "connection idle too long"
		}
		h.log.Info("sweeping connection",
			zap.String("code", v.code),
			zap.String("ip", v.conn.ip),
			zap.String("subscriber_id", v.conn.subscriberID))
		h.closeWithError(v.conn, v.code, message)
	}
}
