package main

import "time"

// allowMessage counts one inbound frame against the connection's rate
// window. The counter resets when the window elapses; exceeding the cap
// inside a window is terminal for the connection.
func (h *Hub) allowMessage(conn *Conn, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.rateWindowStart.IsZero() || now.Sub(conn.rateWindowStart) > h.cfg.RateLimitWindow {
		conn.rateWindowStart = now
		conn.messageCount = 0
	}
	conn.messageCount++
	return conn.messageCount <= h.cfg.RateLimitMax
}
