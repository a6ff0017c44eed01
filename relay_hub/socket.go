package main

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ufoo/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleSocket upgrades /ufoo/online connections. Admission control runs
// before the upgrade so over-cap clients are refused with a plain HTTP
// status instead of a short-lived socket.
func (h *Hub) HandleSocket(c *gin.Context) {
	ip := c.ClientIP()
	if ok, status := h.admit(ip); !ok {
		if status == http.StatusTooManyRequests {
			c.JSON(status, gin.H{"ok": false, "error": "too many connections from this address"})
		} else {
			c.JSON(status, gin.H{"ok": false, "error": "relay at connection capacity"})
		}
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.releaseIP(ip)
		h.log.Warn("websocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	conn := newConn(ws, ip)
	h.register(conn)
	go conn.writePump()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.sendError(codeEventInvalid, "malformed frame")
			continue
		}
		h.dispatch(conn, frame)
	}

	h.cleanup(conn)
}
