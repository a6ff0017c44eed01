package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"ufoo/protocol"
)

// stubSender records sent frames and can be told to start failing after a
// number of successful sends.
type stubSender struct {
	sent      []protocol.Frame
	failAfter int // -1 means never fail
}

func (s *stubSender) SendEvent(frame protocol.Frame) error {
	if s.failAfter >= 0 && len(s.sent) >= s.failAfter {
		return fmt.Errorf("send refused")
	}
	s.sent = append(s.sent, frame)
	return nil
}

func newTestBridge(t *testing.T, mutate func(*bridgeConfig)) *Bridge {
	t.Helper()
	base := t.TempDir()
	cfg := defaultBridgeConfig()
	cfg.SubscriberID = "agent-1"
	cfg.Nickname = "alpha"
	cfg.Room = "room-1"
	cfg.RoomPassword = "hunter2"
	cfg.TrustRemote = true
	cfg.DataDir = filepath.Join(base, "data")
	cfg.BusDir = filepath.Join(base, "bus")
	cfg.DecisionsDir = filepath.Join(base, "decisions")
	if mutate != nil {
		mutate(&cfg)
	}
	for _, dir := range []string{cfg.DataDir, cfg.BusDir, cfg.DecisionsDir} {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", dir, err)
			}
		}
	}
	bridge, err := newBridge(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	return bridge
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func payloadText(frame protocol.Frame) string {
	text, _ := frame.Payload["text"].(string)
	return text
}
