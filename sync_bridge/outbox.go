package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ufoo/protocol"
)

// outboxLine is one queued outbound message. Channel and room override the
// bridge's default target when set.
type outboxLine struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
	Room    string `json:"room,omitempty"`
}

func (b *Bridge) outboxPath() string {
	return filepath.Join(b.cfg.DataDir, "outbox-"+b.cfg.Nickname+".jsonl")
}

// drainOutbox sends queued outbox lines to the relay. The live file is
// renamed out of the way before reading so writers appending concurrently
// never race the drain. Drain files left behind by a crashed run are swept
// first, oldest first, to keep the original ordering.
func (b *Bridge) drainOutbox(send sender) error {
	live := b.outboxPath()

	leftovers, err := filepath.Glob(live + ".drain-*")
	if err != nil {
		return err
	}
	sort.Slice(leftovers, func(i, j int) bool {
		return drainModTime(leftovers[i]).Before(drainModTime(leftovers[j]))
	})
	for _, leftover := range leftovers {
		if err := b.drainFile(send, leftover); err != nil {
			return err
		}
	}

	if _, err := os.Stat(live); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	drain := live + ".drain-" + uuid.NewString()
	if err := os.Rename(live, drain); err != nil {
		return fmt.Errorf("claiming outbox: %w", err)
	}
	return b.drainFile(send, drain)
}

// drainFile sends the file's lines in order. On the first send failure the
// failed line and everything after it go back to the live outbox, in their
// original order, and the drain file is removed either way.
func (b *Bridge) drainFile(send sender, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry outboxLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			b.log.Warn("skipping malformed outbox line", zap.String("file", filepath.Base(path)))
			continue
		}
		frame := b.targetFrame()
		if entry.Channel != "" {
			frame = protocol.Frame{Channel: entry.Channel}
		} else if entry.Room != "" {
			frame = protocol.Frame{Room: entry.Room}
		}
		frame.Payload = protocol.Payload{"kind": protocol.KindMessage, "text": entry.Text}
		if err := send.SendEvent(frame); err != nil {
			if requeueErr := b.requeue(lines[i:]); requeueErr != nil {
				// The drain file stays on disk; the leftover sweep
				// re-attempts it next pass instead of losing the lines.
				b.log.Error("requeueing outbox lines failed", zap.Error(requeueErr))
				return fmt.Errorf("sending outbox line: %w", err)
			}
			os.Remove(path)
			return fmt.Errorf("sending outbox line: %w", err)
		}
	}
	return os.Remove(path)
}

// requeue appends unsent lines back onto the live outbox file.
func (b *Bridge) requeue(lines []string) error {
	file, err := os.OpenFile(b.outboxPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := file.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func drainModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
