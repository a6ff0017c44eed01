package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ufoo/protocol"
)

// isRemoteTrusted reports whether remote input from the given sender may
// mutate local state.
func (b *Bridge) isRemoteTrusted(from string) bool {
	if !b.cfg.syncEnabled() {
		return false
	}
	if b.cfg.TrustRemote {
		return true
	}
	for _, allowed := range b.cfg.AllowFrom {
		if allowed == from {
			return true
		}
	}
	return false
}

// handleRemote processes one inbound frame. Messages are always recorded;
// everything that writes into the bus, decisions, or wake queue is
// trust-gated and silently dropped otherwise.
func (b *Bridge) handleRemote(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeWake:
		// The relay pairs every wake-kind event with a synthetic wake
		// frame; the event carries the detail, so only it triggers the
		// waker.
		return
	case protocol.TypeError:
		b.log.Warn("relay error", zap.String("code", frame.Code), zap.String("error", frame.Error))
		return
	case protocol.TypeEvent:
	default:
		return
	}

	switch frame.Payload.Kind() {
	case protocol.KindMessage:
		if err := b.appendInbox(frame); err != nil {
			b.log.Error("recording inbound message failed", zap.Error(err))
		}
	case protocol.KindDecisionsSync:
		if !b.isRemoteTrusted(frame.From) {
			return
		}
		name, _ := frame.Payload["name"].(string)
		content, _ := frame.Payload["content"].(string)
		if name == "" {
			return
		}
		if err := b.writeRemoteDecision(name, content); err != nil {
			b.log.Error("applying remote decision failed", zap.String("name", name), zap.Error(err))
		}
	case protocol.KindBusSync:
		if !b.isRemoteTrusted(frame.From) {
			return
		}
		if err := b.appendRemoteBus(busRecordFromPayload(frame.Payload), frame.From); err != nil {
			b.log.Error("replaying remote bus event failed", zap.Error(err))
		}
	case protocol.KindWake:
		b.applyRemoteWake(frame)
	}
}

func (b *Bridge) applyRemoteWake(frame protocol.Frame) {
	if !b.isRemoteTrusted(frame.From) {
		return
	}
	nickname, _ := frame.Payload["nickname"].(string)
	if nickname == "" {
		nickname = b.cfg.Nickname
	}
	reason, _ := frame.Payload["reason"].(string)
	if err := b.waker.Wake(nickname, reason, frame.From); err != nil {
		b.log.Error("wake delivery failed", zap.Error(err))
	}
}

func busRecordFromPayload(payload protocol.Payload) busRecord {
	var record busRecord
	record.Seq = payloadInt64(payload, "seq")
	record.Event, _ = payload["event"].(string)
	record.Publisher, _ = payload["publisher"].(string)
	record.Target, _ = payload["target"].(string)
	record.Data, _ = payload["data"].(map[string]any)
	return record
}

// payloadInt64 reads a numeric payload field; decoded JSON numbers arrive
// as float64.
func payloadInt64(payload protocol.Payload, key string) int64 {
	switch value := payload[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	}
	return 0
}

type inboxRecord struct {
	From    string `json:"from"`
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
	Room    string `json:"room,omitempty"`
	TS      int64  `json:"ts"`
}

// appendInbox records an inbound chat message for the local agent to read.
func (b *Bridge) appendInbox(frame protocol.Frame) error {
	text, _ := frame.Payload["text"].(string)
	record := inboxRecord{
		From:    frame.From,
		Text:    text,
		Channel: frame.Channel,
		Room:    frame.Room,
		TS:      frame.TS,
	}
	if record.TS == 0 {
		record.TS = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	path := filepath.Join(b.cfg.DataDir, "inbox.jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(raw, '\n'))
	return err
}
