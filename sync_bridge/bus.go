package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ufoo/protocol"
)

// busRecord is one line of a bus journal file.
type busRecord struct {
	Seq       int64          `json:"seq"`
	Event     string         `json:"event"`
	Publisher string         `json:"publisher,omitempty"`
	Target    string         `json:"target,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// isRemoteReplay reports whether the record was written by the bridge itself
// from a remote peer's bus.sync; replaying those back out would loop.
func (r busRecord) isRemoteReplay() bool {
	tagged, _ := r.Data["remote_replay"].(bool)
	return tagged
}

// syncBus forwards local bus events newer than the persisted cursor. The
// cursor only ever advances past events that were actually sent, so a failed
// send is retried first on the next poll.
func (b *Bridge) syncBus(send sender) error {
	if b.cfg.BusDir == "" {
		return nil
	}
	records, err := b.readBusRecords()
	if err != nil {
		return err
	}

	for _, record := range records {
		frame := b.targetFrame()
		frame.Payload = protocol.Payload{
			"kind":      protocol.KindBusSync,
			"seq":       record.Seq,
			"event":     record.Event,
			"publisher": record.Publisher,
			"target":    record.Target,
			"data":      record.Data,
		}
		if err := send.SendEvent(frame); err != nil {
			if saveErr := b.state.save(); saveErr != nil {
				b.log.Error("saving bus cursor failed", zap.Error(saveErr))
			}
			return fmt.Errorf("sending bus event %d: %w", record.Seq, err)
		}
		b.state.LastSeq = record.Seq
	}
	if len(records) > 0 {
		return b.state.save()
	}
	return nil
}

// readBusRecords collects records with seq beyond the cursor from every
// journal in the bus dir, in seq order. Malformed lines are skipped.
func (b *Bridge) readBusRecords() ([]busRecord, error) {
	journals, err := filepath.Glob(filepath.Join(b.cfg.BusDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var records []busRecord
	for _, journal := range journals {
		raw, err := os.ReadFile(journal)
		if err != nil {
			b.log.Warn("reading bus journal failed", zap.String("file", filepath.Base(journal)), zap.Error(err))
			continue
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var record busRecord
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			if record.Seq <= b.state.LastSeq || record.isRemoteReplay() {
				continue
			}
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// appendRemoteBus writes a peer's bus event into the local replay journal,
// tagged so syncBus never forwards it back out.
func (b *Bridge) appendRemoteBus(record busRecord, origin string) error {
	if record.Data == nil {
		record.Data = map[string]any{}
	}
	record.Data["remote_replay"] = true
	record.Data["origin"] = origin

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	path := filepath.Join(b.cfg.BusDir, "remote-replay.jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(raw, '\n'))
	return err
}
