package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxSyncedDecisions bounds the synced-decision set; the oldest entries are
// evicted first once the bound is reached.
const maxSyncedDecisions = 500

// syncState is the bridge's durable cursor file. It is written atomically so
// a crash mid-save never leaves a truncated state behind.
type syncState struct {
	path string

	LastSeq            int64            `json:"last_seq"`
	SyncedDecisions    map[string]int64 `json:"synced_decisions"`
	SyncedOrder        []string         `json:"synced_order"`
	LastDecisionByNick map[string]int   `json:"last_decision_by_nick"`
}

func loadState(path string) (*syncState, error) {
	state := &syncState{
		path:               path,
		SyncedDecisions:    map[string]int64{},
		LastDecisionByNick: map[string]int{},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if state.SyncedDecisions == nil {
		state.SyncedDecisions = map[string]int64{}
	}
	if state.LastDecisionByNick == nil {
		state.LastDecisionByNick = map[string]int{}
	}
	return state, nil
}

func (s *syncState) save() error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *syncState) isDecisionSynced(name string) bool {
	_, ok := s.SyncedDecisions[name]
	return ok
}

func (s *syncState) markDecisionSynced(name string) {
	if _, ok := s.SyncedDecisions[name]; ok {
		return
	}
	s.SyncedDecisions[name] = time.Now().UnixMilli()
	s.SyncedOrder = append(s.SyncedOrder, name)
	for len(s.SyncedOrder) > maxSyncedDecisions {
		evicted := s.SyncedOrder[0]
		s.SyncedOrder = s.SyncedOrder[1:]
		delete(s.SyncedDecisions, evicted)
	}
}

func (s *syncState) noteDecision(author string, num int) {
	if num > s.LastDecisionByNick[author] {
		s.LastDecisionByNick[author] = num
	}
}
