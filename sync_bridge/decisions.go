package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ufoo/protocol"
)

var (
	decisionNamePattern = regexp.MustCompile(`^(\d+)-([A-Za-z0-9_-]+)-.+\.md$`)

	// safeDecisionFile is the allow-list for decision file names arriving
	// from remote peers. Anything else is dropped before touching the disk.
	safeDecisionFile = regexp.MustCompile(`^[A-Za-z0-9._-]+\.md$`)
)

// syncDecisions sends decision files not yet in the synced set. A synced
// name is never resent, even across restarts.
func (b *Bridge) syncDecisions(send sender) error {
	if b.cfg.DecisionsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(b.cfg.DecisionsDir)
	if err != nil {
		return fmt.Errorf("reading decisions dir: %w", err)
	}

	var pending []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !decisionNamePattern.MatchString(name) || b.state.isDecisionSynced(name) {
			continue
		}
		pending = append(pending, name)
	}
	if len(pending) == 0 {
		return nil
	}
	// Numeric order, so 2-... syncs before 10-... without zero padding.
	sort.Slice(pending, func(i, j int) bool {
		ni, _, _ := parseDecisionName(pending[i])
		nj, _, _ := parseDecisionName(pending[j])
		if ni != nj {
			return ni < nj
		}
		return pending[i] < pending[j]
	})

	for _, name := range pending {
		raw, err := os.ReadFile(filepath.Join(b.cfg.DecisionsDir, name))
		if err != nil {
			b.log.Warn("reading decision failed", zap.String("file", name), zap.Error(err))
			continue
		}
		frame := b.targetFrame()
		frame.Payload = protocol.Payload{
			"kind":    protocol.KindDecisionsSync,
			"name":    name,
			"content": string(raw),
		}
		if err := send.SendEvent(frame); err != nil {
			if saveErr := b.state.save(); saveErr != nil {
				b.log.Error("saving decision state failed", zap.Error(saveErr))
			}
			return fmt.Errorf("sending decision %s: %w", name, err)
		}
		b.state.markDecisionSynced(name)
		if num, author, ok := parseDecisionName(name); ok {
			b.state.noteDecision(author, num)
		}
	}
	return b.state.save()
}

func parseDecisionName(name string) (num int, author string, ok bool) {
	match := decisionNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, "", false
	}
	num, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, "", false
	}
	return num, match[2], true
}

// writeRemoteDecision stores a peer's decision file. The name passes three
// independent checks before any write: base-name stripping, the character
// allow-list, and a containment check of the final resolved path. A file
// that already exists is left untouched.
func (b *Bridge) writeRemoteDecision(name, content string) error {
	name = filepath.Base(name)
	if !safeDecisionFile.MatchString(name) {
		return nil
	}
	dir, err := filepath.Abs(b.cfg.DecisionsDir)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return nil
	}

	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		return err
	}

	// A decision written from remote must not be broadcast back out.
	b.state.markDecisionSynced(name)
	if num, author, ok := parseDecisionName(name); ok {
		b.state.noteDecision(author, num)
	}
	return b.state.save()
}
