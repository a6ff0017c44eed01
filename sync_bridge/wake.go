package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Waker delivers wake requests to the local agent runner.
type Waker interface {
	Wake(nickname, reason, origin string) error
}

// fileWaker appends wake requests to a queue file consumed out-of-band.
type fileWaker struct {
	path string
}

type wakeRecord struct {
	Nickname string `json:"nickname"`
	Reason   string `json:"reason,omitempty"`
	Origin   string `json:"origin,omitempty"`
	TS       int64  `json:"ts"`
}

func (w *fileWaker) Wake(nickname, reason, origin string) error {
	record := wakeRecord{
		Nickname: nickname,
		Reason:   reason,
		Origin:   origin,
		TS:       time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening wake queue: %w", err)
	}
	defer file.Close()
	_, err = file.Write(append(raw, '\n'))
	return err
}
