package main

import (
	"fmt"
	"time"
)

// ensureRelaySchema creates the durable room/channel registry. Rooms are
// never deleted, so the registry only ever grows.
func (h *Hub) ensureRelaySchema() error {
	if h.db == nil {
		return nil
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema exec failed: %w", err)
		}
	}
	return nil
}

// loadRegistry restores rooms and registered channels into the in-memory
// registries at startup.
func (h *Hub) loadRegistry() error {
	if h.db == nil {
		return nil
	}

	rows, err := h.db.Query(`SELECT id, name, type, password_hash, created_at FROM rooms`)
	if err != nil {
		return fmt.Errorf("loading rooms: %w", err)
	}
	defer rows.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Type, &room.PasswordHash, &room.CreatedAt); err != nil {
			return fmt.Errorf("scanning room: %w", err)
		}
		room.Members = map[*Conn]struct{}{}
		h.rooms[room.ID] = &room
	}
	if err := rows.Err(); err != nil {
		return err
	}

	channelRows, err := h.db.Query(`SELECT id, name, type, created_at FROM channels`)
	if err != nil {
		return fmt.Errorf("loading channels: %w", err)
	}
	defer channelRows.Close()
	for channelRows.Next() {
		var channel Channel
		if err := channelRows.Scan(&channel.ID, &channel.Name, &channel.Type, &channel.CreatedAt); err != nil {
			return fmt.Errorf("scanning channel: %w", err)
		}
		channel.Members = map[*Conn]struct{}{}
		h.channels[channel.ID] = &channel
		h.channelIDByName[channel.Name] = channel.ID
	}
	return channelRows.Err()
}

func (h *Hub) persistRoom(room *Room) error {
	if h.db == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT INTO rooms (id, name, type, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.Type, room.PasswordHash, room.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (h *Hub) persistChannel(channel *Channel) error {
	if h.db == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT INTO channels (id, name, type, created_at) VALUES (?, ?, ?, ?)`,
		channel.ID, channel.Name, channel.Type, channel.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}
