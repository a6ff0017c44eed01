// Package tokenstore holds relay credentials for local agents in a flat JSON
// file under the user's config directory. Every other component resolves or
// persists tokens through it.
package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const storeFileName = "agents.json"

type Entry struct {
	Token     string `json:"token,omitempty"`
	TokenHash string `json:"token_hash,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Server    string `json:"server,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Hash returns the authoritative hash for the entry: the stored token_hash
// when present, otherwise the hash of the plaintext token.
func (e Entry) Hash() string {
	if e.TokenHash != "" {
		return e.TokenHash
	}
	if e.Token != "" {
		return HashToken(e.Token)
	}
	return ""
}

type storeFile struct {
	Agents map[string]Entry `json:"agents"`
}

type Store struct {
	path   string
	agents map[string]Entry
}

// DefaultPath resolves the store file under the per-user config directory.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("unable to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "ufoo", storeFileName), nil
}

// Open loads the store at path, treating a missing file as an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, agents: map[string]Entry{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading token store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing token store %s: %w", path, err)
	}
	if file.Agents != nil {
		s.agents = file.Agents
	}
	return s, nil
}

// Save writes the store with owner-only permissions, creating the parent
// directory as needed.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating token store directory: %w", err)
	}
	raw, err := json.MarshalIndent(storeFile{Agents: s.agents}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("writing token store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Get(subscriberID string) (Entry, bool) {
	entry, ok := s.agents[subscriberID]
	return entry, ok
}

// GetByNickname returns the entry for nickname. When several subscriber ids
// share a nickname the most recently updated entry wins.
func (s *Store) GetByNickname(nickname string) (Entry, bool) {
	var best Entry
	var bestTime time.Time
	found := false
	for _, entry := range s.agents {
		if entry.Nickname != nickname {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, entry.UpdatedAt)
		if !found || ts.After(bestTime) {
			best = entry
			bestTime = ts
			found = true
		}
	}
	return best, found
}

// Put stores entry under subscriberID, stamps updated_at, and persists.
func (s *Store) Put(subscriberID string, entry Entry) error {
	entry.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.agents[subscriberID] = entry
	return s.Save()
}

// GenerateToken draws 24 random bytes, base64url-encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the wire token hash: SHA-256 hex.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
