package main

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type bridgeConfig struct {
	RelayURL     string
	SubscriberID string
	Nickname     string
	World        string

	// Exactly one of Channel or Room is set. RoomPassword is required when
	// the room is private.
	Channel      string
	Room         string
	RoomPassword string

	DataDir      string
	BusDir       string
	DecisionsDir string

	TrustRemote bool
	AllowFrom   []string

	Token          string
	TokenHash      string
	TokenStorePath string

	PollInterval time.Duration
	Insecure     bool
}

func defaultBridgeConfig() bridgeConfig {
	return bridgeConfig{
		RelayURL:     "ws://127.0.0.1:8400/ufoo/online",
		DataDir:      ".",
		PollInterval: 2 * time.Second,
	}
}

func loadBridgeConfig() bridgeConfig {
	cfg := defaultBridgeConfig()

	if url := os.Getenv("UFOO_BRIDGE_RELAY_URL"); url != "" {
		cfg.RelayURL = url
	}
	cfg.SubscriberID = os.Getenv("UFOO_BRIDGE_SUBSCRIBER_ID")
	cfg.Nickname = os.Getenv("UFOO_BRIDGE_NICKNAME")
	cfg.World = os.Getenv("UFOO_BRIDGE_WORLD")
	cfg.Channel = os.Getenv("UFOO_BRIDGE_CHANNEL")
	cfg.Room = os.Getenv("UFOO_BRIDGE_ROOM")
	cfg.RoomPassword = os.Getenv("UFOO_BRIDGE_ROOM_PASSWORD")
	if dir := os.Getenv("UFOO_BRIDGE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	cfg.BusDir = os.Getenv("UFOO_BRIDGE_BUS_DIR")
	cfg.DecisionsDir = os.Getenv("UFOO_BRIDGE_DECISIONS_DIR")
	cfg.TrustRemote = envBool("UFOO_BRIDGE_TRUST_REMOTE")
	cfg.AllowFrom = splitList(os.Getenv("UFOO_BRIDGE_ALLOW_FROM"))
	cfg.Token = os.Getenv("UFOO_BRIDGE_TOKEN")
	cfg.TokenHash = os.Getenv("UFOO_BRIDGE_TOKEN_HASH")
	cfg.TokenStorePath = os.Getenv("UFOO_BRIDGE_TOKEN_STORE")
	cfg.PollInterval = envDuration("UFOO_BRIDGE_POLL_INTERVAL", cfg.PollInterval)
	cfg.Insecure = envBool("UFOO_BRIDGE_INSECURE")

	return cfg
}

func (cfg bridgeConfig) validate() error {
	if cfg.SubscriberID == "" {
		return fmt.Errorf("UFOO_BRIDGE_SUBSCRIBER_ID is required")
	}
	if cfg.Nickname == "" {
		return fmt.Errorf("UFOO_BRIDGE_NICKNAME is required")
	}
	if (cfg.Channel == "") == (cfg.Room == "") {
		return fmt.Errorf("exactly one of UFOO_BRIDGE_CHANNEL and UFOO_BRIDGE_ROOM must be set")
	}
	return nil
}

// syncEnabled reports whether remote peers are allowed to mutate local
// state. Channel and public-room connections relay messages only.
func (cfg bridgeConfig) syncEnabled() bool {
	if cfg.Room == "" || cfg.RoomPassword == "" {
		return false
	}
	return cfg.TrustRemote || len(cfg.AllowFrom) > 0
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
