package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"ufoo/tokenstore"
)

type hubConfig struct {
	Port   string
	DBFile string

	// allowSet holds SHA-256 hex hashes of accepted tokens. Empty plus
	// Insecure=false means nobody can authenticate.
	allowSet map[string]struct{}
	Insecure bool

	MaxIDLength      int
	MaxFrameBytes    int64
	MaxHTTPBodyBytes int64

	RateLimitWindow time.Duration
	RateLimitMax    int

	AuthDeadline  time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	MaxConns      int
	MaxConnsPerIP int

	RoomAuthMaxFailures int
	RoomAuthLockout     time.Duration
}

func defaultHubConfig() hubConfig {
	return hubConfig{
		Port:                "8400",
		DBFile:              "./relay_hub.db",
		allowSet:            map[string]struct{}{},
		MaxIDLength:         64,
		MaxFrameBytes:       256 * 1024,
		MaxHTTPBodyBytes:    64 * 1024,
		RateLimitWindow:     10 * time.Second,
		RateLimitMax:        100,
		AuthDeadline:        30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		SweepInterval:       5 * time.Second,
		MaxConns:            1000,
		MaxConnsPerIP:       10,
		RoomAuthMaxFailures: 5,
		RoomAuthLockout:     time.Minute,
	}
}

func loadHubConfig() hubConfig {
	cfg := defaultHubConfig()
	if port := os.Getenv("UFOO_ONLINE_PORT"); port != "" {
		cfg.Port = port
	}
	if dbFile := os.Getenv("UFOO_ONLINE_DB_FILE"); dbFile != "" {
		cfg.DBFile = dbFile
	}
	cfg.Insecure = envBool("UFOO_ONLINE_INSECURE")
	cfg.setTokens(strings.Split(os.Getenv("UFOO_ONLINE_TOKENS"), ","))

	cfg.MaxIDLength = envInt("UFOO_ONLINE_MAX_ID_LENGTH", cfg.MaxIDLength)
	cfg.RateLimitMax = envInt("UFOO_ONLINE_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = envDuration("UFOO_ONLINE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.AuthDeadline = envDuration("UFOO_ONLINE_AUTH_DEADLINE", cfg.AuthDeadline)
	cfg.IdleTimeout = envDuration("UFOO_ONLINE_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SweepInterval = envDuration("UFOO_ONLINE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.MaxConns = envInt("UFOO_ONLINE_MAX_CONNS", cfg.MaxConns)
	cfg.MaxConnsPerIP = envInt("UFOO_ONLINE_MAX_CONNS_PER_IP", cfg.MaxConnsPerIP)
	cfg.RoomAuthMaxFailures = envInt("UFOO_ONLINE_ROOM_AUTH_MAX_FAILURES", cfg.RoomAuthMaxFailures)
	cfg.RoomAuthLockout = envDuration("UFOO_ONLINE_ROOM_AUTH_LOCKOUT", cfg.RoomAuthLockout)
	return cfg
}

// setTokens fills the allow-set. Entries that already look like SHA-256 hex
// are taken as precomputed hashes; anything else is hashed.
func (cfg *hubConfig) setTokens(tokens []string) {
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if isHexHash(token) {
			cfg.allowSet[strings.ToLower(token)] = struct{}{}
			continue
		}
		cfg.allowSet[tokenstore.HashToken(token)] = struct{}{}
	}
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
