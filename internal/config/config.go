// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode selects the authorizer backend consulted at join time.
const (
	AuthModeStatic = "static"
	AuthModeRedis  = "redis"
	AuthModeSQLite = "sqlite"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Addr           string
	AllowedOrigins []string

	HeartbeatInterval time.Duration
	PresenceStaleness time.Duration
	EvictionGrace     time.Duration
	LockTTL           time.Duration
	// LockEnforcement promotes the advisory edit lock to a mutation guard.
	// Off by default: the lock table is a UX signal, not mutual exclusion.
	LockEnforcement bool

	AuthMode    string
	RedisURL    string
	DBPath      string
	TokenSecret string
	AdminToken  string

	SendBufferSize int
	MaxMessageSize int64
}

const (
	defaultAddr              = ":8090"
	defaultAllowedOrigin     = "*"
	defaultHeartbeatInterval = 30 * time.Second
	defaultPresenceStaleness = 60 * time.Second
	defaultEvictionGrace     = 60 * time.Second
	defaultLockTTL           = 30 * time.Second
	defaultAuthMode          = AuthModeStatic
	defaultRedisURL          = "redis://localhost:6379/0"
	defaultDBPath            = "data/annosync.db"
	defaultTokenSecret       = "annosync-dev-secret"
	defaultSendBufferSize    = 64
	defaultMaxMessageSize    = int64(1 << 20) // 1 MiB
)

// Load builds a Config instance using environment variables when present.
func Load() Config {
	cfg := Config{
		Addr:              getEnv("ADDR", defaultAddr),
		AllowedOrigins:    parseAllowedOrigins(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigin)),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		PresenceStaleness: getEnvDuration("PRESENCE_STALENESS", defaultPresenceStaleness),
		EvictionGrace:     getEnvDuration("ROOM_EVICTION_GRACE", defaultEvictionGrace),
		LockTTL:           getEnvDuration("LOCK_TTL", defaultLockTTL),
		LockEnforcement:   getEnvBool("LOCK_ENFORCEMENT", false),
		AuthMode:          getEnv("AUTH_MODE", defaultAuthMode),
		RedisURL:          getEnv("REDIS_URL", defaultRedisURL),
		DBPath:            getEnv("DB_PATH", defaultDBPath),
		TokenSecret:       getEnv("TOKEN_SECRET", defaultTokenSecret),
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		SendBufferSize:    defaultSendBufferSize,
		MaxMessageSize:    defaultMaxMessageSize,
	}

	if raw := os.Getenv("SEND_BUFFER_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.SendBufferSize = v
		}
	}
	if raw := os.Getenv("MAX_MESSAGE_SIZE"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			cfg.MaxMessageSize = v
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if v, err := time.ParseDuration(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, origin := range parts {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
