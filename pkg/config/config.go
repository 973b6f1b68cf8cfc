// Package config loads server configuration from environment
// variables. Every knob has a default; an empty environment yields a
// working single-node setup with an embedded SQLite store.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Store backend: "sqlite" (default) or "postgres".
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string

	// Optional Redis mirror for rate counters. Empty disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkspaceRoot string
	SandboxRoot   string
	PushPath      string

	RateLimitWindow   time.Duration
	RateLimitMax      int
	DiffContextLines  int
	KeepAliveInterval time.Duration
	PluginTimeout     time.Duration

	// PluginProfile is an optional YAML profile applied at startup.
	PluginProfile string

	// AuditLogPath mirrors audit records to a JSON-lines file when set.
	AuditLogPath string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		StoreBackend: envStr("STORE_BACKEND", "sqlite"),
		SQLitePath:   envStr("SQLITE_PATH", "voidsync.db"),
		DatabaseURL:  envStr("DATABASE_URL", ""),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		WorkspaceRoot: envStr("WORKSPACE_ROOT", "./project"),
		SandboxRoot:   envStr("SANDBOX_ROOT", "./sandbox"),
		PushPath:      envStr("PUSH_PATH", "/ws"),

		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW", 60*time.Minute),
		RateLimitMax:      envInt("RATE_LIMIT_MAX", 1000),
		DiffContextLines:  envInt("DIFF_CONTEXT_LINES", 3),
		KeepAliveInterval: envDuration("KEEP_ALIVE_INTERVAL", 30*time.Second),
		PluginTimeout:     envDuration("PLUGIN_TIMEOUT", 5*time.Second),

		PluginProfile: envStr("PLUGIN_PROFILE", ""),
		AuditLogPath:  envStr("AUDIT_LOG_PATH", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
