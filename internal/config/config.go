// Package config loads the kernel process's tunables from the environment
// (§6.5), reusing the teacher's generic env-parsing helpers
// (infrastructure/config/loader.go) stripped of the Marble/TEE-secret
// fallback chain this process has no counterpart for.
package config

import (
	"fmt"
	"time"

	teacherconfig "github.com/claudebench/kernel/infrastructure/config"
)

// Config is the fully-resolved set of process tunables a Kernel is built
// from. Zero value is never valid; use Load.
type Config struct {
	KVURL string
	DBURL string // optional; empty disables the relational mirror

	Port   int
	WSPath string
	RPCPath string

	AuthSecret string // optional; empty disables bearer-JWT auth

	HealthCheckInterval time.Duration
	StaleInstance       time.Duration
	MaxInFlight         int
	DefaultTimeout      time.Duration
	CacheDefaultTTL     time.Duration

	LogLevel  string
	LogFormat string

	MetricsEnabled    bool
	ReentrancyMaxDepth int
	SnapshotTTL        time.Duration
	AuditLogCap        int64
	LeaderLockTTL      time.Duration
}

// Load resolves Config from the process environment, applying the
// defaults in §6.5 for anything unset. KV_URL is the only required value.
func Load() (Config, error) {
	kvURL := teacherconfig.GetEnv("KV_URL", "")
	if kvURL == "" {
		return Config{}, fmt.Errorf("KV_URL is required")
	}

	cfg := Config{
		KVURL:   kvURL,
		DBURL:   teacherconfig.GetEnv("DB_URL", ""),
		Port:    teacherconfig.GetEnvInt("PORT", 8080),
		WSPath:  teacherconfig.GetEnv("WS_PATH", "/ws"),
		RPCPath: teacherconfig.GetEnv("RPC_PATH", "/rpc"),

		AuthSecret: teacherconfig.GetEnv("AUTH_SECRET", ""),

		HealthCheckInterval: durationOrDefault("HEALTH_CHECK_INTERVAL_MS", 5*time.Second),
		StaleInstance:       durationOrDefault("STALE_INSTANCE_MS", 60*time.Second),
		MaxInFlight:         teacherconfig.GetEnvInt("MAX_IN_FLIGHT", 1024),
		DefaultTimeout:      durationOrDefault("DEFAULT_TIMEOUT_MS", 5*time.Second),
		CacheDefaultTTL:     time.Duration(teacherconfig.GetEnvInt("CACHE_DEFAULT_TTL_S", 30)) * time.Second,

		LogLevel:  teacherconfig.GetEnv("LOG_LEVEL", "info"),
		LogFormat: teacherconfig.GetEnv("LOG_FORMAT", "json"),

		MetricsEnabled:     teacherconfig.GetEnvBool("METRICS_ENABLED", true),
		ReentrancyMaxDepth: teacherconfig.GetEnvInt("REENTRANCY_DEPTH_MAX", 8),
		SnapshotTTL:        time.Duration(teacherconfig.GetEnvInt("SNAPSHOT_TTL_S", 0)) * time.Second,
		AuditLogCap:        int64(teacherconfig.GetEnvInt("AUDIT_LOG_CAP", 100000)),
		LeaderLockTTL:      durationOrDefault("LEADER_LOCK_TTL_MS", 10*time.Second),
	}
	return cfg, nil
}

// durationOrDefault reads a millisecond env var, falling back to def when
// unset or invalid. §6.5's interval/threshold settings are documented in
// milliseconds, so this wraps GetEnvInt rather than ParseEnvDuration (which
// expects Go duration syntax like "5s").
func durationOrDefault(key string, def time.Duration) time.Duration {
	ms, ok := teacherconfig.ParseEnvInt(key)
	if !ok {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
