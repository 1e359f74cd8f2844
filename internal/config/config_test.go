package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

var allKeys = []string{
	"KV_URL", "DB_URL", "PORT", "WS_PATH", "RPC_PATH", "AUTH_SECRET",
	"HEALTH_CHECK_INTERVAL_MS", "STALE_INSTANCE_MS", "MAX_IN_FLIGHT",
	"DEFAULT_TIMEOUT_MS", "CACHE_DEFAULT_TTL_S", "LOG_LEVEL", "LOG_FORMAT",
	"METRICS_ENABLED", "REENTRANCY_DEPTH_MAX", "SNAPSHOT_TTL_S",
	"AUDIT_LOG_CAP", "LEADER_LOCK_TTL_MS",
}

func TestLoad_MissingKVURLFails(t *testing.T) {
	clearEnv(t, allKeys...)
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail without KV_URL")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("KV_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	t.Run("transport defaults", func(t *testing.T) {
		if cfg.Port != 8080 {
			t.Errorf("Port = %d, want 8080", cfg.Port)
		}
		if cfg.WSPath != "/ws" {
			t.Errorf("WSPath = %q, want /ws", cfg.WSPath)
		}
		if cfg.RPCPath != "/rpc" {
			t.Errorf("RPCPath = %q, want /rpc", cfg.RPCPath)
		}
		if cfg.AuthSecret != "" {
			t.Errorf("AuthSecret = %q, want empty (disabled) by default", cfg.AuthSecret)
		}
	})

	t.Run("resilience defaults", func(t *testing.T) {
		if cfg.HealthCheckInterval != 5*time.Second {
			t.Errorf("HealthCheckInterval = %v, want 5s", cfg.HealthCheckInterval)
		}
		if cfg.StaleInstance != 60*time.Second {
			t.Errorf("StaleInstance = %v, want 60s", cfg.StaleInstance)
		}
		if cfg.MaxInFlight != 1024 {
			t.Errorf("MaxInFlight = %d, want 1024", cfg.MaxInFlight)
		}
		if cfg.DefaultTimeout != 5*time.Second {
			t.Errorf("DefaultTimeout = %v, want 5s", cfg.DefaultTimeout)
		}
		if cfg.CacheDefaultTTL != 30*time.Second {
			t.Errorf("CacheDefaultTTL = %v, want 30s", cfg.CacheDefaultTTL)
		}
	})

	t.Run("ambient defaults", func(t *testing.T) {
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.LogFormat != "json" {
			t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
		}
		if !cfg.MetricsEnabled {
			t.Error("MetricsEnabled should default true")
		}
		if cfg.ReentrancyMaxDepth != 8 {
			t.Errorf("ReentrancyMaxDepth = %d, want 8", cfg.ReentrancyMaxDepth)
		}
		if cfg.AuditLogCap != 100000 {
			t.Errorf("AuditLogCap = %d, want 100000", cfg.AuditLogCap)
		}
		if cfg.LeaderLockTTL != 10*time.Second {
			t.Errorf("LeaderLockTTL = %v, want 10s", cfg.LeaderLockTTL)
		}
	})

	if cfg.DBURL != "" {
		t.Errorf("DBURL = %q, want empty (relational mirror disabled)", cfg.DBURL)
	}
}

func TestLoad_OverridesFromEnvironment(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("KV_URL", "redis://localhost:6379/0")
	os.Setenv("DB_URL", "postgres://localhost/claudebench")
	os.Setenv("PORT", "9090")
	os.Setenv("AUTH_SECRET", "shh")
	os.Setenv("HEALTH_CHECK_INTERVAL_MS", "2500")
	os.Setenv("MAX_IN_FLIGHT", "256")
	os.Setenv("METRICS_ENABLED", "false")
	os.Setenv("REENTRANCY_DEPTH_MAX", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DBURL != "postgres://localhost/claudebench" {
		t.Errorf("DBURL = %q", cfg.DBURL)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.AuthSecret != "shh" {
		t.Errorf("AuthSecret = %q, want shh", cfg.AuthSecret)
	}
	if cfg.HealthCheckInterval != 2500*time.Millisecond {
		t.Errorf("HealthCheckInterval = %v, want 2500ms", cfg.HealthCheckInterval)
	}
	if cfg.MaxInFlight != 256 {
		t.Errorf("MaxInFlight = %d, want 256", cfg.MaxInFlight)
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled should be false when METRICS_ENABLED=false")
	}
	if cfg.ReentrancyMaxDepth != 4 {
		t.Errorf("ReentrancyMaxDepth = %d, want 4", cfg.ReentrancyMaxDepth)
	}
}
