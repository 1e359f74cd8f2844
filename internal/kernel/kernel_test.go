package kernel

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/claudebench/kernel/internal/config"
)

func testConfig(mr *miniredis.Miniredis) config.Config {
	return config.Config{
		KVURL:               "redis://" + mr.Addr(),
		Port:                18080,
		WSPath:              "/ws",
		RPCPath:             "/rpc",
		HealthCheckInterval: time.Second,
		StaleInstance:       30 * time.Second,
		MaxInFlight:         64,
		DefaultTimeout:      5 * time.Second,
		CacheDefaultTTL:     30 * time.Second,
		LogLevel:            "error",
		LogFormat:           "text",
		MetricsEnabled:      true,
		ReentrancyMaxDepth:  8,
		AuditLogCap:         1000,
		LeaderLockTTL:       10 * time.Second,
	}
}

func TestKernel_NewWiresEveryComponent(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)

	k, err := New(cfg, "test-instance")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if k.kv == nil || k.registry == nil || k.bus == nil || k.scheduler == nil || k.pipeline == nil || k.server == nil {
		t.Fatal("expected every component to be wired")
	}
	if k.relStore != nil {
		t.Fatal("expected relStore to be nil when DB_URL is unset")
	}
}

func TestKernel_NewFailsOnUnreachableKV(t *testing.T) {
	cfg := config.Config{KVURL: "redis://127.0.0.1:1", Port: 18081}
	if _, err := New(cfg, "test-instance"); err == nil {
		t.Fatal("expected New() to fail against an unreachable KV URL")
	}
}

func TestKernel_ShutdownWithoutRun(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)

	k, err := New(cfg, "test-instance")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := k.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
