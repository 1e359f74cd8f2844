// Package breaker implements the kernel's per-event circuit breaker
// (§4.4). The state machine mirrors the teacher's in-process
// resilience.CircuitBreaker (CLOSED/OPEN/HALF_OPEN, failure/success
// counters, an OnStateChange hook) but every transition runs as a single
// Lua script so it stays linearizable across processes sharing the KV
// store.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/scripts"
)

// Config is the per-event policy: failure threshold before tripping OPEN
// and the cool-off duration spent OPEN before a HALF_OPEN probe is
// admitted.
type Config struct {
	FailureThreshold int
	CoolOff          time.Duration
	OnStateChange    func(event string, from, to domain.CircuitState)
}

// DefaultConfig mirrors the teacher's resilience.DefaultConfig threshold.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CoolOff: 30 * time.Second}
}

// Breaker checks and updates circuit state for a set of events, all backed
// by the same KV store.
type Breaker struct {
	kv      *kv.Client
	scripts *scripts.Library
	cfg     Config
}

func New(client *kv.Client, lib *scripts.Library, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	return &Breaker{kv: client, scripts: lib, cfg: cfg}
}

// Allow reports whether event may be invoked right now, admitting at most
// one HALF_OPEN probe when the cool-off has elapsed.
func (b *Breaker) Allow(ctx context.Context, event string) (bool, domain.CircuitState, error) {
	state, admitted, err := b.run(ctx, event, "check")
	if err != nil {
		return false, "", err
	}
	return admitted == 1, state, nil
}

// ReportSuccess closes the circuit (or confirms CLOSED).
func (b *Breaker) ReportSuccess(ctx context.Context, event string) error {
	before, err := b.Snapshot(ctx, event)
	if err != nil {
		return err
	}
	after, _, err := b.run(ctx, event, "success")
	if err != nil {
		return err
	}
	b.notify(event, before.State, after)
	return nil
}

// ReportFailure records a failure, possibly tripping the circuit OPEN.
func (b *Breaker) ReportFailure(ctx context.Context, event string) error {
	before, err := b.Snapshot(ctx, event)
	if err != nil {
		return err
	}
	after, _, err := b.run(ctx, event, "failure")
	if err != nil {
		return err
	}
	b.notify(event, before.State, after)
	return nil
}

func (b *Breaker) notify(event string, from, to domain.CircuitState) {
	if b.cfg.OnStateChange != nil && from != to {
		go b.cfg.OnStateChange(event, from, to)
	}
}

func (b *Breaker) run(ctx context.Context, event, mode string) (domain.CircuitState, int64, error) {
	key := kv.Key("circuit", event)
	res, err := b.scripts.CircuitBreaker.Run(ctx, b.kv.Pub(), []string{key},
		mode, time.Now().UnixMilli(), b.cfg.FailureThreshold, b.cfg.CoolOff.Milliseconds()).Result()
	if err != nil {
		return "", 0, fmt.Errorf("circuit breaker script (%s, %s): %w", event, mode, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", 0, fmt.Errorf("circuit breaker script (%s, %s): unexpected result shape", event, mode)
	}
	stateStr, _ := vals[0].(string)
	num, _ := vals[1].(int64)
	return domain.CircuitState(stateStr), num, nil
}

// Snapshot reads the current state without mutating it.
func (b *Breaker) Snapshot(ctx context.Context, event string) (domain.CircuitSnapshot, error) {
	key := kv.Key("circuit", event)
	h, err := b.kv.Pub().HGetAll(ctx, key).Result()
	if err != nil {
		return domain.CircuitSnapshot{}, err
	}
	snap := domain.CircuitSnapshot{Event: event, State: domain.CircuitClosed}
	if s, ok := h["state"]; ok && s != "" {
		snap.State = domain.CircuitState(s)
	}
	if f, ok := h["failures"]; ok {
		fmt.Sscanf(f, "%d", &snap.Failures)
	}
	if s, ok := h["successes"]; ok {
		fmt.Sscanf(s, "%d", &snap.Successes)
	}
	if ou, ok := h["openUntil"]; ok && ou != "" {
		var ms int64
		fmt.Sscanf(ou, "%d", &ms)
		snap.OpenUntil = time.UnixMilli(ms)
	}
	return snap, nil
}
