// Package scripts is the named library of scripted atomic operations the
// kernel runs against the KV store: circuit-breaker transitions, rate-limit
// sliding windows, task assignment/completion/reassignment, subtask
// decomposition, conflict detection, progress synthesis, leader election,
// and metrics aggregation. Every operation here is all-or-nothing against
// its keyspace, executed with go-redis's Script.Run.
package scripts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/go-redis/redis/v8"
)

//go:embed lua/ratelimit.lua
var ratelimitSrc string

//go:embed lua/circuit_breaker.lua
var circuitBreakerSrc string

//go:embed lua/leader_lock.lua
var leaderLockSrc string

//go:embed lua/task_assign.lua
var taskAssignSrc string

//go:embed lua/task_complete.lua
var taskCompleteSrc string

//go:embed lua/task_reassign.lua
var taskReassignSrc string

//go:embed lua/decompose.lua
var decomposeSrc string

//go:embed lua/conflict_detect.lua
var conflictDetectSrc string

//go:embed lua/progress_synthesize.lua
var progressSynthesizeSrc string

//go:embed lua/metrics_aggregate.lua
var metricsAggregateSrc string

// Library holds the compiled scripts, loaded once at startup and reused for
// the life of the process (go-redis caches script SHAs per client).
type Library struct {
	RateLimit          *redis.Script
	CircuitBreaker     *redis.Script
	LeaderLock         *redis.Script
	TaskAssign         *redis.Script
	TaskComplete       *redis.Script
	TaskReassign       *redis.Script
	Decompose          *redis.Script
	ConflictDetect     *redis.Script
	ProgressSynthesize *redis.Script
	MetricsAggregate   *redis.Script
}

// New compiles all scripts. Compilation itself does not touch Redis; the
// first Run call loads the script via EVALSHA/EVAL fallback.
func New() *Library {
	return &Library{
		RateLimit:          redis.NewScript(ratelimitSrc),
		CircuitBreaker:     redis.NewScript(circuitBreakerSrc),
		LeaderLock:         redis.NewScript(leaderLockSrc),
		TaskAssign:         redis.NewScript(taskAssignSrc),
		TaskComplete:       redis.NewScript(taskCompleteSrc),
		TaskReassign:       redis.NewScript(taskReassignSrc),
		Decompose:          redis.NewScript(decomposeSrc),
		ConflictDetect:     redis.NewScript(conflictDetectSrc),
		ProgressSynthesize: redis.NewScript(progressSynthesizeSrc),
		MetricsAggregate:   redis.NewScript(metricsAggregateSrc),
	}
}

// Preload warms every script's SHA on the given connection so the first
// real call doesn't pay the EVAL-fallback round trip (grounded on the
// scheduler's startup sequence running before traffic is admitted).
func (l *Library) Preload(ctx context.Context, rdb redis.Scripter) error {
	for name, s := range map[string]*redis.Script{
		"ratelimit":           l.RateLimit,
		"circuit_breaker":     l.CircuitBreaker,
		"leader_lock":         l.LeaderLock,
		"task_assign":         l.TaskAssign,
		"task_complete":       l.TaskComplete,
		"task_reassign":       l.TaskReassign,
		"decompose":           l.Decompose,
		"conflict_detect":     l.ConflictDetect,
		"progress_synthesize": l.ProgressSynthesize,
		"metrics_aggregate":   l.MetricsAggregate,
	} {
		if err := s.Load(ctx, rdb).Err(); err != nil {
			return fmt.Errorf("preload script %s: %w", name, err)
		}
	}
	return nil
}
