// Package pipeline implements the kernel's middleware pipeline (§4.2): the
// ordered chain of cross-cutting concerns — validation, rate limiting,
// circuit breaking, caching, timeout, invocation, metrics, audit,
// persistence, and publication — that wraps every handler call. It is
// reentrant: a handler invoking another event through CallContext.Execute
// re-enters this same chain, with the outer timeout and a depth cap still
// governing the whole nested chain.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claudebench/kernel/infrastructure/logging"
	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/infrastructure/security"
	"github.com/claudebench/kernel/internal/bus"
	"github.com/claudebench/kernel/internal/breaker"
	"github.com/claudebench/kernel/internal/cache"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/fingerprint"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/ratelimit"
	"github.com/claudebench/kernel/internal/registry"
	"github.com/claudebench/kernel/internal/session"
)

const (
	// DefaultRateLimitWindow matches §4.3's fixed window size.
	DefaultRateLimitWindow = 60 * time.Second
	// DefaultRateLimitQuota is used when a descriptor leaves RateLimitQuota unset.
	DefaultRateLimitQuota = 100
	// DefaultTimeout matches §4.2 step 5's documented default.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxDepth bounds reentrant handler-to-handler call chains.
	DefaultMaxDepth = 8
	auditStreamMaxLen = 10000
)

type depthKeyType struct{}

var depthKey = depthKeyType{}

// metrics is the pipeline's own Prometheus surface, scoped per instance
// (not a package-level singleton) so tests can build independent
// pipelines without colliding on global registration.
type metrics struct {
	latency *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "claudebench_pipeline_invocation_seconds",
		Help:    "End-to-end handler invocation latency by event and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event", "outcome"})
	_ = reg.Register(hv)
	return &metrics{latency: hv}
}

// RelationalStore is the optional secondary persistence target. Failures
// here are logged and swallowed per §5's shared-resource policy; the KV
// store remains authoritative.
type RelationalStore interface {
	Persist(ctx context.Context, event string, rec session.Record) error
}

// Config bundles the pipeline's tunables (§6.5 MAX_IN_FLIGHT, DEFAULT_TIMEOUT_MS).
type Config struct {
	MaxInFlight int
	MaxDepth    int
	Timeout     time.Duration
	Registerer  prometheus.Registerer // nil uses a private registry
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1024
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Pipeline wraps the registry with the full middleware chain.
type Pipeline struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cache    *cache.Cache
	bus      *bus.Bus
	sessions *session.Processor
	kv       *kv.Client
	log      *logging.Logger
	relStore RelationalStore
	metrics  *metrics

	cfg Config
	sem chan struct{}
}

func New(reg *registry.Registry, limiter *ratelimit.Limiter, brk *breaker.Breaker, c *cache.Cache, b *bus.Bus, sessions *session.Processor, client *kv.Client, log *logging.Logger, relStore RelationalStore, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		registry: reg,
		limiter:  limiter,
		breaker:  brk,
		cache:    c,
		bus:      b,
		sessions: sessions,
		kv:       client,
		log:      log,
		relStore: relStore,
		metrics:  newMetrics(cfg.Registerer),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
}

// Meta carries the call's session/correlation identity, threaded through
// to the persisted event record and published envelopes.
type Meta struct {
	SessionID     string
	CorrelationID string
}

// Invoke runs event through the full pipeline for the given caller and
// validated-at-the-door input. It is the single entry point both the
// transport adapter and nested handler-to-handler calls use.
func (p *Pipeline) Invoke(ctx context.Context, event string, rawInput json.RawMessage, callerID string, meta Meta) (interface{}, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	default:
		return nil, kerrors.OverloadedKind("overloaded")
	}

	depth, _ := ctx.Value(depthKey).(int)
	if depth+1 > p.cfg.MaxDepth {
		return nil, kerrors.OverloadedKind("reentrant call depth exceeded")
	}
	ctx = context.WithValue(ctx, depthKey, depth+1)

	start := time.Now()

	desc, ok := p.registry.Get(event)
	if !ok {
		return nil, &registry.MethodNotFoundError{Event: event}
	}

	// 1. Input validation.
	if err := desc.ValidateInput(rawInput); err != nil {
		return nil, asInvalidInput(err)
	}

	// 2. Rate limit.
	quota := desc.RateLimitQuota
	if quota <= 0 {
		quota = DefaultRateLimitQuota
	}
	decision, err := p.limiter.Allow(ctx, event, callerID, quota, DefaultRateLimitWindow)
	if err != nil {
		_ = p.breaker.ReportFailure(ctx, event)
		return nil, kerrors.InternalKind("rate limiter store unavailable", err)
	}
	if !decision.Allowed {
		return nil, kerrors.RateLimitedKind(quota, DefaultRateLimitWindow.String(), decision.RetryAfter.Seconds())
	}

	// 3. Circuit breaker.
	admitted, state, err := p.breaker.Allow(ctx, event)
	if err != nil {
		return nil, kerrors.InternalKind("circuit breaker store unavailable", err)
	}

	var published []domain.EventEnvelope
	call := &registry.CallContext{
		CallerID:      callerID,
		SessionID:     meta.SessionID,
		CorrelationID: meta.CorrelationID,
		Timestamp:     start,
		Execute: func(ctx context.Context, nestedEvent string, input json.RawMessage, caller string) (interface{}, error) {
			return p.Invoke(ctx, nestedEvent, input, caller, meta)
		},
		Publish: func(eventType string, payload interface{}) {
			raw, merr := json.Marshal(payload)
			if merr != nil {
				return
			}
			published = append(published, domain.EventEnvelope{
				Type:    eventType,
				Payload: raw,
				Metadata: domain.EventMetadata{
					SessionID:     meta.SessionID,
					CorrelationID: meta.CorrelationID,
				},
			})
		},
	}

	if !admitted {
		if desc.Fallback == nil {
			snap, _ := p.breaker.Snapshot(ctx, event)
			return nil, kerrors.CircuitOpenKind(event, snap.OpenUntil.UnixMilli())
		}
		out, err := p.runWithTimeout(ctx, desc, call, rawInput, desc.Fallback)
		return p.finish(ctx, desc, call, event, callerID, rawInput, start, out, err, state, published)
	}

	// 4. Cache read (only meaningful once the circuit admits the call).
	var fp string
	if desc.CacheTTL > 0 {
		fp, err = fingerprint.OfJSON(rawInput)
		if err == nil {
			if raw, hit, cerr := p.cache.Get(ctx, event, fp); cerr == nil && hit {
				var cached interface{}
				if json.Unmarshal(raw, &cached) == nil {
					p.recordMetrics(ctx, event, true, time.Since(start))
					return cached, nil
				}
			}
		}
	}

	// 5-6. Timeout + invocation.
	out, herr := p.runWithTimeout(ctx, desc, call, rawInput, desc.Handler)

	// 8. Cache write on success.
	if herr == nil && desc.CacheTTL > 0 && fp != "" {
		if raw, merr := json.Marshal(out); merr == nil {
			_ = p.cache.Set(ctx, event, fp, raw, desc.CacheTTL)
		}
	}

	return p.finish(ctx, desc, call, event, callerID, rawInput, start, out, herr, state, published)
}

func (p *Pipeline) runWithTimeout(ctx context.Context, desc *registry.Descriptor, call *registry.CallContext, input json.RawMessage, fn registry.HandlerFunc) (interface{}, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{nil, kerrors.InternalKind("handler panicked", fmt.Errorf("%v", r))}
			}
		}()
		out, err := fn(timeoutCtx, call, input)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-timeoutCtx.Done():
		return nil, kerrors.TimeoutKind(desc.Event)
	}
}

// finish runs output validation, the metrics/audit/persist/publish tail
// stages (§4.2 steps 7-12), and translates the call's terminal outcome.
func (p *Pipeline) finish(ctx context.Context, desc *registry.Descriptor, call *registry.CallContext, event, callerID string, rawInput json.RawMessage, start time.Time, out interface{}, herr error, priorState domain.CircuitState, published []domain.EventEnvelope) (interface{}, error) {
	ok := herr == nil
	if ok {
		// 7. Output validation.
		if verr := desc.ValidateOutput(out); verr != nil {
			herr = kerrors.InternalKind("output validation failed", verr)
			ok = false
		}
	}

	p.reportBreaker(ctx, event, ok, herr)
	p.recordMetrics(ctx, event, ok, time.Since(start))
	p.audit(ctx, event, callerID, ok, time.Since(start))

	if desc.Persist {
		p.persist(ctx, desc, call, rawInput, out, ok)
	}

	if ok {
		for _, env := range published {
			_, _ = p.bus.Publish(ctx, env)
		}
	}

	return out, herr
}

func (p *Pipeline) reportBreaker(ctx context.Context, event string, ok bool, herr error) {
	if ok {
		_ = p.breaker.ReportSuccess(ctx, event)
		return
	}
	if kerrors.AsKinded(herr).Kind == kerrors.KindTimeout || kerrors.AsKinded(herr).Kind == kerrors.KindInternal || kerrors.AsKinded(herr).Kind == kerrors.KindDependencyFailed {
		_ = p.breaker.ReportFailure(ctx, event)
	}
}

func (p *Pipeline) recordMetrics(ctx context.Context, event string, ok bool, latency time.Duration) {
	key := kv.Key("metrics", "event", event)
	p.kv.Pub().SAdd(ctx, kv.Key("metrics", "tracked"), event)
	p.kv.Pub().HIncrBy(ctx, key, "invocations", 1)
	outcome := "success"
	if ok {
		p.kv.Pub().HIncrBy(ctx, key, "successes", 1)
	} else {
		p.kv.Pub().HIncrBy(ctx, key, "failures", 1)
		outcome = "failure"
	}
	p.metrics.latency.WithLabelValues(event, outcome).Observe(latency.Seconds())
}

func (p *Pipeline) audit(ctx context.Context, event, callerID string, ok bool, latency time.Duration) {
	p.kv.Stream().XAdd(ctx, &redis.XAddArgs{
		Stream: kv.Key("audit", "log"),
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":   event,
			"caller":  callerID,
			"ok":      ok,
			"latency": latency.Milliseconds(),
			"ts":      time.Now().UnixMilli(),
		},
	})
}

func (p *Pipeline) persist(ctx context.Context, desc *registry.Descriptor, call *registry.CallContext, input json.RawMessage, out interface{}, ok bool) {
	if p.sessions == nil || call.SessionID == "" {
		return
	}
	result, _ := json.Marshal(out)
	rec := session.Record{
		EventID:   call.CorrelationID,
		EventType: desc.Event,
		Params:    input,
		Result:    result,
		Timestamp: time.Now(),
	}
	if err := p.sessions.Append(ctx, call.SessionID, rec); err != nil && p.log != nil {
		p.log.Error(ctx, "pipeline: session append failed", errors.New(security.SanitizeError(err)), map[string]interface{}{"event": desc.Event})
	}
	if p.relStore != nil {
		if err := p.relStore.Persist(ctx, desc.Event, rec); err != nil && p.log != nil {
			p.log.Error(ctx, "pipeline: relational store persist failed (swallowed)", errors.New(security.SanitizeError(err)), map[string]interface{}{"event": desc.Event})
		}
	}
}

func asInvalidInput(err error) error {
	var kinded *kerrors.Kinded
	if errors.As(err, &kinded) {
		return kinded
	}
	return kerrors.InvalidInputKind("input", err.Error())
}
