// Package bus is the kernel's event bus (§4.6): pub/sub fan-out across
// processes plus an append-only per-session event stream. The fan-out side
// is grounded on the pack's Redis pub/sub publisher pattern (subscription
// bookkeeping guarded by sync.Once, a buffered per-subscriber channel, and
// a dropped-message metric instead of unbounded buffering).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/claudebench/kernel/infrastructure/logging"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
)

const controlChannel = "cb:events:control"

// processedCap bounds the events:processed set (§4.6): once it holds more
// than this many ids, the oldest are trimmed so the marker never grows
// unbounded.
const processedCap = 10000

func processedKey() string { return kv.Key("events", "processed") }

// metrics mirrors the shape of the pack's publisher metrics, scoped to
// this bus instance rather than a package-level singleton so tests can
// create independent buses without colliding on global Prometheus state.
type metrics struct {
	eventCount        *prometheus.CounterVec
	droppedCount      *prometheus.CounterVec
	activeSubscribers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promautoFactory{reg}
	return &metrics{
		eventCount: factory.counterVec(prometheus.CounterOpts{
			Name: "claudebench_bus_events_total",
			Help: "Events published and delivered by the bus.",
		}, []string{"op", "type"}),
		droppedCount: factory.counterVec(prometheus.CounterOpts{
			Name: "claudebench_bus_dropped_total",
			Help: "Events dropped because a subscriber's channel was full.",
		}, []string{"subscription"}),
		activeSubscribers: factory.gauge(prometheus.GaugeOpts{
			Name: "claudebench_bus_active_subscribers",
			Help: "Current number of active bus subscriptions.",
		}),
	}
}

// promautoFactory avoids pulling in promauto (which panics on duplicate
// registration, awkward for per-test registries) while keeping the same
// call shape.
type promautoFactory struct{ reg prometheus.Registerer }

func (f promautoFactory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labels)
	_ = f.reg.Register(cv)
	return cv
}

func (f promautoFactory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	_ = f.reg.Register(g)
	return g
}

// Bus is the kernel's event bus.
type Bus struct {
	kv      *kv.Client
	log     *logging.Logger
	metrics *metrics

	bufferSize int

	mu   sync.RWMutex
	subs map[string]*subscription
	wg   sync.WaitGroup
}

type subscription struct {
	id        string
	events    []string // subscribed event types, "*" matches all
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	closeOnce sync.Once
	out       chan domain.WireEvent
}

// Option configures a Bus.
type Option func(*Bus)

// WithRegisterer points bus metrics at a specific Prometheus registerer
// (tests use a fresh one per bus to avoid collisions).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bus) { b.metrics = newMetrics(reg) }
}

// WithBufferSize overrides the per-subscriber channel buffer (default 100).
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New builds a Bus over client.
func New(client *kv.Client, log *logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		kv:         client,
		log:        log,
		metrics:    newMetrics(nil),
		bufferSize: 100,
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans an event out on the control channel and, if it belongs to a
// session, appends it to that session's stream. If env.Metadata.ID is set
// and already recorded in the events:processed set (§4.6), Publish is a
// no-op: the event was handled before and is not redelivered.
func (b *Bus) Publish(ctx context.Context, env domain.EventEnvelope) (string, error) {
	if env.Metadata.ID != "" {
		seen, err := b.IsProcessed(ctx, env.Metadata.ID)
		if err != nil {
			return "", fmt.Errorf("check processed %s: %w", env.Metadata.ID, err)
		}
		if seen {
			b.metrics.eventCount.WithLabelValues("duplicate", env.Type).Inc()
			return "", nil
		}
	}

	wire := env.ToWire()
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	if err := b.kv.Stream().Publish(ctx, controlChannel, data).Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	b.metrics.eventCount.WithLabelValues("publish", env.Type).Inc()

	var streamID string
	if env.Metadata.SessionID != "" {
		streamID, err = b.appendSessionStream(ctx, env)
		if err != nil {
			return "", err
		}
	}

	if env.Metadata.ID != "" {
		if err := b.MarkProcessed(ctx, env.Metadata.ID); err != nil {
			return "", fmt.Errorf("mark processed %s: %w", env.Metadata.ID, err)
		}
	}
	return streamID, nil
}

// IsProcessed reports whether id is already recorded in the events:processed
// set, i.e. whether a previous Publish (or an explicit MarkProcessed call by
// a subscriber) already handled this event id.
func (b *Bus) IsProcessed(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	_, err := b.kv.Pub().ZScore(ctx, processedKey(), id).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records id in the capped events:processed set. Subscribers
// that consume events by a path other than Publish (e.g. stream replay) may
// call this directly to suppress later redelivery of the same id.
func (b *Bus) MarkProcessed(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	key := processedKey()
	pipe := b.kv.Pub().TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	pipe.ZRemRangeByRank(ctx, key, 0, -(processedCap + 1))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Bus) appendSessionStream(ctx context.Context, env domain.EventEnvelope) (string, error) {
	key := kv.Key("stream", "session", env.Metadata.SessionID)
	id, err := b.kv.Stream().XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"eventType": env.Type,
			"payload":   string(env.Payload),
			"metadata":  marshalMetadata(env.Metadata),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append session stream: %w", err)
	}
	return id, nil
}

func marshalMetadata(m domain.EventMetadata) string {
	raw, _ := json.Marshal(m)
	return string(raw)
}

// Subscribe registers interest in the given event types ("*" for all) and
// returns a channel of matching events plus an id to pass to Unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, events ...string) (<-chan domain.WireEvent, string, error) {
	id := fmt.Sprintf("sub-%d", len(b.subs)+1)
	pubsub := b.kv.Stream().Subscribe(ctx, controlChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, "", fmt.Errorf("subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.WireEvent, b.bufferSize)
	sub := &subscription{id: id, events: events, pubsub: pubsub, cancel: cancel, out: out}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.activeSubscribers.Inc()

	b.wg.Add(1)
	go b.pump(subCtx, sub)

	return out, id, nil
}

func (b *Bus) pump(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	defer func() {
		sub.closeOnce.Do(func() { sub.pubsub.Close() })
		close(sub.out)
		b.metrics.activeSubscribers.Dec()
	}()

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire domain.WireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				if b.log != nil {
					b.log.Error(ctx, "bus: failed to unmarshal event", err, nil)
				}
				continue
			}
			if !matches(sub.events, wire.EventType) {
				continue
			}
			select {
			case sub.out <- wire:
				b.metrics.eventCount.WithLabelValues("deliver", wire.EventType).Inc()
			default:
				b.metrics.droppedCount.WithLabelValues(sub.id).Inc()
			}
		}
	}
}

func matches(events []string, eventType string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == "*" || e == eventType || strings.HasSuffix(e, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(e, "*")) {
			return true
		}
	}
	return false
}

// Unsubscribe stops delivery for id and releases its resources.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
}

// Shutdown cancels every subscription and waits for their pumps to exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	b.wg.Wait()
}

// History returns up to count events from a session's stream after the
// given stream id (use "0" for the start), used for rehydration.
func (b *Bus) History(ctx context.Context, sessionID, afterID string, count int64) ([]redis.XMessage, error) {
	key := kv.Key("stream", "session", sessionID)
	return b.kv.Stream().XRangeN(ctx, key, "("+afterID, "+", count).Result()
}
