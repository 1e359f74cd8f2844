// Package session implements the kernel's session/state processor (§4.7):
// for every persisted event it appends to the session's stream, updates a
// condensed state hash, and supports rehydration plus snapshot
// create/restore.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/claudebench/kernel/infrastructure/state"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
)

const (
	maxLastTools   = 20
	streamMaxLen   = 1000
	snapshotIDSeed = "cb:snapshot:seq"

	// localSnapshotTTL bounds how long a restored snapshot stays in the
	// process-local cache. Snapshots are immutable once written, so there's
	// no invalidation to worry about, only staleness relative to Redis's
	// own (longer) retention TTL.
	localSnapshotTTL = 5 * time.Minute
)

// Processor maintains condensed per-session state and its backing stream.
type Processor struct {
	kv *kv.Client

	// local is a process-local read-through cache of RestoreSnapshot
	// results, an alternate backend in front of the Redis round trip for a
	// value that, once created, never changes.
	local *state.PersistentState
}

func New(client *kv.Client) *Processor {
	local, _ := state.NewPersistentState(state.StateConfig{
		Backend:   state.NewMemoryBackend(localSnapshotTTL),
		KeyPrefix: "snapshot:",
		MaxSize:   1 << 20,
	})
	return &Processor{kv: client, local: local}
}

// Record is the input to Append, mirroring a persisted event's shape.
type Record struct {
	EventID   string
	EventType string
	Params    json.RawMessage
	Result    json.RawMessage
	Labels    []string
	Timestamp time.Time
}

// Append appends the event to the session's stream and folds it into the
// session's condensed state hash, per spec.md §4.7 steps 1-3.
func (p *Processor) Append(ctx context.Context, sessionID string, rec Record) error {
	streamKey := kv.Key("stream", "session", sessionID)
	if _, err := p.kv.Stream().XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"eventId":   rec.EventID,
			"eventType": rec.EventType,
			"params":    string(rec.Params),
			"result":    string(rec.Result),
			"timestamp": rec.Timestamp.UnixMilli(),
		},
	}).Err(); err != nil {
		return fmt.Errorf("append session stream %s: %w", sessionID, err)
	}

	stateKey := kv.Key("session", "state", sessionID)
	pipe := p.kv.Pub().TxPipeline()
	pipe.HIncrBy(ctx, stateKey, "eventCounts."+rec.EventType, 1)

	switch rec.EventType {
	case "hook.user_prompt":
		var payload struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(rec.Params, &payload); err == nil {
			pipe.HSet(ctx, stateKey, "lastPrompt", payload.Prompt)
		}
	case "hook.pre_tool", "hook.post_tool":
		var payload struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal(rec.Params, &payload); err == nil && payload.Tool != "" {
			listKey := kv.Key("session", "state", sessionID, "lastTools")
			pipe.RPush(ctx, listKey, payload.Tool)
			pipe.LTrim(ctx, listKey, -maxLastTools, -1)
		}
	case "hook.todo_write":
		var payload struct {
			Todos []domain.Todo `json:"todos"`
		}
		if err := json.Unmarshal(rec.Params, &payload); err == nil {
			raw, _ := json.Marshal(payload.Todos)
			pipe.HSet(ctx, stateKey, "activeTodos", string(raw))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update session state %s: %w", sessionID, err)
	}
	return nil
}

// GetContext returns the condensed view of a session, rehydrating its
// EventCounts, LastPrompt, LastTools, and ActiveTodos.
func (p *Processor) GetContext(ctx context.Context, sessionID string) (domain.Session, error) {
	stateKey := kv.Key("session", "state", sessionID)
	h, err := p.kv.Pub().HGetAll(ctx, stateKey).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session state %s: %w", sessionID, err)
	}

	sess := domain.Session{ID: sessionID, EventCounts: map[string]int{}}
	const prefix = "eventCounts."
	for k, v := range h {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			var n int
			fmt.Sscanf(v, "%d", &n)
			sess.EventCounts[k[len(prefix):]] = n
		}
	}
	sess.LastPrompt = h["lastPrompt"]
	if raw, ok := h["activeTodos"]; ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &sess.ActiveTodos)
	}

	listKey := kv.Key("session", "state", sessionID, "lastTools")
	tools, err := p.kv.Pub().LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get last tools %s: %w", sessionID, err)
	}
	sess.LastTools = tools
	return sess, nil
}

// Replay returns up to count stream entries after the given stream id (use
// "0" for the start), bounding rehydration cost as spec.md §4.7 requires.
func (p *Processor) Replay(ctx context.Context, sessionID, afterID string, count int64) ([]redis.XMessage, error) {
	streamKey := kv.Key("stream", "session", sessionID)
	return p.kv.Stream().XRangeN(ctx, streamKey, "("+afterID, "+", count).Result()
}

// CreateSnapshot captures the session's current condensed context under a
// TTL governed by reason's retention policy.
func (p *Processor) CreateSnapshot(ctx context.Context, sessionID string, reason domain.SnapshotReason) (domain.Snapshot, error) {
	ctxView, err := p.GetContext(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	eventCount := 0
	for _, n := range ctxView.EventCounts {
		eventCount += n
	}

	id, err := p.kv.Pub().Incr(ctx, snapshotIDSeed).Result()
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("allocate snapshot id: %w", err)
	}
	snap := domain.Snapshot{
		ID:         fmt.Sprintf("%d", id),
		SessionID:  sessionID,
		Timestamp:  time.Now(),
		Reason:     reason,
		EventCount: eventCount,
		Context:    ctxView,
	}

	ttl, ok := domain.SnapshotRetention[reason]
	if !ok {
		ttl = 2 * time.Hour
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	key := kv.Key("snapshot", sessionID, snap.ID)
	if err := p.kv.Pub().Set(ctx, key, raw, ttl).Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("store snapshot: %w", err)
	}

	// The index survives the snapshot blob's TTL (it carries none itself),
	// so Sweep can tell which ids have already expired out from under it.
	indexKey := kv.Key("snapshot", "index", sessionID)
	if err := p.kv.Pub().ZAdd(ctx, indexKey, &redis.Z{Score: float64(snap.Timestamp.Unix()), Member: snap.ID}).Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("index snapshot: %w", err)
	}

	// Warm the local cache so a restore immediately after create doesn't
	// round-trip to Redis for data this process just wrote.
	_ = p.local.Save(ctx, localSnapshotKey(sessionID, snap.ID), raw)
	return snap, nil
}

// RestoreSnapshot loads a previously captured snapshot by id, consulting
// the process-local cache before Redis: a restored snapshot is immutable,
// so a local hit never risks serving stale data.
func (p *Processor) RestoreSnapshot(ctx context.Context, sessionID, snapshotID string) (domain.Snapshot, error) {
	localKey := localSnapshotKey(sessionID, snapshotID)
	var raw []byte
	if cached, err := p.local.Load(ctx, localKey); err == nil {
		raw = cached
	} else {
		loaded, err := p.kv.Pub().Get(ctx, kv.Key("snapshot", sessionID, snapshotID)).Bytes()
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("load snapshot %s/%s: %w", sessionID, snapshotID, err)
		}
		raw = loaded
		_ = p.local.Save(ctx, localKey, raw)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot %s/%s: %w", sessionID, snapshotID, err)
	}
	return snap, nil
}

func localSnapshotKey(sessionID, snapshotID string) string {
	return sessionID + "/" + snapshotID
}

// SweepSnapshots scans every session's snapshot index for ids whose backing
// blob has already expired out from under it (§4.11's snapshot cleanup job)
// and removes those stale index entries. The snapshot data itself always
// expires on its own TTL; this only prunes the index that would otherwise
// grow forever pointing at nothing.
func (p *Processor) SweepSnapshots(ctx context.Context) (int64, error) {
	var removed int64
	err := p.kv.Scan(ctx, kv.Key("snapshot", "index", "*"), 100, func(keys []string) bool {
		for _, indexKey := range keys {
			sessionID := indexKey[len(kv.Key("snapshot", "index", "")):]
			ids, err := p.kv.Pub().ZRange(ctx, indexKey, 0, -1).Result()
			if err != nil {
				continue
			}
			for _, id := range ids {
				n, err := p.kv.Pub().Exists(ctx, kv.Key("snapshot", sessionID, id)).Result()
				if err != nil {
					continue
				}
				if n == 0 {
					if p.kv.Pub().ZRem(ctx, indexKey, id).Err() == nil {
						removed++
					}
				}
			}
		}
		return true
	})
	return removed, err
}
