// Package instance implements the kernel's instance manager (§4.9):
// registration, role indexing, heartbeats, and failure detection that
// triggers task reassignment. Instance keys carry no TTL; liveness is
// judged from lastSeen alone.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/claudebench/kernel/infrastructure/utils"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/queue"
)

// DefaultStaleThreshold matches STALE_INSTANCE_MS's documented default.
const DefaultStaleThreshold = 60 * time.Second

// Manager tracks registered instances and reassigns work away from ones
// that go stale.
type Manager struct {
	kv             *kv.Client
	queue          *queue.Queue
	staleThreshold time.Duration
}

func New(client *kv.Client, q *queue.Queue, staleThreshold time.Duration) *Manager {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Manager{kv: client, queue: q, staleThreshold: staleThreshold}
}

// Register stores an instance's roles and marks it ACTIVE, indexing it
// into each role's candidate set.
func (m *Manager) Register(ctx context.Context, inst domain.Instance) error {
	roles := utils.Unique(inst.Roles)
	key := kv.Key("instance", inst.ID)
	pipe := m.kv.Pub().TxPipeline()
	pipe.HSet(ctx, key, "status", string(domain.InstanceActive), "lastSeen", time.Now().UnixMilli())
	if len(roles) > 0 {
		pipe.HSet(ctx, key, "roles", joinCSV(roles))
	}
	for _, role := range roles {
		pipe.SAdd(ctx, kv.Key("role", role), inst.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register instance %s: %w", inst.ID, err)
	}
	return nil
}

// Heartbeat refreshes an instance's lastSeen timestamp.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) error {
	key := kv.Key("instance", instanceID)
	return m.kv.Pub().HSet(ctx, key, "lastSeen", time.Now().UnixMilli(), "status", string(domain.InstanceActive)).Err()
}

// Get reads back an instance's current record.
func (m *Manager) Get(ctx context.Context, instanceID string) (domain.Instance, error) {
	key := kv.Key("instance", instanceID)
	h, err := m.kv.Pub().HGetAll(ctx, key).Result()
	if err != nil {
		return domain.Instance{}, err
	}
	if len(h) == 0 {
		return domain.Instance{}, fmt.Errorf("instance %s not found", instanceID)
	}
	inst := domain.Instance{ID: instanceID, Status: domain.InstanceStatus(h["status"])}
	if lastSeenMS, ok := h["lastSeen"]; ok {
		var ms int64
		fmt.Sscanf(lastSeenMS, "%d", &ms)
		inst.LastSeen = time.UnixMilli(ms)
	}
	if roles, ok := h["roles"]; ok {
		inst.Roles = splitCSV(roles)
	}
	return inst, nil
}

// SweepStale scans all known instances and marks those whose heartbeat has
// aged past the stale threshold OFFLINE, triggering reassignment of their
// in-flight tasks. Returns the ids marked offline this pass.
func (m *Manager) SweepStale(ctx context.Context) ([]string, error) {
	var offline []string
	err := m.kv.Scan(ctx, kv.Key("instance", "*"), 100, func(keys []string) bool {
		for _, key := range keys {
			id := key[len(kv.Key("instance", "")):]
			inst, err := m.Get(ctx, id)
			if err != nil || inst.Status == domain.InstanceOffline {
				continue
			}
			if inst.Stale(time.Now(), m.staleThreshold) {
				if err := m.markOffline(ctx, id); err == nil {
					offline = append(offline, id)
				}
			}
		}
		return true
	})
	return offline, err
}

func (m *Manager) markOffline(ctx context.Context, instanceID string) error {
	key := kv.Key("instance", instanceID)
	if err := m.kv.Pub().HSet(ctx, key, "status", string(domain.InstanceOffline)).Err(); err != nil {
		return err
	}
	if m.queue != nil {
		if _, err := m.queue.Reassign(ctx, instanceID); err != nil {
			return err
		}
	}
	return nil
}

func joinCSV(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
