package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := &redis.Options{Addr: mr.Addr()}
	client := kv.NewFromClients(redis.NewClient(opts), redis.NewClient(opts))
	return New(client)
}

func TestProcessor_AppendTracksEventCountsAndLastPrompt(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	prompts := []string{"A", "B", "C"}
	for _, prompt := range prompts {
		params, _ := json.Marshal(map[string]string{"prompt": prompt})
		if err := p.Append(ctx, "s-1", Record{
			EventID:   "evt-" + prompt,
			EventType: "hook.user_prompt",
			Params:    params,
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := p.GetContext(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if got.LastPrompt != "C" {
		t.Errorf("LastPrompt = %q, want C", got.LastPrompt)
	}
	if got.EventCounts["hook.user_prompt"] != 3 {
		t.Errorf("EventCounts[hook.user_prompt] = %d, want 3", got.EventCounts["hook.user_prompt"])
	}

	msgs, err := p.Replay(ctx, "s-1", "0", 10)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Replay() returned %d entries, want 3", len(msgs))
	}
}

func TestProcessor_AppendTracksLastTools(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	for _, tool := range []string{"Read", "Write", "Bash"} {
		params, _ := json.Marshal(map[string]string{"tool": tool})
		if err := p.Append(ctx, "s-1", Record{EventType: "hook.pre_tool", Params: params, Timestamp: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := p.GetContext(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Read", "Write", "Bash"}
	if len(got.LastTools) != len(want) {
		t.Fatalf("LastTools = %v, want %v", got.LastTools, want)
	}
	for i := range want {
		if got.LastTools[i] != want[i] {
			t.Errorf("LastTools[%d] = %q, want %q", i, got.LastTools[i], want[i])
		}
	}
}

func TestProcessor_AppendTracksActiveTodos(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	todos := []domain.Todo{{Content: "write tests", Status: "in_progress"}}
	params, _ := json.Marshal(map[string]interface{}{"todos": todos})
	if err := p.Append(ctx, "s-1", Record{EventType: "hook.todo_write", Params: params, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := p.GetContext(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ActiveTodos) != 1 || got.ActiveTodos[0].Content != "write tests" {
		t.Errorf("ActiveTodos = %+v, want one entry with content 'write tests'", got.ActiveTodos)
	}
}

func TestProcessor_CreateAndRestoreSnapshot(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	params, _ := json.Marshal(map[string]string{"prompt": "hello"})
	if err := p.Append(ctx, "s-1", Record{EventType: "hook.user_prompt", Params: params, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	snap, err := p.CreateSnapshot(ctx, "s-1", domain.SnapshotManual)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.Context.LastPrompt != "hello" {
		t.Errorf("snapshot LastPrompt = %q, want hello", snap.Context.LastPrompt)
	}

	restored, err := p.RestoreSnapshot(ctx, "s-1", snap.ID)
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if restored.Context.LastPrompt != "hello" {
		t.Errorf("restored LastPrompt = %q, want hello", restored.Context.LastPrompt)
	}
	if restored.Reason != domain.SnapshotManual {
		t.Errorf("restored Reason = %q, want manual", restored.Reason)
	}
}

func TestProcessor_SweepSnapshotsRemovesExpiredIndexEntries(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	snap, err := p.CreateSnapshot(ctx, "s-1", domain.SnapshotManual)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	// Simulate the snapshot blob having already expired via its TTL, while
	// its index entry (which carries no TTL of its own) lingers.
	if err := p.kv.Pub().Del(ctx, kv.Key("snapshot", "s-1", snap.ID)).Err(); err != nil {
		t.Fatal(err)
	}

	removed, err := p.SweepSnapshots(ctx)
	if err != nil {
		t.Fatalf("SweepSnapshots() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("SweepSnapshots() removed = %d, want 1", removed)
	}

	ids, err := p.kv.Pub().ZRange(ctx, kv.Key("snapshot", "index", "s-1"), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected index to be empty after sweep, got %v", ids)
	}
}

func TestProcessor_RestoreSnapshotMissingReturnsError(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.RestoreSnapshot(ctx, "s-1", "does-not-exist"); err == nil {
		t.Error("expected error restoring a missing snapshot")
	}
}
