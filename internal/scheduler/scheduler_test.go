package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/scripts"
)

func newTestClient(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := &redis.Options{Addr: mr.Addr()}
	return kv.NewFromClients(redis.NewClient(opts), redis.NewClient(opts))
}

func TestScheduler_AcquiresLeadershipAndRunsJobs(t *testing.T) {
	client := newTestClient(t)
	s := New(client, scripts.New(), nil, "inst-1")

	var runs int32
	if err := s.Register(Job{
		Name: "tick",
		Spec: "@every 10ms",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.IsLeader() && atomic.LoadInt32(&runs) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected scheduler to acquire leadership and run jobs, isLeader=%v runs=%d", s.IsLeader(), atomic.LoadInt32(&runs))
}

func TestScheduler_SecondInstanceDoesNotRunJobsWhileFirstLeads(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := New(client, scripts.New(), nil, "inst-1")
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !first.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if !first.IsLeader() {
		t.Fatal("expected first scheduler to become leader")
	}

	second := New(client, scripts.New(), nil, "inst-2")
	var runs int32
	if err := second.Register(Job{
		Name: "tick",
		Spec: "@every 10ms",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	time.Sleep(200 * time.Millisecond)
	if second.IsLeader() {
		t.Error("expected second scheduler not to acquire leadership while first holds it")
	}
	if atomic.LoadInt32(&runs) != 0 {
		t.Errorf("expected non-leader scheduler to run no jobs, got %d", runs)
	}
}
