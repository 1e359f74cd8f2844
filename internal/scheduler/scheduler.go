// Package scheduler runs the kernel's periodic background jobs (§4.11):
// failed-instance sweep, metric aggregation, cache eviction scan, and
// snapshot cleanup, coordinated across worker processes by a scripted
// leader lock. The start/stop/WaitGroup lifecycle is grounded on the
// teacher pack's automation scheduler (internal/app/services/automation).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/claudebench/kernel/infrastructure/logging"
	"github.com/claudebench/kernel/infrastructure/utils"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/scripts"
)

const (
	leaderKey     = "cb:scheduler:leader"
	leaderTTL     = 15 * time.Second
	renewInterval = 5 * time.Second
)

// Job is one named periodic unit of work.
type Job struct {
	Name string
	Spec string // cron spec, e.g. "@every 30s"
	Run  func(ctx context.Context) error
}

// Scheduler runs a set of Jobs on their own cadence, but only while it
// holds the leader lock, so exactly one worker process executes each job
// at a time.
type Scheduler struct {
	kv         *kv.Client
	scripts    *scripts.Library
	log        *logging.Logger
	instanceID string

	cron *cron.Cron

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	isLeader bool
}

func New(client *kv.Client, lib *scripts.Library, log *logging.Logger, instanceID string) *Scheduler {
	return &Scheduler{
		kv:         client,
		scripts:    lib,
		log:        log,
		instanceID: instanceID,
		cron:       cron.New(),
	}
}

// Register adds a job to the schedule. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() {
		s.runIfLeader(job)
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name, err)
	}
	return nil
}

// runIfLeader executes job.Run on its own recovered goroutine, so a job
// that panics can't take down cron's own goroutine (and, unrecovered, the
// whole process) along with it.
func (s *Scheduler) runIfLeader(job Job) {
	s.mu.Lock()
	leader := s.isLeader
	s.mu.Unlock()
	if !leader {
		return
	}
	utils.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaderTTL)
		defer cancel()
		if err := job.Run(ctx); err != nil && s.log != nil {
			s.log.Error(ctx, "scheduler: job failed", err, map[string]interface{}{"job": job.Name})
		}
	}, func(err error) {
		if s.log != nil {
			s.log.Error(context.Background(), "scheduler: job panicked", err, map[string]interface{}{"job": job.Name})
		}
	})
}

// Start begins the cron loop and the leader-lock renewal loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	s.wg.Add(1)
	go s.renewLeadership(runCtx)
	return nil
}

func (s *Scheduler) renewLeadership(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	s.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquire(ctx)
		}
	}
}

func (s *Scheduler) tryAcquire(ctx context.Context) {
	res, err := s.scripts.LeaderLock.Run(ctx, s.kv.Pub(), []string{leaderKey}, s.instanceID, leaderTTL.Milliseconds()).Result()
	if err != nil {
		if s.log != nil {
			s.log.Error(ctx, "scheduler: leader lock attempt failed", err, nil)
		}
		s.setLeader(false)
		return
	}
	n, _ := res.(int64)
	s.setLeader(n == 1)
}

func (s *Scheduler) setLeader(v bool) {
	s.mu.Lock()
	s.isLeader = v
	s.mu.Unlock()
}

// IsLeader reports whether this process currently holds the scheduler lock.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// Stop halts the cron loop and leader renewal, waiting for both to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
