// Package queue implements the kernel's task queue (§4.8): a global
// priority queue of pending tasks, per-instance queues, capacity tracking,
// and scripted load-balanced assignment/completion/reassignment. The
// sorted-set-as-queue idiom is grounded on the pack's evalgo-org-eve Redis
// queue (its `processing` sorted set keyed by deadline generalizes here to
// a queue keyed by priority or assignment time).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/claudebench/kernel/infrastructure/utils"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/scripts"
)

const pendingKey = "cb:queue:tasks:pending"

// Queue is the kernel's task queue.
type Queue struct {
	kv      *kv.Client
	scripts *scripts.Library
}

func New(client *kv.Client, lib *scripts.Library) *Queue {
	return &Queue{kv: client, scripts: lib}
}

// Enqueue adds a task directly to the global pending queue, used by
// task.create when no immediate assignment is requested.
func (q *Queue) Enqueue(ctx context.Context, taskID string, priority int) error {
	return q.kv.Pub().ZAdd(ctx, pendingKey, &redis.Z{Score: float64(priority), Member: taskID}).Err()
}

// AssignResult is the outcome of a scripted assignment attempt.
type AssignResult struct {
	InstanceID string // non-empty if immediately assigned
	Queued     bool
	Position   int64 // rank within the role's waiting queue, if Queued
}

// Assign runs the scripted load-balanced assignment for taskID against
// role, matching it to the least-loaded eligible instance that satisfies
// requiredCapabilities, or queues it if none qualify.
func (q *Queue) Assign(ctx context.Context, taskID, role string, priority int, capPerRole int, requiredCapabilities []string) (AssignResult, error) {
	roleSetKey := kv.Key("role", role)
	waitingKey := kv.Key("queue", role)
	historyKey := kv.Key("history", "assignments")

	res, err := q.scripts.TaskAssign.Run(ctx, q.kv.Pub(),
		[]string{roleSetKey, waitingKey, historyKey},
		taskID, priority, nowMillis(), capPerRole, joinCSV(utils.Unique(requiredCapabilities)),
	).Result()
	if err != nil {
		return AssignResult{}, fmt.Errorf("assign task %s: %w", taskID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return AssignResult{}, fmt.Errorf("assign task %s: unexpected result shape", taskID)
	}
	instance, _ := vals[0].(string)
	if instance != "" {
		return AssignResult{InstanceID: instance}, nil
	}
	position, _ := vals[1].(int64)
	return AssignResult{Queued: true, Position: position}, nil
}

// AssignDirect places taskID directly onto instanceID's per-instance queue
// and bumps its capacity counter, bypassing role-based candidate selection.
// Used by task.assign when the caller names the instance explicitly rather
// than asking the kernel to pick one (§8 scenario 1).
func (q *Queue) AssignDirect(ctx context.Context, taskID, instanceID string, priority int) error {
	key := kv.Key("queue", "instance", instanceID)
	pipe := q.kv.Pub().TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMillis()), Member: taskID})
	pipe.Incr(ctx, kv.Key("capacity", instanceID))
	pipe.ZRem(ctx, pendingKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("assign task %s to %s: %w", taskID, instanceID, err)
	}
	return nil
}

// Complete removes taskID from instanceID's per-instance queue, decrements
// its capacity counter, and marks the task completed.
func (q *Queue) Complete(ctx context.Context, taskID, instanceID string) error {
	key := kv.Key("queue", "instance", instanceID)
	_, err := q.scripts.TaskComplete.Run(ctx, q.kv.Pub(), []string{key}, taskID, instanceID, nowMillis()).Result()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

// Reassign moves every task from an OFFLINE instance's per-instance queue
// back into the global pending queue, preserving original priorities, and
// leaves a `redistributed:from:{id}` marker recording that the redistribution
// happened (§4.8).
func (q *Queue) Reassign(ctx context.Context, instanceID string) (int64, error) {
	source := kv.Key("queue", "instance", instanceID)
	res, err := q.scripts.TaskReassign.Run(ctx, q.kv.Pub(), []string{source, pendingKey}, instanceID, nowMillis()).Result()
	if err != nil {
		return 0, fmt.Errorf("reassign from %s: %w", instanceID, err)
	}
	n, _ := res.(int64)
	return n, nil
}

// Redistributed reports whether instanceID has a redistribution marker,
// i.e. whether Reassign has ever run for it.
func (q *Queue) Redistributed(ctx context.Context, instanceID string) (bool, error) {
	n, err := q.kv.Pub().Exists(ctx, kv.Key("redistributed", "from", instanceID)).Result()
	if err != nil {
		return false, fmt.Errorf("redistributed %s: %w", instanceID, err)
	}
	return n > 0, nil
}

// Decompose stores a project's subtasks, indexing them under the parent
// task and pushing each onto the global pending queue.
func (q *Queue) Decompose(ctx context.Context, parentID string, subtasks []Subtask) (int64, error) {
	indexKey := kv.Key("task", parentID, "subtasks")
	raw, err := json.Marshal(subtasks)
	if err != nil {
		return 0, fmt.Errorf("marshal subtasks: %w", err)
	}
	res, err := q.scripts.Decompose.Run(ctx, q.kv.Pub(), []string{indexKey}, parentID, string(raw)).Result()
	if err != nil {
		return 0, fmt.Errorf("decompose %s: %w", parentID, err)
	}
	n, _ := res.(int64)
	return n, nil
}

// Progress synthesizes (total, completed) subtask counts for a project.
func (q *Queue) Progress(ctx context.Context, parentID string) (total, completed int64, err error) {
	indexKey := kv.Key("task", parentID, "subtasks")
	res, err := q.scripts.ProgressSynthesize.Run(ctx, q.kv.Pub(), []string{indexKey}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("progress %s: %w", parentID, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("progress %s: unexpected result shape", parentID)
	}
	total, _ = vals[0].(int64)
	completed, _ = vals[1].(int64)
	return total, completed, nil
}

// DetectConflict atomically claims taskID for instanceID, reporting a
// conflict if it was already assigned to a different instance.
func (q *Queue) DetectConflict(ctx context.Context, taskID, instanceID string) (conflictsWith string, err error) {
	key := kv.Key("task", taskID)
	res, err := q.scripts.ConflictDetect.Run(ctx, q.kv.Pub(), []string{key}, instanceID).Result()
	if err != nil {
		return "", fmt.Errorf("conflict-detect %s: %w", taskID, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", fmt.Errorf("conflict-detect %s: unexpected result shape", taskID)
	}
	status, _ := vals[0].(string)
	if status == "CONFLICT" {
		other, _ := vals[1].(string)
		return other, nil
	}
	return "", nil
}

// PendingCount reports the size of the global pending queue.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.kv.Pub().ZCard(ctx, pendingKey).Result()
}

// Subtask is one entry passed to Decompose.
type Subtask struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Priority int    `json:"priority"`
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

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
