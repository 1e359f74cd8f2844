// Package dbstore is the kernel's optional secondary persistence target: a
// thin sqlx/pq-backed Postgres mirror of task and attachment writes. It
// implements pipeline.RelationalStore; failures here are logged and
// swallowed by the pipeline's persist stage (§5) — the KV store remains
// authoritative and the kernel runs with no relational store configured.
package dbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/claudebench/kernel/internal/session"
)

// Open establishes a Postgres connection using dsn and verifies
// connectivity with a ping.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store mirrors task and task-attachment writes into Postgres. Every other
// event type is recorded in the generic kernel_events table only.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open connection. Schema must have been applied
// beforehand (the kernel does not run migrations itself).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL the operator applies before pointing DB_URL at a
// database; the kernel does not create or migrate tables itself.
const Schema = `
CREATE TABLE IF NOT EXISTS kernel_events (
	id             BIGSERIAL PRIMARY KEY,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	params         JSONB,
	result         JSONB,
	labels         TEXT[],
	occurred_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS kernel_events_type_idx ON kernel_events (event_type);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	assigned_to  TEXT,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_attachments (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      TEXT,
	content    TEXT,
	url        TEXT,
	size       INTEGER NOT NULL DEFAULT 0,
	mime       TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (task_id, key)
);
`

// Persist is pipeline.RelationalStore's entry point: every successful
// invocation is mirrored as a kernel_events row, and task.*/task.attach
// events additionally upsert the tasks/task_attachments tables so they
// stay queryable outside Redis.
func (s *Store) Persist(ctx context.Context, event string, rec session.Record) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO kernel_events (event_id, event_type, params, result, labels, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.EventID, rec.EventType, nullableJSON(rec.Params), nullableJSON(rec.Result), rec.Labels, rec.Timestamp,
	); err != nil {
		return fmt.Errorf("insert kernel_events: %w", err)
	}

	switch event {
	case "task.create", "task.update", "task.assign", "task.complete", "task.cancel":
		return s.upsertTask(ctx, rec)
	case "task.attach":
		return s.upsertAttachment(ctx, rec)
	default:
		return nil
	}
}

type taskPayload struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	AssignedTo  string          `json:"assignedTo"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
}

func (s *Store) upsertTask(ctx context.Context, rec session.Record) error {
	var t taskPayload
	if err := json.Unmarshal(rec.Result, &t); err != nil || t.ID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, text, priority, status, assigned_to, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.Text, t.Priority, t.Status, nullableString(t.AssignedTo), nullableJSON(t.Metadata), t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

type attachmentPayload struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Content   string    `json:"content"`
	URL       string    `json:"url"`
	Size      int       `json:"size"`
	MIME      string    `json:"mime"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Store) upsertAttachment(ctx context.Context, rec session.Record) error {
	var a attachmentPayload
	if err := json.Unmarshal(rec.Result, &a); err != nil || a.ID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attachments (id, task_id, key, type, value, content, url, size, mime, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id, key) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			content = EXCLUDED.content,
			url = EXCLUDED.url,
			size = EXCLUDED.size,
			mime = EXCLUDED.mime,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.TaskID, a.Key, a.Type, nullableString(a.Value), nullableString(a.Content), nullableString(a.URL), a.Size, nullableString(a.MIME), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task_attachment: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
