package dbstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/claudebench/kernel/internal/session"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB), mock, func() { db.Close() }
}

func TestStore_PersistGenericEventInsertsKernelEventsRow(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO kernel_events").WillReturnResult(sqlmock.NewResult(1, 1))

	rec := session.Record{
		EventID:   "evt-1",
		EventType: "system.health",
		Timestamp: time.Now(),
	}
	if err := store.Persist(context.Background(), "system.health", rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_PersistTaskCreateUpsertsTasksTable(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO kernel_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(1, 1))

	result, _ := json.Marshal(map[string]interface{}{
		"id":        "t-1",
		"text":      "write docs",
		"priority":  50,
		"status":    "pending",
		"createdAt": time.Now(),
		"updatedAt": time.Now(),
	})
	rec := session.Record{EventID: "evt-2", EventType: "task.create", Result: result, Timestamp: time.Now()}
	if err := store.Persist(context.Background(), "task.create", rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_PersistTaskAttachUpsertsAttachmentsTable(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO kernel_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_attachments").WillReturnResult(sqlmock.NewResult(1, 1))

	result, _ := json.Marshal(map[string]interface{}{
		"id":        "att-1",
		"taskId":    "t-1",
		"key":       "notes",
		"type":      "text",
		"content":   "hello",
		"createdAt": time.Now(),
		"updatedAt": time.Now(),
	})
	rec := session.Record{EventID: "evt-3", EventType: "task.attach", Result: result, Timestamp: time.Now()}
	if err := store.Persist(context.Background(), "task.attach", rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_PersistMalformedResultSkipsUpsertWithoutError(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO kernel_events").WillReturnResult(sqlmock.NewResult(1, 1))

	rec := session.Record{EventID: "evt-4", EventType: "task.create", Result: json.RawMessage(`not-json`), Timestamp: time.Now()}
	if err := store.Persist(context.Background(), "task.create", rec); err != nil {
		t.Fatalf("persist should swallow unmarshal errors, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
