package domain

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work tracked by the task queue.
type Task struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Priority    int            `json:"priority"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Terminal reports whether the task can no longer change status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// AttachmentType enumerates the accepted value shapes for a TaskAttachment.
type AttachmentType string

const (
	AttachmentJSON     AttachmentType = "json"
	AttachmentMarkdown AttachmentType = "markdown"
	AttachmentText     AttachmentType = "text"
	AttachmentURL      AttachmentType = "url"
	AttachmentBinary   AttachmentType = "binary"
)

// TaskAttachment is a keyed, overwritable piece of data attached to a Task.
type TaskAttachment struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Key       string         `json:"key"`
	Type      AttachmentType `json:"type"`
	Value     string         `json:"value,omitempty"`
	Content   string         `json:"content,omitempty"`
	URL       string         `json:"url,omitempty"`
	Size      int            `json:"size"`
	MIME      string         `json:"mime,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
