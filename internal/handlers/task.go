package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/queue"
	"github.com/claudebench/kernel/internal/registry"
)

func registerTaskHandlers(d Deps) error {
	h := &taskHandlers{d: d}
	descs := []*registry.Descriptor{
		{
			Event:          "task.create",
			ValidateInput:  validateTaskCreate,
			ValidateOutput: validateNonNil,
			Handler:        h.create,
			Persist:        true,
			Visible:        true,
			Doc:            "Creates a task and enqueues it in the global pending queue.",
		},
		{
			Event:          "task.get",
			ValidateInput:  validateTaskGet,
			ValidateOutput: validateNonNil,
			Handler:        h.get,
			CacheTTL:       5 * time.Second,
			Visible:        true,
			Doc:            "Fetches a task by id.",
		},
		{
			Event:          "task.assign",
			ValidateInput:  validateTaskAssign,
			ValidateOutput: validateNonNil,
			Handler:        h.assign,
			Persist:        true,
			Visible:        true,
			Doc:            "Assigns a pending task directly to a named, ACTIVE instance.",
		},
		{
			Event:          "task.complete",
			ValidateInput:  validateTaskComplete,
			ValidateOutput: validateNonNil,
			Handler:        h.complete,
			Persist:        true,
			Visible:        true,
			Doc:            "Marks a task completed, releases the assignee's capacity slot, publishes task.completed.",
		},
		{
			Event:          "task.cancel",
			ValidateInput:  validateTaskGet,
			ValidateOutput: validateNonNil,
			Handler:        h.cancel,
			Persist:        true,
			Visible:        true,
			Doc:            "Cancels a non-terminal task.",
		},
		{
			Event:          "task.create_project",
			ValidateInput:  validateCreateProject,
			ValidateOutput: validateNonNil,
			Handler:        h.createProject,
			Persist:        true,
			Visible:        true,
			Doc:            "Decomposes a project task into subtasks (swarm.create_project is not a kernel concern).",
		},
		{
			Event:          "task.attach",
			ValidateInput:  validateTaskAttach,
			ValidateOutput: validateNonNil,
			Handler:        h.attach,
			Persist:        true,
			Visible:        true,
			Doc:            "Attaches a keyed piece of data to a task, overwriting any prior value for the same key.",
		},
	}
	for _, desc := range descs {
		if err := d.Registry.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

type taskHandlers struct {
	d Deps
}

// taskKey, attachmentKey name the hash keys per §6.4.
func taskKey(id string) string       { return kv.Key("task", id) }
func attachmentKey(id, key string) string { return kv.Key("task", id, "attachment", key) }
func attachmentIndexKey(id string) string { return kv.Key("task", id, "attachments") }

func saveTask(ctx context.Context, client *kv.Client, t domain.Task) error {
	meta, _ := json.Marshal(t.Metadata)
	fields := map[string]interface{}{
		"text":      t.Text,
		"priority":  t.Priority,
		"status":    string(t.Status),
		"metadata":  string(meta),
		"createdAt": t.CreatedAt.UnixMilli(),
		"updatedAt": t.UpdatedAt.UnixMilli(),
	}
	if t.AssignedTo != "" {
		fields["assignedTo"] = t.AssignedTo
	}
	if t.CompletedAt != nil {
		fields["completedAt"] = t.CompletedAt.UnixMilli()
	}
	if err := client.Pub().HSet(ctx, taskKey(t.ID), fields).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func loadTask(ctx context.Context, client *kv.Client, id string) (domain.Task, error) {
	h, err := client.Pub().HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(h) == 0 {
		return domain.Task{}, kerrors.NotFoundKind("task", id)
	}
	t := domain.Task{ID: id, Status: domain.TaskStatus(h["status"]), AssignedTo: h["assignedTo"]}
	t.Text = h["text"]
	if p, ok := h["priority"]; ok {
		t.Priority, _ = strconv.Atoi(p)
	}
	if raw, ok := h["metadata"]; ok && raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &t.Metadata)
	}
	if ms, ok := h["createdAt"]; ok {
		t.CreatedAt = fromUnixMillis(ms)
	}
	if ms, ok := h["updatedAt"]; ok {
		t.UpdatedAt = fromUnixMillis(ms)
	}
	if ms, ok := h["completedAt"]; ok && ms != "" {
		ct := fromUnixMillis(ms)
		t.CompletedAt = &ct
	}
	return t, nil
}

func fromUnixMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms)
}

type taskCreateInput struct {
	Text     string         `json:"text"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func validateTaskCreate(raw json.RawMessage) error {
	var in taskCreateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.Text == "" {
		return kerrors.InvalidInputKind("text", "required")
	}
	if in.Priority < 0 || in.Priority > 100 {
		return kerrors.InvalidInputKind("priority", "must be 0-100")
	}
	return nil
}

func (h *taskHandlers) create(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskCreateInput
	_ = json.Unmarshal(raw, &in)

	now := time.Now()
	t := domain.Task{
		ID:        uuid.NewString(),
		Text:      in.Text,
		Priority:  in.Priority,
		Status:    domain.TaskPending,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := saveTask(ctx, h.d.KV, t); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	if err := h.d.Queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	call.Publish("task.created", t)
	return t, nil
}

type taskIDInput struct {
	ID string `json:"id"`
}

func validateTaskGet(raw json.RawMessage) error {
	var in taskIDInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.ID == "" {
		return kerrors.InvalidInputKind("id", "required")
	}
	return nil
}

func (h *taskHandlers) get(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskIDInput
	_ = json.Unmarshal(raw, &in)
	t, err := loadTask(ctx, h.d.KV, in.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type taskAssignInput struct {
	TaskID     string `json:"taskId"`
	InstanceID string `json:"instanceId"`
	CapPerRole int    `json:"capPerRole,omitempty"`
}

func validateTaskAssign(raw json.RawMessage) error {
	var in taskAssignInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.TaskID == "" || in.InstanceID == "" {
		return kerrors.InvalidInputKind("taskId/instanceId", "both required")
	}
	return nil
}

type taskAssignResult struct {
	TaskID     string    `json:"taskId"`
	InstanceID string    `json:"instanceId"`
	AssignedAt time.Time `json:"assignedAt"`
}

func (h *taskHandlers) assign(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskAssignInput
	_ = json.Unmarshal(raw, &in)

	t, err := loadTask(ctx, h.d.KV, in.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, kerrors.ConflictKind(fmt.Sprintf("task %s is already %s", t.ID, t.Status))
	}

	inst, err := h.d.Instances.Get(ctx, in.InstanceID)
	if err != nil {
		return nil, kerrors.NotFoundKind("instance", in.InstanceID)
	}
	if inst.Status != domain.InstanceActive {
		return nil, kerrors.ConflictKind(fmt.Sprintf("instance %s is not ACTIVE", in.InstanceID))
	}

	if in.CapPerRole > 0 {
		n, cerr := h.d.KV.Pub().Get(ctx, kv.Key("capacity", in.InstanceID)).Int()
		if cerr == nil && n >= in.CapPerRole {
			return nil, kerrors.ConflictKind(fmt.Sprintf("instance %s at capacity", in.InstanceID))
		}
	}

	if err := h.d.Queue.AssignDirect(ctx, t.ID, in.InstanceID, t.Priority); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	t.AssignedTo = in.InstanceID
	t.Status = domain.TaskInProgress
	t.UpdatedAt = time.Now()
	if err := saveTask(ctx, h.d.KV, t); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	res := taskAssignResult{TaskID: t.ID, InstanceID: in.InstanceID, AssignedAt: t.UpdatedAt}
	call.Publish("task.assigned", res)
	return res, nil
}

type taskCompleteInput struct {
	TaskID     string          `json:"taskId"`
	InstanceID string          `json:"instanceId"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func validateTaskComplete(raw json.RawMessage) error {
	var in taskCompleteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.TaskID == "" || in.InstanceID == "" {
		return kerrors.InvalidInputKind("taskId/instanceId", "both required")
	}
	return nil
}

func (h *taskHandlers) complete(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskCompleteInput
	_ = json.Unmarshal(raw, &in)

	t, err := loadTask(ctx, h.d.KV, in.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, kerrors.ConflictKind(fmt.Sprintf("task %s is already %s", t.ID, t.Status))
	}

	if err := h.d.Queue.Complete(ctx, t.ID, in.InstanceID); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	now := time.Now()
	t.Status = domain.TaskCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	if err := saveTask(ctx, h.d.KV, t); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	call.Publish("task.completed", t)
	return t, nil
}

func (h *taskHandlers) cancel(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskIDInput
	_ = json.Unmarshal(raw, &in)

	t, err := loadTask(ctx, h.d.KV, in.ID)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, kerrors.ConflictKind(fmt.Sprintf("task %s is already %s", t.ID, t.Status))
	}

	t.Status = domain.TaskCancelled
	t.UpdatedAt = time.Now()
	if err := saveTask(ctx, h.d.KV, t); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	call.Publish("task.cancelled", t)
	return t, nil
}

type createProjectInput struct {
	Text     string            `json:"text"`
	Priority int               `json:"priority"`
	Subtasks []queue.Subtask   `json:"subtasks"`
}

func validateCreateProject(raw json.RawMessage) error {
	var in createProjectInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.Text == "" {
		return kerrors.InvalidInputKind("text", "required")
	}
	if len(in.Subtasks) == 0 {
		return kerrors.InvalidInputKind("subtasks", "at least one subtask required")
	}
	return nil
}

type createProjectResult struct {
	ProjectID string `json:"projectId"`
	Subtasks  int64  `json:"subtasks"`
}

func (h *taskHandlers) createProject(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in createProjectInput
	_ = json.Unmarshal(raw, &in)

	now := time.Now()
	project := domain.Task{
		ID:        uuid.NewString(),
		Text:      in.Text,
		Priority:  in.Priority,
		Status:    domain.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := saveTask(ctx, h.d.KV, project); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	for i := range in.Subtasks {
		if in.Subtasks[i].ID == "" {
			in.Subtasks[i].ID = uuid.NewString()
		}
	}
	n, err := h.d.Queue.Decompose(ctx, project.ID, in.Subtasks)
	if err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}

	res := createProjectResult{ProjectID: project.ID, Subtasks: n}
	call.Publish("task.project_created", res)
	return res, nil
}

type taskAttachInput struct {
	TaskID  string                `json:"taskId"`
	Key     string                `json:"key"`
	Type    domain.AttachmentType `json:"type"`
	Value   string                `json:"value,omitempty"`
	Content string                `json:"content,omitempty"`
	URL     string                `json:"url,omitempty"`
	MIME    string                `json:"mime,omitempty"`
}

func validateTaskAttach(raw json.RawMessage) error {
	var in taskAttachInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.TaskID == "" || in.Key == "" {
		return kerrors.InvalidInputKind("taskId/key", "both required")
	}
	switch in.Type {
	case domain.AttachmentJSON, domain.AttachmentMarkdown, domain.AttachmentText, domain.AttachmentURL, domain.AttachmentBinary:
	default:
		return kerrors.InvalidInputKind("type", "must be one of json, markdown, text, url, binary")
	}
	return nil
}

func (h *taskHandlers) attach(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in taskAttachInput
	_ = json.Unmarshal(raw, &in)

	if _, err := loadTask(ctx, h.d.KV, in.TaskID); err != nil {
		return nil, err
	}

	content := in.Content
	if content == "" {
		content = in.Value
	}
	now := time.Now()
	att := domain.TaskAttachment{
		ID:        uuid.NewString(),
		TaskID:    in.TaskID,
		Key:       in.Key,
		Type:      in.Type,
		Value:     in.Value,
		Content:   content,
		URL:       in.URL,
		Size:      len(content),
		MIME:      in.MIME,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.d.KV.Pub().HSet(ctx, attachmentKey(in.TaskID, in.Key), map[string]interface{}{
		"id":      att.ID,
		"type":    string(att.Type),
		"value":   att.Value,
		"content": att.Content,
		"url":     att.URL,
		"size":    att.Size,
		"mime":    att.MIME,
	}).Err(); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	h.d.KV.Pub().ZAdd(ctx, attachmentIndexKey(in.TaskID), &redis.Z{Score: float64(now.UnixMilli()), Member: in.Key})

	call.Publish("task.attached", att)
	return att, nil
}
