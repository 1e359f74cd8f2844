package handlers

import (
	"context"
	"encoding/json"
	"time"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/registry"
)

func registerSystemHandlers(d Deps) error {
	h := &systemHandlers{d: d}
	descs := []*registry.Descriptor{
		{
			Event:          "system.register",
			ValidateInput:  validateSystemRegister,
			ValidateOutput: validateNonNil,
			Handler:        h.register,
			Persist:        true,
			Visible:        true,
			Doc:            "Registers a worker instance and its roles.",
		},
		{
			Event:          "system.heartbeat",
			ValidateInput:  validateInstanceID,
			ValidateOutput: validateNonNil,
			Handler:        h.heartbeat,
			RateLimitQuota: 600,
			Visible:        true,
			Doc:            "Refreshes an instance's liveness timestamp.",
		},
		{
			Event:          "system.discover",
			ValidateInput:  validateSystemDiscover,
			ValidateOutput: validateNonNil,
			Handler:        h.discover,
			CacheTTL:       10 * time.Second,
			Visible:        true,
			Doc:            "Lists registered, visible handler descriptors, optionally filtered by domain prefix.",
		},
		{
			Event:          "system.health",
			ValidateInput:  validateEmpty,
			ValidateOutput: validateNonNil,
			Handler:        h.health,
			Visible:        true,
			Doc:            "Reports KV reachability and pending-queue depth.",
		},
	}
	for _, desc := range descs {
		if err := d.Registry.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

type systemHandlers struct {
	d Deps
}

type systemRegisterInput struct {
	ID       string         `json:"id"`
	Roles    []string       `json:"roles"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func validateSystemRegister(raw json.RawMessage) error {
	var in systemRegisterInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.ID == "" {
		return kerrors.InvalidInputKind("id", "required")
	}
	if len(in.Roles) == 0 {
		return kerrors.InvalidInputKind("roles", "at least one role required")
	}
	return nil
}

func (h *systemHandlers) register(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in systemRegisterInput
	_ = json.Unmarshal(raw, &in)

	inst := domain.Instance{ID: in.ID, Roles: in.Roles, Status: domain.InstanceActive, LastSeen: time.Now(), Metadata: in.Metadata}
	if err := h.d.Instances.Register(ctx, inst); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	call.Publish("system.registered", inst)
	return inst, nil
}

type instanceIDInput struct {
	InstanceID string `json:"instanceId"`
}

func validateInstanceID(raw json.RawMessage) error {
	var in instanceIDInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.InstanceID == "" {
		return kerrors.InvalidInputKind("instanceId", "required")
	}
	return nil
}

type heartbeatResult struct {
	InstanceID string    `json:"instanceId"`
	LastSeen   time.Time `json:"lastSeen"`
}

func (h *systemHandlers) heartbeat(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in instanceIDInput
	_ = json.Unmarshal(raw, &in)

	if err := h.d.Instances.Heartbeat(ctx, in.InstanceID); err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	return heartbeatResult{InstanceID: in.InstanceID, LastSeen: time.Now()}, nil
}

type systemDiscoverInput struct {
	Domain string `json:"domain,omitempty"`
}

func validateSystemDiscover(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var in systemDiscoverInput
	return json.Unmarshal(raw, &in)
}

func (h *systemHandlers) discover(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in systemDiscoverInput
	_ = json.Unmarshal(raw, &in)
	return h.d.Registry.Discover(in.Domain), nil
}

func validateEmpty(json.RawMessage) error { return nil }

type healthResult struct {
	KVReachable  bool  `json:"kvReachable"`
	PendingTasks int64 `json:"pendingTasks"`
}

func (h *systemHandlers) health(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	res := healthResult{}
	res.KVReachable = h.d.KV.Ping(ctx) == nil
	if n, err := h.d.Queue.PendingCount(ctx); err == nil {
		res.PendingTasks = n
	}
	return res, nil
}
