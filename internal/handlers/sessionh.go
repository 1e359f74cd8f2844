package handlers

import (
	"context"
	"encoding/json"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/registry"
)

func registerSessionHandlers(d Deps) error {
	h := &sessionHandlers{d: d}
	descs := []*registry.Descriptor{
		{
			Event:          "session.state.get",
			ValidateInput:  validateSessionID,
			ValidateOutput: validateNonNil,
			Handler:        h.stateGet,
			Visible:        true,
			Doc:            "Returns the condensed view of a session: event counts, last prompt, last tools, active todos.",
		},
		{
			Event:          "session.snapshot.create",
			ValidateInput:  validateSnapshotCreate,
			ValidateOutput: validateNonNil,
			Handler:        h.snapshotCreate,
			Persist:        true,
			Visible:        true,
			Doc:            "Captures the session's current condensed context under a reason-governed TTL.",
		},
		{
			Event:          "session.snapshot.restore",
			ValidateInput:  validateSnapshotRestore,
			ValidateOutput: validateNonNil,
			Handler:        h.snapshotRestore,
			Visible:        true,
			Doc:            "Loads a previously captured snapshot by id.",
		},
	}
	for _, desc := range descs {
		if err := d.Registry.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

type sessionHandlers struct {
	d Deps
}

type sessionIDInput struct {
	SessionID string `json:"sessionId"`
	Condensed bool   `json:"condensed,omitempty"`
}

func validateSessionID(raw json.RawMessage) error {
	var in sessionIDInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" {
		return kerrors.InvalidInputKind("sessionId", "required")
	}
	return nil
}

func (h *sessionHandlers) stateGet(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in sessionIDInput
	_ = json.Unmarshal(raw, &in)
	sess, err := h.d.Sessions.GetContext(ctx, in.SessionID)
	if err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	return sess, nil
}

type snapshotCreateInput struct {
	SessionID string                `json:"sessionId"`
	Reason    domain.SnapshotReason `json:"reason"`
}

func validateSnapshotCreate(raw json.RawMessage) error {
	var in snapshotCreateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" {
		return kerrors.InvalidInputKind("sessionId", "required")
	}
	switch in.Reason {
	case domain.SnapshotManual, domain.SnapshotCheckpoint, domain.SnapshotPreCompact, domain.SnapshotErrorRecover:
	default:
		return kerrors.InvalidInputKind("reason", "must be one of manual, checkpoint, pre_compact, error_recovery")
	}
	return nil
}

func (h *sessionHandlers) snapshotCreate(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in snapshotCreateInput
	_ = json.Unmarshal(raw, &in)
	snap, err := h.d.Sessions.CreateSnapshot(ctx, in.SessionID, in.Reason)
	if err != nil {
		return nil, kerrors.DependencyFailedKind("kv", err)
	}
	call.Publish("session.snapshot.created", snap)
	return snap, nil
}

type snapshotRestoreInput struct {
	SessionID  string `json:"sessionId"`
	SnapshotID string `json:"snapshotId"`
}

func validateSnapshotRestore(raw json.RawMessage) error {
	var in snapshotRestoreInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	if in.SessionID == "" || in.SnapshotID == "" {
		return kerrors.InvalidInputKind("sessionId/snapshotId", "both required")
	}
	return nil
}

func (h *sessionHandlers) snapshotRestore(ctx context.Context, call *registry.CallContext, raw json.RawMessage) (interface{}, error) {
	var in snapshotRestoreInput
	_ = json.Unmarshal(raw, &in)
	snap, err := h.d.Sessions.RestoreSnapshot(ctx, in.SessionID, in.SnapshotID)
	if err != nil {
		return nil, kerrors.NotFoundKind("snapshot", in.SnapshotID)
	}
	return snap, nil
}
