package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noopValidate(json.RawMessage) error { return nil }
func noopValidateOutput(interface{}) error { return nil }

func TestRegistry_RegisterRejectsBadEventName(t *testing.T) {
	r := New()
	err := r.Register(&Descriptor{
		Event:          "TaskCreate",
		ValidateInput:  noopValidate,
		ValidateOutput: noopValidateOutput,
		Handler:        func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return nil, nil },
	})
	if err == nil {
		t.Fatal("expected error for non-dotted-lowercase event name")
	}
}

func TestRegistry_RegisterRejectsMissingValidators(t *testing.T) {
	r := New()
	err := r.Register(&Descriptor{
		Event:   "task.create",
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return nil, nil },
	})
	if err == nil {
		t.Fatal("expected error for missing validators")
	}
}

func TestRegistry_RegisterThenGet(t *testing.T) {
	r := New()
	d := &Descriptor{
		Event:          "task.create",
		ValidateInput:  noopValidate,
		ValidateOutput: noopValidateOutput,
		Handler:        func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return "ok", nil },
		Visible:        true,
	}
	if err := r.Register(d); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("task.create")
	if !ok || got.Event != "task.create" {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}
}

func TestRegistry_ReRegistrationReplaces(t *testing.T) {
	r := New()
	first := &Descriptor{
		Event: "task.create", ValidateInput: noopValidate, ValidateOutput: noopValidateOutput,
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return "v1", nil },
	}
	second := &Descriptor{
		Event: "task.create", ValidateInput: noopValidate, ValidateOutput: noopValidateOutput,
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return "v2", nil },
	}
	if err := r.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(second); err != nil {
		t.Fatal(err)
	}

	out, err := r.ExecuteHandler(context.Background(), &CallContext{}, "task.create", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "v2" {
		t.Errorf("expected second registration to win, got %v", out)
	}
}

func TestRegistry_DiscoverFiltersByDomainAndVisibility(t *testing.T) {
	r := New()
	visible := &Descriptor{
		Event: "task.create", ValidateInput: noopValidate, ValidateOutput: noopValidateOutput,
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return nil, nil },
		Visible: true,
	}
	hidden := &Descriptor{
		Event: "task.internal_debug", ValidateInput: noopValidate, ValidateOutput: noopValidateOutput,
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return nil, nil },
		Visible: false,
	}
	other := &Descriptor{
		Event: "system.health", ValidateInput: noopValidate, ValidateOutput: noopValidateOutput,
		Handler: func(context.Context, *CallContext, json.RawMessage) (interface{}, error) { return nil, nil },
		Visible: true,
	}
	for _, d := range []*Descriptor{visible, hidden, other} {
		if err := r.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	docs := r.Discover("task")
	if len(docs) != 1 || docs[0].Event != "task.create" {
		t.Fatalf("Discover(task) = %+v, want only task.create", docs)
	}

	all := r.Discover("")
	if len(all) != 2 {
		t.Fatalf("Discover(\"\") = %+v, want 2 visible descriptors", all)
	}
}

func TestRegistry_ExecuteHandlerUnknownEvent(t *testing.T) {
	r := New()
	_, err := r.ExecuteHandler(context.Background(), &CallContext{}, "does.not_exist", nil)
	var notFound *MethodNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *MethodNotFoundError, got %v (%T)", err, err)
	}
}
