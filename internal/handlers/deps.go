// Package handlers registers the kernel's thin domain handlers (§4.12):
// direct, largely un-cached consumers of the registry/queue/instance/
// session contracts that exercise the kernel end-to-end. Business logic
// beyond what the scenarios in spec §8 require is deliberately left to
// external collaborators.
package handlers

import (
	"github.com/claudebench/kernel/internal/instance"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/queue"
	"github.com/claudebench/kernel/internal/registry"
	"github.com/claudebench/kernel/internal/session"
)

// Deps bundles the subsystems the domain handlers consume. All fields are
// required; RegisterAll panics on a nil Deps field rather than registering
// a handler that would fail every call.
type Deps struct {
	Registry  *registry.Registry
	Queue     *queue.Queue
	Instances *instance.Manager
	Sessions  *session.Processor
	KV        *kv.Client
}

// RegisterAll registers every domain handler named in §4.12 against the
// registry. Call once during composition-root startup, before the
// transport adapter starts accepting requests.
func RegisterAll(d Deps) error {
	if d.Registry == nil || d.Queue == nil || d.Instances == nil || d.Sessions == nil || d.KV == nil {
		panic("handlers: RegisterAll requires every Deps field to be non-nil")
	}
	registerers := []func(Deps) error{
		registerTaskHandlers,
		registerSystemHandlers,
		registerSessionHandlers,
		registerHookHandlers,
	}
	for _, fn := range registerers {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}
