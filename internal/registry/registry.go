// Package registry is the kernel's handler registry (§4.1): the single
// source of truth for which events are served and how. Descriptors are
// registered at startup and the registry is effectively read-only
// thereafter; it exposes executeHandler as the bare invocation primitive
// that the middleware pipeline wraps.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
)

// MethodNotFoundError is returned by ExecuteHandler for an unregistered
// event. It is distinct from errors.NotFoundKind (which covers entity
// lookups inside handler bodies): the transport adapter maps this one
// specifically to JSON-RPC -32601 per §4.10, not the generic -32602 that
// errors.Kind.RPCCode() assigns to KindNotFound.
type MethodNotFoundError struct {
	Event string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Event)
}

var eventNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// HandlerFunc is a descriptor's body. It receives the validated input and
// returns a result to be output-validated, cached, and published.
type HandlerFunc func(ctx context.Context, call *CallContext, input json.RawMessage) (interface{}, error)

// CallContext carries per-call identity and the handles a handler needs to
// publish events or invoke other handlers through the same pipeline.
type CallContext struct {
	CallerID      string
	SessionID     string
	CorrelationID string
	Timestamp     time.Time

	// Execute lets a handler synchronously invoke another event through
	// the full middleware pipeline (reentrant; the outer timeout keeps
	// applying). Bound by the composition root.
	Execute func(ctx context.Context, event string, input json.RawMessage, callerID string) (interface{}, error)

	// Publish lets a handler declare derived events for the pipeline's
	// publication stage to emit.
	Publish func(eventType string, payload interface{})
}

// Descriptor is a handler's registered contract.
type Descriptor struct {
	Event          string
	ValidateInput  func(json.RawMessage) error
	ValidateOutput func(interface{}) error
	Handler        HandlerFunc
	Fallback       HandlerFunc // invoked instead of Handler while the circuit is OPEN, if set

	Persist        bool
	RateLimitQuota int           // requests per 60s window; 0 = descriptor default applied by the pipeline
	CacheTTL       time.Duration // 0 disables caching
	Timeout        time.Duration // 0 = pipeline default
	Visible        bool          // false hides it from discover()
	Doc            string
}

// Registry stores handler descriptors keyed by event name.
type Registry struct {
	mu   sync.RWMutex
	descs map[string]*Descriptor
}

func New() *Registry {
	return &Registry{descs: make(map[string]*Descriptor)}
}

// Register validates and stores a descriptor, replacing any prior
// registration for the same event name.
func (r *Registry) Register(d *Descriptor) error {
	if !eventNamePattern.MatchString(d.Event) {
		return kerrors.InvalidInputKind("event", "must be a dotted lowercase identifier, e.g. task.create")
	}
	if d.ValidateInput == nil || d.ValidateOutput == nil {
		return kerrors.InvalidInputKind("event", "descriptor must supply input and output validators")
	}
	if d.Handler == nil {
		return kerrors.InvalidInputKind("event", "descriptor must supply a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.Event] = d
	return nil
}

// Get looks up a descriptor by event name.
func (r *Registry) Get(event string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[event]
	return d, ok
}

// DescriptorDoc is the public, documentation-oriented view of a descriptor
// returned by Discover.
type DescriptorDoc struct {
	Event    string `json:"event"`
	Persist  bool   `json:"persist"`
	CacheTTL string `json:"cacheTtl,omitempty"`
	Doc      string `json:"doc,omitempty"`
}

// Discover lists registered, visible descriptors, optionally filtered by
// a dotted-prefix domain (e.g. "task" matches "task.create", "task.list").
func (r *Registry) Discover(domain string) []DescriptorDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make([]DescriptorDoc, 0, len(r.descs))
	for _, d := range r.descs {
		if !d.Visible {
			continue
		}
		if domain != "" && !strings.HasPrefix(d.Event, domain+".") {
			continue
		}
		doc := DescriptorDoc{Event: d.Event, Persist: d.Persist, Doc: d.Doc}
		if d.CacheTTL > 0 {
			doc.CacheTTL = d.CacheTTL.String()
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Event < docs[j].Event })
	return docs
}

// ExecuteHandler is the bare invocation primitive: look up the descriptor
// and call its body. It performs no validation, throttling, caching, or
// persistence of its own — those are the middleware pipeline's job. Fails
// with *MethodNotFoundError if the event is unregistered.
func (r *Registry) ExecuteHandler(ctx context.Context, call *CallContext, event string, input json.RawMessage) (interface{}, error) {
	d, ok := r.Get(event)
	if !ok {
		return nil, &MethodNotFoundError{Event: event}
	}
	return d.Handler(ctx, call, input)
}
