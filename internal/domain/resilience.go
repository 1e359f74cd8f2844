package domain

import "time"

// CircuitState is one of the three states of the scripted circuit-breaker
// state machine described in §4.4.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitSnapshot is the per-event circuit state read back from the
// scripted store, used by callers that need to inspect state without
// mutating it (e.g. system.health).
type CircuitSnapshot struct {
	Event      string       `json:"event"`
	State      CircuitState `json:"state"`
	Failures   int          `json:"failures"`
	Successes  int          `json:"successes"`
	OpenUntil  time.Time    `json:"openUntil,omitempty"`
}

// RateLimitDecision is the outcome of one sliding-window admission check.
type RateLimitDecision struct {
	Allowed      bool
	Remaining    int
	RetryAfter   time.Duration
}

// CacheEntry is a cached handler output keyed by (event, input fingerprint).
type CacheEntry struct {
	Event       string
	Fingerprint string
	Value       []byte
	ExpiresAt   time.Time
}
