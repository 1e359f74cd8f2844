package errors

import "net/http"

// Kind classifies a ServiceError by the kernel's error taxonomy, independent
// of the HTTP status carried for the ambient HTTP surface. The JSON-RPC
// transport adapter is the only place that translates a Kind into a wire
// error code.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindCircuitOpen     Kind = "circuit_open"
	KindTimeout         Kind = "timeout"
	KindUnauthorized    Kind = "unauthorized"
	KindBlocked         Kind = "blocked"
	KindConflict        Kind = "conflict"
	KindOverloaded      Kind = "overloaded"
	KindDependencyFailed Kind = "dependency_failed"
	KindInternal        Kind = "internal"
)

// RPCCode maps a Kind to the JSON-RPC error code from spec §4.10. Kinds that
// have no direct wire code (NotFound, Conflict, Overloaded) are carried as
// InvalidParams/Internal with a `data.reason` tag so callers can still
// distinguish them.
func (k Kind) RPCCode() int {
	switch k {
	case KindInvalidInput:
		return -32602
	case KindNotFound:
		return -32602
	case KindRateLimited:
		return -32000
	case KindCircuitOpen:
		return -32001
	case KindUnauthorized:
		return -32002
	case KindBlocked:
		return -32003
	case KindTimeout, KindOverloaded, KindConflict, KindDependencyFailed, KindInternal:
		return -32603
	default:
		return -32603
	}
}

// Kinded is a ServiceError carrying a taxonomy Kind in addition to its
// HTTP-oriented Code/HTTPStatus (used by the ambient HTTP surface, e.g.
// /healthz responses, rather than the JSON-RPC surface).
type Kinded struct {
	*ServiceError
	Kind Kind
}

func (e *Kinded) Unwrap() error { return e.ServiceError }

func kinded(kind Kind, se *ServiceError) *Kinded {
	return &Kinded{ServiceError: se, Kind: kind}
}

func InvalidInputKind(field, reason string) *Kinded {
	return kinded(KindInvalidInput, InvalidInput(field, reason))
}

func NotFoundKind(resource, id string) *Kinded {
	return kinded(KindNotFound, NotFound(resource, id))
}

func RateLimitedKind(limit int, window string, retryAfterSeconds float64) *Kinded {
	return kinded(KindRateLimited, RateLimitExceeded(limit, window).WithDetails("retryAfter", retryAfterSeconds))
}

func CircuitOpenKind(event string, openUntilUnixMS int64) *Kinded {
	se := New(ErrCodeInternal, "circuit breaker open", http.StatusServiceUnavailable).
		WithDetails("event", event).WithDetails("openUntil", openUntilUnixMS)
	return kinded(KindCircuitOpen, se)
}

func TimeoutKind(operation string) *Kinded {
	return kinded(KindTimeout, Timeout(operation))
}

func UnauthorizedKind(message string) *Kinded {
	return kinded(KindUnauthorized, Unauthorized(message))
}

func BlockedKind(reason string) *Kinded {
	return kinded(KindBlocked, Forbidden("blocked by hook policy").WithDetails("reason", reason))
}

func ConflictKind(message string) *Kinded {
	return kinded(KindConflict, Conflict(message))
}

func OverloadedKind(message string) *Kinded {
	return kinded(KindOverloaded, New(ErrCodeInternal, message, http.StatusServiceUnavailable))
}

func DependencyFailedKind(dependency string, err error) *Kinded {
	return kinded(KindDependencyFailed, DatabaseError(dependency, err))
}

func InternalKind(message string, err error) *Kinded {
	return kinded(KindInternal, Internal(message, err))
}

// AsKinded extracts the Kind and ServiceError from an arbitrary error, if
// present, defaulting to KindInternal for unrecognized errors.
func AsKinded(err error) *Kinded {
	if err == nil {
		return nil
	}
	if k, ok := err.(*Kinded); ok {
		return k
	}
	if se := GetServiceError(err); se != nil {
		return &Kinded{ServiceError: se, Kind: KindInternal}
	}
	return &Kinded{ServiceError: Wrap(ErrCodeInternal, err.Error(), 500, err), Kind: KindInternal}
}
