// Package transport is the kernel's JSON-RPC adapter (§4.10): an HTTP POST
// surface for single/batch/notification calls and a WebSocket surface for
// server-streamed subscriptions, both dispatching into the same
// pipeline.Pipeline. Wire shapes are generalized from the teacher's
// outbound chain.RPCRequest/RPCResponse/RPCError envelope (there a client
// of a Neo node; here the inbound server contract).
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	kerrors "github.com/claudebench/kernel/infrastructure/errors"
	"github.com/claudebench/kernel/internal/registry"
)

// RequestMetadata carries the optional session/correlation identity a
// caller may attach to a call (§6.1).
type RequestMetadata struct {
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// Request is a single JSON-RPC 2.0 request. ID is omitted for
// notifications, which produce no response.
type Request struct {
	JSONRPC  string           `json:"jsonrpc"`
	Method   string           `json:"method"`
	Params   json.RawMessage  `json:"params,omitempty"`
	ID       json.RawMessage  `json:"id,omitempty"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

func (r Request) isNotification() bool { return len(r.ID) == 0 }

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object, codes per §4.10's mapping table.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32002
)

// mapError translates a pipeline/registry error into the §4.10 wire code.
// MethodNotFoundError is special-cased to -32601 since errors.Kind has no
// slot for it (every other Kind routes through Kind.RPCCode()).
func mapError(err error) *RPCError {
	if err == nil {
		return nil
	}

	var notFound *registry.MethodNotFoundError
	if errors.As(err, &notFound) {
		return &RPCError{Code: codeMethodNotFound, Message: notFound.Error()}
	}

	kinded := kerrors.AsKinded(err)
	rpcErr := &RPCError{Code: kinded.Kind.RPCCode(), Message: kinded.Message}
	if len(kinded.Details) > 0 {
		rpcErr.Data = kinded.Details
	}
	switch kinded.Kind {
	case kerrors.KindNotFound, kerrors.KindConflict, kerrors.KindOverloaded:
		data := map[string]interface{}{"reason": string(kinded.Kind)}
		for k, v := range kinded.Details {
			data[k] = v
		}
		rpcErr.Data = data
	}
	return rpcErr
}
