package transport

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/claudebench/kernel/infrastructure/logging"
	"github.com/claudebench/kernel/infrastructure/security"
)

// InstanceClaims is the JWT claim set an instance presents when it is
// registered under a shared secret (§6.1's optional caller-auth mode).
// Simplified from the teacher's RSA ServiceClaims (infrastructure/middleware
// serviceauth.go) to HMAC, since the kernel has one signer, not a mesh of
// independently-keyed services.
type InstanceClaims struct {
	jwt.RegisteredClaims
	InstanceID string `json:"instanceId"`
}

// AuthMiddleware validates a bearer JWT and rewrites X-Instance-Id from its
// InstanceID claim, so callerID() downstream never needs to know auth is
// enabled. A nil/empty secret disables the middleware entirely (Router()
// skips wiring it) rather than accepting unsigned callers.
//
// When replay is non-nil, tokens that carry a jti (claims.ID) are checked
// against it so a captured bearer token can't be replayed once its jti has
// already been seen within the protection window; tokens without a jti skip
// the check rather than being rejected, since jti issuance is optional.
type AuthMiddleware struct {
	secret []byte
	log    *logging.Logger
	replay *security.ReplayProtection
}

func NewAuthMiddleware(secret []byte, log *logging.Logger, replay *security.ReplayProtection) *AuthMiddleware {
	return &AuthMiddleware{secret: secret, log: log, replay: replay}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			m.logRejection(r, "missing_bearer_token", "")
			writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}})
			return
		}

		claims := &InstanceClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid || claims.InstanceID == "" {
			m.logRejection(r, "invalid_bearer_token", "")
			writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}})
			return
		}

		if m.replay != nil && claims.ID != "" && !m.replay.ValidateAndMark(claims.ID) {
			m.logRejection(r, "replayed_bearer_token", claims.InstanceID)
			writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeUnauthorized, Message: "replayed bearer token"}})
			return
		}

		r.Header.Set("X-Instance-Id", claims.InstanceID)
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) logRejection(r *http.Request, reason, instanceID string) {
	if m.log == nil {
		return
	}
	m.log.LogSecurityEvent(r.Context(), reason, map[string]interface{}{
		"path":       r.URL.Path,
		"instanceId": instanceID,
	})
}
