package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claudebench/kernel/infrastructure/logging"
	"github.com/claudebench/kernel/infrastructure/metrics"
	"github.com/claudebench/kernel/infrastructure/middleware"
	"github.com/claudebench/kernel/infrastructure/security"
	"github.com/claudebench/kernel/internal/bus"
	"github.com/claudebench/kernel/internal/pipeline"
)

// replayWindow bounds how long a bearer token's jti is remembered for replay
// detection; long enough to outlive any token's own exp in practice, short
// enough that the tracked-id map stays bounded under steady traffic.
const replayWindow = 10 * time.Minute

// Config bundles the HTTP surface's tunables (§6.5/§6.7).
type Config struct {
	RPCPath      string
	WSPath       string
	MaxBodyBytes int64
	CORS         *middleware.CORSConfig
	// AuthSecret, when non-empty, requires callers to present a bearer JWT
	// signed with this HS256 secret (see auth.go); empty disables the check.
	AuthSecret []byte
	// MetricsRegistry backs both /metrics and the HTTP-layer request
	// counters below; a fresh one is created when nil so repeated NewServer
	// calls in tests never collide on Prometheus's global registry.
	MetricsRegistry *prometheus.Registry
}

func (c Config) withDefaults() Config {
	if c.RPCPath == "" {
		c.RPCPath = "/rpc"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	return c
}

// Server is the kernel's JSON-RPC HTTP+WebSocket adapter.
type Server struct {
	pipeline    *pipeline.Pipeline
	bus         *bus.Bus
	log         *logging.Logger
	cfg         Config
	health      *middleware.HealthChecker
	metricsReg  *prometheus.Registry
	httpMetrics *metrics.Metrics
	replay      *security.ReplayProtection
}

// NewServer builds a Server. version is surfaced on /healthz; healthChecks
// are registered against the shared HealthChecker (e.g. a KV ping).
func NewServer(p *pipeline.Pipeline, b *bus.Bus, log *logging.Logger, cfg Config, version string, healthChecks map[string]func() error) *Server {
	cfg = cfg.withDefaults()
	hc := middleware.NewHealthChecker(version)
	for name, check := range healthChecks {
		hc.RegisterCheck(name, check)
	}
	reg := cfg.MetricsRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		pipeline:    p,
		bus:         b,
		log:         log,
		cfg:         cfg,
		health:      hc,
		metricsReg:  reg,
		httpMetrics: metrics.NewWithRegistry("claudebenchd", reg),
		replay:      security.NewReplayProtection(replayWindow, log),
	}
}

// Router builds the HTTP surface: the JSON-RPC POST endpoint, the
// subscription WebSocket endpoint, health, and Prometheus exposition, all
// wrapped in the ambient middleware chain (§6.7) — outside the per-event
// pipeline, which governs everything inside a single RPC call instead.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.cfg.RPCPath, s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc(s.cfg.WSPath, s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	recovery := middleware.NewRecoveryMiddleware(s.log)
	cors := middleware.NewCORSMiddleware(s.cfg.CORS)
	bodyLimit := middleware.NewBodyLimitMiddleware(s.cfg.MaxBodyBytes)
	secHeaders := middleware.NewSecurityHeadersMiddleware(nil)

	var h http.Handler = r
	h = bodyLimit.Handler(h)
	if len(s.cfg.AuthSecret) > 0 {
		h = NewAuthMiddleware(s.cfg.AuthSecret, s.log, s.replay).Handler(h)
	}
	h = middleware.LoggingMiddleware(s.log)(h)
	h = cors.Handler(h)
	h = secHeaders.Handler(h)
	h = s.metricsMiddleware(h)
	h = recovery.Handler(h)
	return h
}

// metricsMiddleware records per-route request counts/latency/in-flight
// gauges using the teacher's infrastructure/metrics collectors.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.httpMetrics.IncrementInFlight()
		defer s.httpMetrics.DecrementInFlight()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.httpMetrics.RecordHTTPRequest("claudebenchd", r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// callerID resolves the identity of the process making the call. Instances
// are expected to identify themselves with X-Instance-Id, matching the
// identity they register under in the instance manager (§4.9); it falls
// back to the remote address for unidentified callers (e.g. ad hoc tooling).
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Instance-Id"); id != "" {
		return id
	}
	return r.RemoteAddr
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeBody(r)
	if err != nil {
		writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: "parse error"}})
		return
	}

	caller := callerID(r)

	var batch []json.RawMessage
	if isBatch(raw) {
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeParseError, Message: "parse error"}})
			return
		}
	} else {
		batch = []json.RawMessage{raw}
	}
	if len(batch) == 0 {
		writeEnvelope(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: codeInvalidRequest, Message: "empty batch"}})
		return
	}

	responses := make([]Response, 0, len(batch))
	for _, item := range batch {
		var req Request
		if err := json.Unmarshal(item, &req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
			responses = append(responses, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidRequest, Message: "invalid request"}})
			continue
		}

		resp := s.dispatch(ctx, req, caller)
		if !req.isNotification() {
			responses = append(responses, resp)
		}
	}

	if !isBatch(raw) {
		if len(responses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeEnvelope(w, responses[0])
		return
	}
	writeEnvelope(w, responses)
}

func (s *Server) dispatch(ctx context.Context, req Request, caller string) Response {
	meta := pipeline.Meta{}
	if req.Metadata != nil {
		meta.SessionID = req.Metadata.SessionID
		meta.CorrelationID = req.Metadata.CorrelationID
	}

	out, err := s.pipeline.Invoke(ctx, req.Method, req.Params, caller, meta)
	if err != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: mapError(err)}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: out}
}

func decodeBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func isBatch(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func writeEnvelope(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
