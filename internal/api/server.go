// Package api implements the HTTP surface of toolbridge: tool discovery
// and execution, the OAuth authorize/callback/disconnect endpoints, and
// operational views of the pool, metrics, audit log and event stream.
//
// Callers are identified by the X-Toolbridge-Owner header, which the
// front end sets to "kind:id" (for example "user:alice"). The header is
// trusted; this server must not be exposed directly to end users.
//
// The pool, metrics and event stream views span every owner and are
// served only to the system owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/oauth"
	"github.com/nugget/toolbridge/internal/pool"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// OwnerHeader carries the caller identity.
const OwnerHeader = "X-Toolbridge-Owner"

// Tools is the tool facade served under /v1/servers.
type Tools interface {
	DiscoverTools(ctx context.Context, caller toolserver.Owner, configID string, opts ...registry.DiscoverOption) ([]registry.ToolSchema, error)
	CallTool(ctx context.Context, call registry.Call) registry.Result
	RemoveConfiguration(ctx context.Context, configID string)
	GetToolSchema(name string) (*registry.ToolSchema, bool)
}

// Configurations looks up stored configurations.
type Configurations interface {
	Get(ctx context.Context, id string) (*toolserver.Configuration, error)
}

// OAuth is the credential lifecycle served under /oauth.
type OAuth interface {
	Authorize(ctx context.Context, caller toolserver.Owner, configID, redirect string) (string, error)
	Callback(ctx context.Context, state, code, providerError string) (*oauth.CallbackResult, error)
	Disconnect(ctx context.Context, caller toolserver.Owner, configID string) error
}

// AuditLog is the read side of the audit store.
type AuditLog interface {
	List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error)
}

// PoolStatus reports pooled network connections.
type PoolStatus interface {
	Status() pool.Status
}

// ProcessStatus reports bridged stdio processes.
type ProcessStatus interface {
	Handles() []bridge.HandleInfo
	Count() int
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	tools   Tools
	logger  *slog.Logger
	server  *http.Server

	configs   Configurations
	oauth     OAuth
	auditLog  AuditLog
	metrics   *audit.Metrics
	pool      PoolStatus
	processes ProcessStatus
	bus       *events.Bus
}

// NewServer creates a new API server.
func NewServer(address string, port int, tools Tools, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		tools:   tools,
		logger:  logger,
	}
}

// SetConfigurations enables POST /v1/servers/{id}/invalidate.
func (s *Server) SetConfigurations(c Configurations) {
	s.configs = c
}

// SetOAuth enables the /oauth endpoints.
func (s *Server) SetOAuth(o OAuth) {
	s.oauth = o
}

// SetAuditLog enables GET /v1/audit.
func (s *Server) SetAuditLog(a AuditLog) {
	s.auditLog = a
}

// SetMetrics enables GET /v1/metrics.
func (s *Server) SetMetrics(m *audit.Metrics) {
	s.metrics = m
}

// SetPool enables GET /v1/pool.
func (s *Server) SetPool(p PoolStatus, procs ProcessStatus) {
	s.pool = p
	s.processes = procs
}

// SetEventBus enables GET /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Tool facade
	mux.HandleFunc("GET /v1/servers/{id}/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/servers/{id}/tools/{name}", s.handleCallTool)
	mux.HandleFunc("POST /v1/tools/{name}", s.handleCallTool)
	mux.HandleFunc("GET /v1/tools/{name}/schema", s.handleToolSchema)
	mux.HandleFunc("POST /v1/servers/{id}/invalidate", s.handleInvalidate)

	// OAuth
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("POST /oauth/disconnect", s.handleDisconnect)

	// Operations
	mux.HandleFunc("GET /v1/pool", s.handlePool)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// owner extracts the caller identity, answering 401 when it is absent
// or malformed.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (toolserver.Owner, bool) {
	h := r.Header.Get(OwnerHeader)
	if h == "" {
		s.errorResponse(w, http.StatusUnauthorized, OwnerHeader+" header required")
		return toolserver.Owner{}, false
	}
	o, err := toolserver.ParseOwner(h)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid "+OwnerHeader+" header")
		return toolserver.Owner{}, false
	}
	return o, true
}

// operator is like owner but admits only the system owner. Other callers
// get 403.
func (s *Server) operator(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := s.owner(w, r)
	if !ok {
		return false
	}
	if !caller.IsSystem() {
		s.errorResponse(w, http.StatusForbidden, "operator access required")
		return false
	}
	return true
}

// failure writes err with the status its kind maps to. Only short,
// user-facing reasons are rendered; the rest is logged.
func (s *Server) failure(w http.ResponseWriter, err error) {
	var ce *toolserver.ConfigurationError
	var denied *oauth.DeniedError
	switch {
	case errors.Is(err, toolserver.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "tool server not found")
	case errors.As(err, &ce):
		s.errorResponse(w, http.StatusUnprocessableEntity, ce.Reason)
	case errors.Is(err, oauth.ErrInvalidState):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &denied):
		s.errorResponse(w, http.StatusForbidden, denied.Reason)
	case errors.Is(err, oauth.ErrTokenExchange):
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
