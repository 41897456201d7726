package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// maxCallBody caps the request body of a tool call.
const maxCallBody = 1 << 20

// callRequest is the body of POST /v1/servers/{id}/tools/{name}.
type callRequest struct {
	Arguments   map[string]any `json:"arguments,omitempty"`
	AssistantID string         `json:"assistant_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}

	var opts []registry.DiscoverOption
	if r.URL.Query().Get("refresh") == "true" {
		opts = append(opts, registry.WithForceRefresh())
	}

	configID := r.PathValue("id")
	tools, err := s.tools.DiscoverTools(r.Context(), caller, configID, opts...)
	if err != nil {
		s.failure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"configuration_id": configID,
		"tools":            tools,
		"count":            len(tools),
	}, s.logger)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req callRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := s.tools.CallTool(r.Context(), registry.Call{
		Caller:          caller,
		ConfigurationID: r.PathValue("id"),
		ToolName:        r.PathValue("name"),
		Arguments:       req.Arguments,
		AssistantID:     req.AssistantID,
		RequestID:       req.RequestID,
		Timeout:         time.Duration(req.TimeoutMs) * time.Millisecond,
	})

	// The call itself was carried out; a tool failure is reported in
	// the body, a timeout additionally by status.
	code := http.StatusOK
	if res.Status == audit.StatusTimeout {
		code = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, res, s.logger)
}

// handleInvalidate drops cached schemas, pooled connections and stdio
// processes of a configuration. Configuration management calls it after
// an edit, a disable or a delete. The answer is 204 either way, so the
// endpoint reveals nothing about other owners' configurations.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}
	if s.configs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "configuration store not available")
		return
	}

	configID := r.PathValue("id")
	cfg, err := s.configs.Get(r.Context(), configID)
	switch {
	case errors.Is(err, toolserver.ErrNotFound):
		// Deleted: whatever is still live for it must go.
	case err != nil:
		s.failure(w, err)
		return
	case !cfg.AccessibleBy(caller):
		s.logger.Warn("invalidate refused for another owner's configuration",
			"configuration_id", configID,
			"caller", caller.Key(),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.tools.RemoveConfiguration(r.Context(), configID)
	w.WriteHeader(http.StatusNoContent)
}

// handleToolSchema returns the cached schema of a discovered tool. The
// name may be qualified with ?configuration_id= when several servers
// expose it. Only servers the caller can use are answered; anything else
// is 404.
func (s *Server) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}
	if s.configs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "configuration store not available")
		return
	}

	name := r.PathValue("name")
	if id := r.URL.Query().Get("configuration_id"); id != "" {
		name = id + "/" + name
	}
	schema, found := s.tools.GetToolSchema(name)
	if !found {
		s.errorResponse(w, http.StatusNotFound, "tool not discovered")
		return
	}

	cfg, err := s.configs.Get(r.Context(), schema.ConfigurationID)
	switch {
	case errors.Is(err, toolserver.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "tool not discovered")
		return
	case err != nil:
		s.failure(w, err)
		return
	case !cfg.AccessibleBy(caller):
		s.errorResponse(w, http.StatusNotFound, "tool not discovered")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, schema, s.logger)
}
