package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/events"
)

// eventKeepalive is how often an idle event stream gets a comment line
// so proxies do not time it out.
const eventKeepalive = 30 * time.Second

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "pool not configured")
		return
	}
	if !s.operator(w, r) {
		return
	}
	procs := []bridge.HandleInfo{}
	count := 0
	if s.processes != nil {
		procs = s.processes.Handles()
		count = s.processes.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"pool":          s.pool.Status(),
		"processes":     procs,
		"process_count": count,
	}, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	if !s.operator(w, r) {
		return
	}
	q := r.URL.Query()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.metrics.Stats(q.Get("configuration_id"), q.Get("tool")), s.logger)
}

// handleAudit lists the caller's own audit entries, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Owner:           &caller,
		ConfigurationID: q.Get("configuration_id"),
		ToolName:        q.Get("tool"),
		Action:          audit.Action(q.Get("action")),
		Status:          audit.Status(q.Get("status")),
		Limit:           parseIntParam(r, "limit", 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}

	entries, err := s.auditLog.List(r.Context(), f)
	if err != nil {
		s.failure(w, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	}, s.logger)
}

// handleEvents streams bus events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	if !s.operator(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	ticker := time.NewTicker(eventKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(w, e); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal event", "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
	return err
}
