package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/nugget/toolbridge/internal/oauth"
)

// Callback outcomes passed back to the front end in the status
// parameter.
const (
	callbackConnected = "connected"
	callbackError     = "error"
	callbackDenied    = "denied"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	configID := q.Get("configuration_id")
	if configID == "" {
		s.errorResponse(w, http.StatusBadRequest, "configuration_id required")
		return
	}
	redirect := q.Get("redirect")
	if !safeRedirect(redirect) {
		s.errorResponse(w, http.StatusBadRequest, "invalid redirect")
		return
	}

	authURL, err := s.oauth.Authorize(r.Context(), caller, configID, redirect)
	if err != nil {
		s.failure(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback is where the provider sends the user back. It carries
// no owner header: the state token identifies the flow.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}

	q := r.URL.Query()
	res, err := s.oauth.Callback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if res == nil {
		if err == nil {
			err = oauth.ErrInvalidState
		}
		s.failure(w, err)
		return
	}

	status := callbackConnected
	message := ""
	var denied *oauth.DeniedError
	switch {
	case errors.As(err, &denied):
		status, message = callbackDenied, denied.Reason
	case err != nil:
		status, message = callbackError, "authorization failed"
		s.logger.Warn("oauth callback failed",
			"configuration_id", res.ConfigurationID,
			"error", err,
		)
	case !res.Connected:
		status, message = callbackError, "the tool server rejected the new credentials"
	}

	if res.Redirect == "" {
		code := http.StatusOK
		switch status {
		case callbackDenied:
			code = http.StatusForbidden
		case callbackError:
			if err != nil {
				code = http.StatusBadGateway
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		body := map[string]any{
			"status":           status,
			"configuration_id": res.ConfigurationID,
		}
		if message != "" {
			body["message"] = message
		}
		writeJSON(w, body, s.logger)
		return
	}

	target, _ := url.Parse(res.Redirect)
	tq := target.Query()
	tq.Set("status", status)
	tq.Set("configuration_id", res.ConfigurationID)
	if message != "" {
		tq.Set("message", message)
	}
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}
	caller, ok := s.owner(w, r)
	if !ok {
		return
	}

	configID := r.URL.Query().Get("configuration_id")
	if configID == "" {
		s.errorResponse(w, http.StatusBadRequest, "configuration_id required")
		return
	}
	if err := s.oauth.Disconnect(r.Context(), caller, configID); err != nil {
		s.failure(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":           "disconnected",
		"configuration_id": configID,
	}, s.logger)
}

// safeRedirect accepts an empty redirect, a same-site path, or an
// absolute http(s) URL.
func safeRedirect(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return len(u.Path) > 0 && u.Path[0] == '/'
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
