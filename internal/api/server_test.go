package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/oauth"
	"github.com/nugget/toolbridge/internal/pool"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"
)

type fakeTools struct {
	mu       sync.Mutex
	tools    []registry.ToolSchema
	err      error
	forced   bool
	lastCall registry.Call
	result   registry.Result
	removed  []string
}

func (f *fakeTools) DiscoverTools(_ context.Context, caller toolserver.Owner, configID string, opts ...registry.DiscoverOption) ([]registry.ToolSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = len(opts) > 0
	if f.err != nil {
		return nil, f.err
	}
	return f.tools, nil
}

func (f *fakeTools) RemoveConfiguration(_ context.Context, configID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, configID)
}

func (f *fakeTools) GetToolSchema(name string) (*registry.ToolSchema, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	configID, tool, qualified := strings.Cut(name, "/")
	if !qualified {
		configID, tool = "", name
	}
	for i := range f.tools {
		ts := f.tools[i]
		if ts.Name == tool && (configID == "" || ts.ConfigurationID == configID) {
			return &ts, true
		}
	}
	return nil, false
}

type fakeConfigs map[string]*toolserver.Configuration

func (f fakeConfigs) Get(_ context.Context, id string) (*toolserver.Configuration, error) {
	if id == "broken" {
		return nil, errors.New("database is locked")
	}
	cfg, ok := f[id]
	if !ok {
		return nil, toolserver.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeTools) CallTool(_ context.Context, call registry.Call) registry.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = call
	return f.result
}

type fakeOAuth struct {
	authURL      string
	authErr      error
	authRedirect string
	result       *oauth.CallbackResult
	callbackErr  error
	disconnected string
	disconnErr   error
}

func (f *fakeOAuth) Authorize(_ context.Context, _ toolserver.Owner, _, redirect string) (string, error) {
	f.authRedirect = redirect
	return f.authURL, f.authErr
}

func (f *fakeOAuth) Callback(_ context.Context, _, _, _ string) (*oauth.CallbackResult, error) {
	return f.result, f.callbackErr
}

func (f *fakeOAuth) Disconnect(_ context.Context, _ toolserver.Owner, configID string) error {
	f.disconnected = configID
	return f.disconnErr
}

type fakeAudit struct {
	filter audit.Filter
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	f.filter = filter
	return []*audit.Entry{{ID: "e1", Action: audit.ActionExecute, Status: audit.StatusSuccess}}, nil
}

type fakePool struct{}

func (fakePool) Status() pool.Status {
	return pool.Status{Total: 1, ByTransport: map[toolserver.Transport]int{toolserver.TransportHTTP: 1}}
}

type fakeProcs struct{}

func (fakeProcs) Handles() []bridge.HandleInfo {
	return []bridge.HandleInfo{{Key: "user:alice/cfg-2", ConfigurationID: "cfg-2", PID: 42}}
}

func (fakeProcs) Count() int { return 1 }

func newTestServer(tools Tools) *Server {
	return NewServer("127.0.0.1", 0, tools, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, target, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestListTools(t *testing.T) {
	tools := &fakeTools{tools: []registry.ToolSchema{
		{ConfigurationID: "cfg-1", Name: "echo", Description: "Echo"},
	}}
	h := newTestServer(tools).Handler()

	rec := do(t, h, http.MethodGet, "/v1/servers/cfg-1/tools?refresh=true", "user:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	if !tools.forced {
		t.Error("refresh=true did not force discovery")
	}
}

func TestListTools_RequiresOwner(t *testing.T) {
	h := newTestServer(&fakeTools{}).Handler()

	for _, owner := range []string{"", "alice", "robot:alice"} {
		rec := do(t, h, http.MethodGet, "/v1/servers/cfg-1/tools", owner, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("owner %q: status = %d, want 401", owner, rec.Code)
		}
	}
}

func TestListTools_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", toolserver.ErrNotFound, http.StatusNotFound},
		{"configuration", toolserver.NewConfigurationError("cfg-1", "OAuth authorization required"), http.StatusUnprocessableEntity},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeTools{err: tt.err}).Handler()
			rec := do(t, h, http.MethodGet, "/v1/servers/cfg-1/tools", "user:alice", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCallTool(t *testing.T) {
	tools := &fakeTools{result: registry.Result{
		Success: true, Content: "hi", Status: audit.StatusSuccess, ConfigurationID: "cfg-1", LatencyMs: 12,
	}}
	h := newTestServer(tools).Handler()

	rec := do(t, h, http.MethodPost, "/v1/servers/cfg-1/tools/echo", "user:alice",
		`{"arguments":{"text":"hi"},"assistant_id":"asst-1","request_id":"req-9","timeout_ms":2500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	call := tools.lastCall
	if call.ConfigurationID != "cfg-1" || call.ToolName != "echo" {
		t.Errorf("call = %+v", call)
	}
	if call.Caller != toolserver.UserOwner("alice") {
		t.Errorf("caller = %v", call.Caller)
	}
	if call.Arguments["text"] != "hi" || call.AssistantID != "asst-1" || call.RequestID != "req-9" {
		t.Errorf("call fields = %+v", call)
	}
	if call.Timeout != 2500*time.Millisecond {
		t.Errorf("timeout = %v, want 2.5s", call.Timeout)
	}

	body := decode(t, rec)
	if body["success"] != true || body["content"] != "hi" {
		t.Errorf("body = %v", body)
	}
}

func TestCallTool_ByNameOnly(t *testing.T) {
	tools := &fakeTools{result: registry.Result{Status: audit.StatusSuccess, Success: true}}
	h := newTestServer(tools).Handler()

	rec := do(t, h, http.MethodPost, "/v1/tools/echo", "user:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if tools.lastCall.ConfigurationID != "" || tools.lastCall.ToolName != "echo" {
		t.Errorf("call = %+v", tools.lastCall)
	}
}

func TestCallTool_TimeoutStatus(t *testing.T) {
	tools := &fakeTools{result: registry.Result{
		Status: audit.StatusTimeout, Error: "tool execution timed out",
	}}
	h := newTestServer(tools).Handler()

	rec := do(t, h, http.MethodPost, "/v1/servers/cfg-1/tools/slow", "user:alice", "{}")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if decode(t, rec)["error"] != "tool execution timed out" {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestCallTool_BadBody(t *testing.T) {
	h := newTestServer(&fakeTools{}).Handler()
	rec := do(t, h, http.MethodPost, "/v1/servers/cfg-1/tools/echo", "user:alice", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthorize(t *testing.T) {
	o := &fakeOAuth{authURL: "https://provider.example/authorize?state=abc"}
	s := newTestServer(&fakeTools{})
	s.SetOAuth(o)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/oauth/authorize?configuration_id=cfg-1&redirect=/settings/tools", "user:alice", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != o.authURL {
		t.Errorf("Location = %q", loc)
	}
	if o.authRedirect != "/settings/tools" {
		t.Errorf("redirect = %q", o.authRedirect)
	}
}

func TestAuthorize_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"missing configuration", "/oauth/authorize", nil, http.StatusBadRequest},
		{"javascript redirect", "/oauth/authorize?configuration_id=cfg-1&redirect=javascript:alert(1)", nil, http.StatusBadRequest},
		{"relative redirect", "/oauth/authorize?configuration_id=cfg-1&redirect=settings", nil, http.StatusBadRequest},
		{"not found", "/oauth/authorize?configuration_id=cfg-1", toolserver.ErrNotFound, http.StatusNotFound},
		{"incomplete", "/oauth/authorize?configuration_id=cfg-1", toolserver.NewConfigurationError("cfg-1", "OAuth settings incomplete"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeTools{})
			s.SetOAuth(&fakeOAuth{authURL: "https://provider.example/", authErr: tt.err})
			rec := do(t, s.Handler(), http.MethodGet, tt.target, "user:alice", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestOAuth_NotConfigured(t *testing.T) {
	h := newTestServer(&fakeTools{}).Handler()
	rec := do(t, h, http.MethodGet, "/oauth/authorize?configuration_id=cfg-1", "user:alice", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCallback_RedirectsWithStatus(t *testing.T) {
	tests := []struct {
		name        string
		result      *oauth.CallbackResult
		err         error
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "connected",
			result:     &oauth.CallbackResult{ConfigurationID: "cfg-1", Redirect: "https://app.example/done?tab=tools", Connected: true},
			wantStatus: "connected",
		},
		{
			name:        "denied",
			result:      &oauth.CallbackResult{ConfigurationID: "cfg-1", Redirect: "https://app.example/done"},
			err:         &oauth.DeniedError{Code: "access_denied", Reason: "access was denied"},
			wantStatus:  "denied",
			wantMessage: "access was denied",
		},
		{
			name:        "exchange failed",
			result:      &oauth.CallbackResult{ConfigurationID: "cfg-1", Redirect: "https://app.example/done"},
			err:         oauth.ErrTokenExchange,
			wantStatus:  "error",
			wantMessage: "authorization failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeTools{})
			s.SetOAuth(&fakeOAuth{result: tt.result, callbackErr: tt.err})

			rec := do(t, s.Handler(), http.MethodGet, "/oauth/callback?state=abc&code=xyz", "", "")
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			loc, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatal(err)
			}
			q := loc.Query()
			if q.Get("status") != tt.wantStatus {
				t.Errorf("status param = %q, want %q", q.Get("status"), tt.wantStatus)
			}
			if q.Get("message") != tt.wantMessage {
				t.Errorf("message param = %q, want %q", q.Get("message"), tt.wantMessage)
			}
			if q.Get("configuration_id") != "cfg-1" {
				t.Errorf("configuration_id param = %q", q.Get("configuration_id"))
			}
		})
	}
}

func TestCallback_KeepsExistingQuery(t *testing.T) {
	s := newTestServer(&fakeTools{})
	s.SetOAuth(&fakeOAuth{result: &oauth.CallbackResult{
		ConfigurationID: "cfg-1", Redirect: "https://app.example/done?tab=tools", Connected: true,
	}})

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/callback?state=abc&code=xyz", "", "")
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("tab") != "tools" {
		t.Errorf("Location = %q, lost the original query", loc)
	}
}

func TestCallback_InvalidState(t *testing.T) {
	s := newTestServer(&fakeTools{})
	s.SetOAuth(&fakeOAuth{callbackErr: oauth.ErrInvalidState})

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/callback?state=forged&code=xyz", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCallback_JSONWithoutRedirect(t *testing.T) {
	s := newTestServer(&fakeTools{})
	s.SetOAuth(&fakeOAuth{result: &oauth.CallbackResult{ConfigurationID: "cfg-1"}})

	rec := do(t, s.Handler(), http.MethodGet, "/oauth/callback?state=abc&code=xyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "error" {
		t.Errorf("status = %v, want error for a failed connection test", body["status"])
	}
}

func TestDisconnect(t *testing.T) {
	o := &fakeOAuth{}
	s := newTestServer(&fakeTools{})
	s.SetOAuth(o)

	rec := do(t, s.Handler(), http.MethodPost, "/oauth/disconnect?configuration_id=cfg-1", "user:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if o.disconnected != "cfg-1" {
		t.Errorf("disconnected = %q", o.disconnected)
	}

	o.disconnErr = toolserver.ErrNotFound
	rec = do(t, s.Handler(), http.MethodPost, "/oauth/disconnect?configuration_id=cfg-2", "user:bob", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAudit_ScopedToCaller(t *testing.T) {
	a := &fakeAudit{}
	s := newTestServer(&fakeTools{})
	s.SetAuditLog(a)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/audit?configuration_id=cfg-1&limit=5", "user:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if a.filter.Owner == nil || *a.filter.Owner != toolserver.UserOwner("alice") {
		t.Errorf("owner filter = %v", a.filter.Owner)
	}
	if a.filter.ConfigurationID != "cfg-1" || a.filter.Limit != 5 {
		t.Errorf("filter = %+v", a.filter)
	}
	if decode(t, rec)["count"] != float64(1) {
		t.Errorf("body = %s", rec.Body)
	}

	rec = do(t, s.Handler(), http.MethodGet, "/v1/audit?since=yesterday", "user:alice", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", rec.Code)
	}
}

func TestPoolAndMetrics(t *testing.T) {
	m := audit.NewMetrics(0, 0)
	m.Observe("cfg-1", "echo", 20*time.Millisecond, audit.StatusSuccess)
	m.Observe("cfg-1", "echo", 40*time.Millisecond, audit.StatusFailure)

	s := newTestServer(&fakeTools{})
	s.SetPool(fakePool{}, fakeProcs{})
	s.SetMetrics(m)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/pool", "system:ops", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pool status = %d", rec.Code)
	}
	var snapshot struct {
		Pool         map[string]any      `json:"pool"`
		Processes    []bridge.HandleInfo `json:"processes"`
		ProcessCount int                 `json:"process_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Pool["total"] != float64(1) || len(snapshot.Processes) != 1 || snapshot.ProcessCount != 1 {
		t.Errorf("pool = %s", rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/v1/metrics?configuration_id=cfg-1&tool=echo", "system:ops", "")
	var st audit.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Count != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestOperatorRoutes_RequireSystemOwner(t *testing.T) {
	s := newTestServer(&fakeTools{})
	s.SetPool(fakePool{}, fakeProcs{})
	s.SetMetrics(audit.NewMetrics(0, 0))
	s.SetEventBus(events.New())
	h := s.Handler()

	for _, path := range []string{"/v1/pool", "/v1/metrics", "/v1/events"} {
		t.Run(path, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
				t.Errorf("no owner: status = %d, want 401", rec.Code)
			}
			for _, owner := range []string{"user:alice", "tenant:acme"} {
				rec := do(t, h, http.MethodGet, path, owner, "")
				if rec.Code != http.StatusForbidden {
					t.Errorf("%s: status = %d, want 403", owner, rec.Code)
				}
				if strings.Contains(rec.Body.String(), "cfg-2") {
					t.Errorf("%s: body leaks process data: %s", owner, rec.Body)
				}
			}
		})
	}
}

func TestEvents_Stream(t *testing.T) {
	bus := events.New()
	s := newTestServer(&fakeTools{})
	s.SetEventBus(bus)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	req.Header.Set(OwnerHeader, "system:ops")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Emit(events.SourceExecution, events.KindToolDone, map[string]any{"tool_name": "echo"})

	sc := bufio.NewScanner(resp.Body)
	var kind, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			kind = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	if kind != events.KindToolDone {
		t.Errorf("event = %q, want %q", kind, events.KindToolDone)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if e.Data["tool_name"] != "echo" {
		t.Errorf("data = %v", e.Data)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSafeRedirect(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"/settings", true},
		{"https://app.example/x", true},
		{"http://localhost:3000/", true},
		{"settings", false},
		{"javascript:alert(1)", false},
		{"ftp://host/x", false},
		{"https://", false},
	}
	for _, tt := range tests {
		if got := safeRedirect(tt.in); got != tt.want {
			t.Errorf("safeRedirect(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeTools{}).Handler(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "healthy" {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestInvalidate(t *testing.T) {
	tools := &fakeTools{}
	srv := newTestServer(tools)
	srv.SetConfigurations(fakeConfigs{
		"mine":   {ID: "mine", Owner: toolserver.UserOwner("alice")},
		"shared": {ID: "shared", Owner: toolserver.SystemOwner()},
		"theirs": {ID: "theirs", Owner: toolserver.UserOwner("bob")},
	})
	h := srv.Handler()

	tests := []struct {
		id          string
		wantCode    int
		wantRemoved bool
	}{
		{"mine", http.StatusNoContent, true},
		{"shared", http.StatusNoContent, true},
		{"deleted", http.StatusNoContent, true},
		{"theirs", http.StatusNoContent, false},
		{"broken", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			tools.removed = nil
			rec := do(t, h, http.MethodPost, "/v1/servers/"+tt.id+"/invalidate", "user:alice", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if got := len(tools.removed) == 1 && tools.removed[0] == tt.id; got != tt.wantRemoved {
				t.Errorf("removed = %v, want removal %v", tools.removed, tt.wantRemoved)
			}
		})
	}
}

func TestToolSchema(t *testing.T) {
	tools := &fakeTools{tools: []registry.ToolSchema{
		{ConfigurationID: "mine", Name: "echo", InputSchema: map[string]any{"type": "object"}},
		{ConfigurationID: "theirs", Name: "secret"},
		{ConfigurationID: "theirs", Name: "lookup"},
		{ConfigurationID: "shared", Name: "lookup"},
	}}
	srv := newTestServer(tools)
	srv.SetConfigurations(fakeConfigs{
		"mine":   {ID: "mine", Owner: toolserver.UserOwner("alice")},
		"shared": {ID: "shared", Owner: toolserver.SystemOwner()},
		"theirs": {ID: "theirs", Owner: toolserver.UserOwner("bob")},
	})
	h := srv.Handler()

	tests := []struct {
		target     string
		wantCode   int
		wantConfig string
	}{
		{"/v1/tools/echo/schema", http.StatusOK, "mine"},
		{"/v1/tools/lookup/schema?configuration_id=shared", http.StatusOK, "shared"},
		{"/v1/tools/secret/schema", http.StatusNotFound, ""},
		{"/v1/tools/lookup/schema?configuration_id=theirs", http.StatusNotFound, ""},
		{"/v1/tools/missing/schema", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "user:alice", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var got registry.ToolSchema
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.ConfigurationID != tt.wantConfig {
				t.Errorf("configuration_id = %q, want %q", got.ConfigurationID, tt.wantConfig)
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/v1/tools/echo/schema", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no owner: status = %d, want 401", rec.Code)
	}
}

func TestInvalidate_Unavailable(t *testing.T) {
	h := newTestServer(&fakeTools{}).Handler()
	if rec := do(t, h, http.MethodPost, "/v1/servers/mine/invalidate", "user:alice", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/servers/mine/invalidate", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status without owner = %d, want 401", rec.Code)
	}
}
