package registry

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/mcp/mcptest"
	"github.com/nugget/toolbridge/internal/pool"
	"github.com/nugget/toolbridge/internal/toolserver"
)

type fakeConfigs struct {
	mu      sync.Mutex
	configs map[string]*toolserver.Configuration

	// afterGet runs after every lookup, outside the lock.
	afterGet func()
}

func (f *fakeConfigs) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, id)
}

func (f *fakeConfigs) add(cfgs ...*toolserver.Configuration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cfgs {
		f.configs[c.ID] = c
	}
}

func (f *fakeConfigs) GetForOwner(_ context.Context, owner toolserver.Owner, id string) (*toolserver.Configuration, error) {
	if f.afterGet != nil {
		defer f.afterGet()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[id]
	if !ok || !cfg.AccessibleBy(owner) {
		return nil, toolserver.ErrNotFound
	}
	c := *cfg
	return &c, nil
}

// memRecorder keeps audit entries in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRecorder) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type harness struct {
	reg     *Registry
	configs *fakeConfigs
	srv     *mcptest.Server
	rec     *memRecorder
	bus     *events.Bus
	pool    *pool.Pool
	bridge  *bridge.Manager

	connects atomic.Int64
	spawns   atomic.Int64
	failNext atomic.Bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		configs: &fakeConfigs{configs: make(map[string]*toolserver.Configuration)},
		srv:     mcptest.NewServer(),
		rec:     &memRecorder{},
		bus:     events.New(),
	}
	h.srv.AddTool(mcp.ToolDefinition{
		Name:        "echo",
		Description: "Echo the arguments",
		InputSchema: map[string]any{"type": "object"},
	}, mcptest.Echo())
	h.srv.AddTool(mcp.ToolDefinition{Name: "fail"}, func(context.Context, map[string]any) (*mcp.CallResult, error) {
		return &mcp.CallResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "quota exceeded"}}}, nil
	})

	h.pool = pool.New(nil, pool.WithConnector(func(*toolserver.Configuration) (mcp.Connection, error) {
		h.connects.Add(1)
		if h.failNext.CompareAndSwap(true, false) {
			return nil, &mcp.ConnectionError{Op: "connect", Err: errors.New("connection refused")}
		}
		return h.srv.Conn(), nil
	}))
	t.Cleanup(h.pool.Close)

	h.bridge = bridge.NewManager(h.configs, nil, bridge.WithSpawn(
		func(ctx context.Context, _ *toolserver.Configuration, _ *slog.Logger) (mcp.Connection, error) {
			h.spawns.Add(1)
			conn := h.srv.Conn()
			if err := conn.Connect(ctx); err != nil {
				return nil, err
			}
			return conn, nil
		}))
	t.Cleanup(h.bridge.Shutdown)

	base := []Option{WithRecorder(h.rec), WithEventBus(h.bus)}
	h.reg = New(h.configs, h.bridge, h.pool, nil, append(base, opts...)...)
	return h
}

func httpConfig(id string, owner toolserver.Owner) *toolserver.Configuration {
	return &toolserver.Configuration{
		ID:        id,
		Owner:     owner,
		Transport: toolserver.TransportHTTP,
		Settings:  toolserver.Settings{URL: "https://tools.example.com/" + id},
		Enabled:   true,
		AuthKind:  toolserver.AuthNone,
	}
}

func stdioConfig(id string, owner toolserver.Owner) *toolserver.Configuration {
	return &toolserver.Configuration{
		ID:        id,
		Owner:     owner,
		Transport: toolserver.TransportStdio,
		Settings:  toolserver.Settings{Command: "npx", Args: []string{"-y", "some-server"}},
		Enabled:   true,
		AuthKind:  toolserver.AuthNone,
	}
}

var alice = toolserver.UserOwner("alice")

func TestDiscoverTools_CachesSchemas(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	ctx := context.Background()

	tools, err := h.reg.DiscoverTools(ctx, alice, "c1")
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "echo" || tools[0].ConfigurationID != "c1" || tools[0].Description != "Echo the arguments" {
		t.Errorf("tools[0] = %+v", tools[0])
	}

	if _, err := h.reg.DiscoverTools(ctx, alice, "c1"); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if got := h.srv.ListCalls(); got != 1 {
		t.Errorf("tools/list calls = %d, want 1 (second call cached)", got)
	}

	if _, err := h.reg.DiscoverTools(ctx, alice, "c1", WithForceRefresh()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if got := h.srv.ListCalls(); got != 2 {
		t.Errorf("tools/list calls = %d, want 2 after forced refresh", got)
	}

	entries := h.rec.all()
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2 (cache hits are not audited)", len(entries))
	}
	for _, e := range entries {
		if e.Action != audit.ActionDiscover || e.Status != audit.StatusSuccess {
			t.Errorf("entry = %s/%s, want discover/success", e.Action, e.Status)
		}
	}
}

func TestDiscoverTools_ReturnedSliceIsACopy(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))

	tools, _ := h.reg.DiscoverTools(context.Background(), alice, "c1")
	tools[0].Name = "mutated"

	again, _ := h.reg.DiscoverTools(context.Background(), alice, "c1")
	if again[0].Name != "echo" {
		t.Errorf("cache was mutated through the returned slice: %q", again[0].Name)
	}
}

func TestDiscoverTools_ExpiresAfterTTL(t *testing.T) {
	h := newHarness(t, WithCacheTTL(time.Minute))
	h.configs.add(httpConfig("c1", alice))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return now }

	h.reg.DiscoverTools(context.Background(), alice, "c1")
	now = now.Add(59 * time.Second)
	h.reg.DiscoverTools(context.Background(), alice, "c1")
	if got := h.srv.ListCalls(); got != 1 {
		t.Fatalf("tools/list calls = %d, want 1 inside the TTL", got)
	}

	now = now.Add(2 * time.Second)
	if _, ok := h.reg.GetToolSchema("echo"); ok {
		t.Error("GetToolSchema returned an expired schema")
	}
	h.reg.DiscoverTools(context.Background(), alice, "c1")
	if got := h.srv.ListCalls(); got != 2 {
		t.Errorf("tools/list calls = %d, want 2 after expiry", got)
	}
}

func TestDiscoverTools_ConcurrentMissesCoalesce(t *testing.T) {
	h := newHarness(t)
	h.srv.Delay = 50 * time.Millisecond
	h.configs.add(httpConfig("c1", alice))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := h.reg.DiscoverTools(context.Background(), alice, "c1")
			if err != nil || len(tools) != 2 {
				t.Errorf("DiscoverTools = %d tools, %v", len(tools), err)
			}
		}()
	}
	wg.Wait()

	if got := h.srv.ListCalls(); got != 1 {
		t.Errorf("tools/list calls = %d, want 1", got)
	}
	if got := h.connects.Load(); got != 1 {
		t.Errorf("connections opened = %d, want 1", got)
	}
}

func TestDiscoverTools_RecordsMetric(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	ctx := context.Background()

	h.failNext.Store(true)
	if _, err := h.reg.DiscoverTools(ctx, alice, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.DiscoverTools(ctx, alice, "c1"); err != nil {
		t.Fatal(err)
	}
	// served from cache, no sample
	if _, err := h.reg.DiscoverTools(ctx, alice, "c1"); err != nil {
		t.Fatal(err)
	}

	st := h.reg.Metrics().Stats("c1", DiscoveryMetric)
	if st.Count != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Errorf("discovery stats = %+v, want one success and one failure", st)
	}
	if got := h.reg.Metrics().Stats("c1", "echo").Count; got != 0 {
		t.Errorf("echo samples = %d, want 0", got)
	}
}

func TestDiscoverTools_FailureIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	h.failNext.Store(true)
	sub := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(sub)

	tools, err := h.reg.DiscoverTools(context.Background(), alice, "c1")
	if err != nil {
		t.Fatalf("DiscoverTools error = %v, want nil", err)
	}
	if tools == nil || len(tools) != 0 {
		t.Errorf("tools = %#v, want empty non-nil list", tools)
	}

	found := false
	for !found {
		select {
		case ev := <-sub:
			found = ev.Source == events.SourceDiscovery && ev.Kind == events.KindDiscoveryFailed
		case <-time.After(time.Second):
			t.Fatal("no discovery_failed event")
		}
	}

	entries := h.rec.all()
	if len(entries) != 1 || entries[0].Status != audit.StatusFailure || entries[0].Error == "" {
		t.Errorf("audit entries = %+v, want one failure with an error", entries)
	}

	// Nothing was cached, so the next call tries again.
	tools, _ = h.reg.DiscoverTools(context.Background(), alice, "c1")
	if len(tools) != 2 {
		t.Errorf("retry returned %d tools, want 2", len(tools))
	}
}

func TestDiscoverTools_ConfigurationErrors(t *testing.T) {
	h := newHarness(t)
	disabled := httpConfig("off", alice)
	disabled.Enabled = false
	unauthorized := httpConfig("oauth", alice)
	unauthorized.AuthKind = toolserver.AuthOAuth
	h.configs.add(httpConfig("bobs", toolserver.UserOwner("bob")), disabled, unauthorized)

	tests := []struct {
		name   string
		id     string
		check  func(error) bool
		reason string
	}{
		{"missing", "nope", func(err error) bool { return errors.Is(err, toolserver.ErrNotFound) }, ""},
		{"forbidden", "bobs", func(err error) bool { return errors.Is(err, toolserver.ErrNotFound) }, ""},
		{"disabled", "off", toolserver.IsConfigurationError, "tool server is disabled"},
		{"oauth without token", "oauth", toolserver.IsConfigurationError, "OAuth authorization required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.reg.DiscoverTools(context.Background(), alice, tt.id)
			if err == nil || !tt.check(err) {
				t.Fatalf("err = %v", err)
			}
			if tt.reason != "" && !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("err = %q, want it to mention %q", err, tt.reason)
			}
		})
	}

	if got := h.connects.Load(); got != 0 {
		t.Errorf("connections opened = %d, want 0", got)
	}
}

func TestDiscoverTools_StdioUsesBridgePerCaller(t *testing.T) {
	h := newHarness(t)
	h.configs.add(stdioConfig("local", toolserver.SystemOwner()))
	ctx := context.Background()

	if tools, err := h.reg.DiscoverTools(ctx, alice, "local"); err != nil || len(tools) != 2 {
		t.Fatalf("DiscoverTools = %d tools, %v", len(tools), err)
	}
	res := h.reg.CallTool(ctx, Call{Caller: toolserver.UserOwner("bob"), ConfigurationID: "local", ToolName: "echo"})
	if !res.Success {
		t.Fatalf("CallTool: %+v", res)
	}

	if got := h.spawns.Load(); got != 2 {
		t.Errorf("spawns = %d, want 2 (one per caller)", got)
	}
	if got := h.connects.Load(); got != 0 {
		t.Errorf("pooled connections = %d, want 0 for stdio", got)
	}
}

func TestCallTool_StdioScopedByBridge(t *testing.T) {
	h := newHarness(t)
	h.configs.add(stdioConfig("local", alice))

	// The configuration disappears right after the registry's lookup.
	// The bridge looks it up again for the caller and must not spawn.
	var once sync.Once
	h.configs.afterGet = func() { once.Do(func() { h.configs.remove("local") }) }

	res := h.reg.CallTool(context.Background(), Call{Caller: alice, ConfigurationID: "local", ToolName: "echo"})
	if res.Success || res.Error != "tool server not found" {
		t.Errorf("result = %+v, want tool server not found", res)
	}
	if got := h.spawns.Load(); got != 0 {
		t.Errorf("spawns = %d, want 0", got)
	}
	if entries := h.rec.all(); len(entries) != 1 || entries[0].Status != audit.StatusFailure {
		t.Errorf("audit entries = %+v, want one failure", entries)
	}
}

func TestGetToolSchema(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))

	if _, ok := h.reg.GetToolSchema("echo"); ok {
		t.Fatal("schema found before discovery")
	}
	h.reg.DiscoverTools(context.Background(), alice, "c1")

	s, ok := h.reg.GetToolSchema("echo")
	if !ok || s.ConfigurationID != "c1" || s.InputSchema["type"] != "object" {
		t.Errorf("GetToolSchema(echo) = %+v, %v", s, ok)
	}
	if _, ok := h.reg.GetToolSchema("c1/fail"); !ok {
		t.Error("qualified name not found")
	}
	if _, ok := h.reg.GetToolSchema("c2/echo"); ok {
		t.Error("qualified name with the wrong configuration found")
	}
	if _, ok := h.reg.GetToolSchema("nope"); ok {
		t.Error("unknown tool found")
	}
	if got := h.srv.ListCalls(); got != 1 {
		t.Errorf("tools/list calls = %d, GetToolSchema must not discover", got)
	}

	h.reg.UnregisterServerTools("c1")
	if _, ok := h.reg.GetToolSchema("echo"); ok {
		t.Error("schema found after UnregisterServerTools")
	}
}

func TestCallTool_Success(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))

	res := h.reg.CallTool(context.Background(), Call{
		Caller:          alice,
		ConfigurationID: "c1",
		ToolName:        "echo",
		Arguments:       map[string]any{"q": "hi"},
		AssistantID:     "asst-1",
		RequestID:       "req-9",
	})
	if !res.Success || res.Status != audit.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != `{"q":"hi"}` {
		t.Errorf("Content = %q", res.Content)
	}
	if res.ConfigurationID != "c1" {
		t.Errorf("ConfigurationID = %q", res.ConfigurationID)
	}

	entries := h.rec.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != audit.ActionExecute || e.ToolName != "echo" || e.Owner != alice {
		t.Errorf("entry = %+v", e)
	}
	if e.AssistantID != "asst-1" || e.RequestID != "req-9" {
		t.Errorf("caller context = %q/%q", e.AssistantID, e.RequestID)
	}
	if string(e.Request) != `{"q":"hi"}` || e.Response != `{"q":"hi"}` {
		t.Errorf("payloads = %s / %s", e.Request, e.Response)
	}

	if st := h.reg.Metrics().Stats("c1", "echo"); st.Count != 1 || st.Successes != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCallTool_OneAuditEntryPerOutcome(t *testing.T) {
	h := newHarness(t)
	disabled := httpConfig("off", alice)
	disabled.Enabled = false
	h.configs.add(httpConfig("c1", alice), disabled)

	tests := []struct {
		name       string
		call       Call
		wantStatus audit.Status
		wantError  string
	}{
		{
			name:       "tool error",
			call:       Call{ConfigurationID: "c1", ToolName: "fail"},
			wantStatus: audit.StatusFailure,
			wantError:  "quota exceeded",
		},
		{
			name:       "unknown tool",
			call:       Call{ConfigurationID: "c1", ToolName: "missing"},
			wantStatus: audit.StatusFailure,
			wantError:  `unknown tool "missing"`,
		},
		{
			name:       "missing configuration",
			call:       Call{ConfigurationID: "nope", ToolName: "echo"},
			wantStatus: audit.StatusFailure,
			wantError:  "tool server not found",
		},
		{
			name:       "disabled",
			call:       Call{ConfigurationID: "off", ToolName: "echo"},
			wantStatus: audit.StatusFailure,
			wantError:  "tool server is disabled",
		},
		{
			name:       "no tool name",
			call:       Call{ConfigurationID: "c1"},
			wantStatus: audit.StatusFailure,
			wantError:  "tool name is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.rec.all())
			tt.call.Caller = alice
			res := h.reg.CallTool(context.Background(), tt.call)
			if res.Success {
				t.Fatalf("call succeeded: %+v", res)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", res.Status, tt.wantStatus)
			}
			if res.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", res.Error, tt.wantError)
			}

			entries := h.rec.all()
			if len(entries) != before+1 {
				t.Fatalf("audit entries grew by %d, want 1", len(entries)-before)
			}
			if e := entries[len(entries)-1]; e.Status != tt.wantStatus || e.Error == "" {
				t.Errorf("entry = %s %q", e.Status, e.Error)
			}
		})
	}
}

func TestCallTool_Timeout(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	h.srv.Delay = time.Second

	res := h.reg.CallTool(context.Background(), Call{
		Caller:          alice,
		ConfigurationID: "c1",
		ToolName:        "echo",
		Timeout:         30 * time.Millisecond,
	})
	if res.Status != audit.StatusTimeout {
		t.Fatalf("Status = %s, want timeout", res.Status)
	}
	if res.Error != "tool execution timed out" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Latency >= time.Second {
		t.Errorf("Latency = %v, the deadline was not applied", res.Latency)
	}

	entries := h.rec.all()
	if len(entries) != 1 || entries[0].Status != audit.StatusTimeout {
		t.Errorf("audit = %+v, want one timeout entry", entries)
	}
	if st := h.reg.Metrics().Stats("c1", "echo"); st.Timeouts != 1 || st.Failures != 0 {
		t.Errorf("stats = %+v, want one timeout", st)
	}
}

func TestCallTool_ResolvesConfigurationByToolName(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	ctx := context.Background()

	res := h.reg.CallTool(ctx, Call{Caller: alice, ToolName: "echo"})
	if res.Success || res.Error != `tool "echo" is not available` {
		t.Fatalf("before discovery: %+v", res)
	}

	h.reg.DiscoverTools(ctx, alice, "c1")
	res = h.reg.CallTool(ctx, Call{Caller: alice, ToolName: "echo"})
	if !res.Success || res.ConfigurationID != "c1" {
		t.Fatalf("after discovery: %+v", res)
	}

	// Another caller cannot reach alice's server through the index.
	res = h.reg.CallTool(ctx, Call{Caller: toolserver.UserOwner("bob"), ToolName: "echo"})
	if res.Success {
		t.Fatalf("bob reached alice's tool: %+v", res)
	}
}

func TestCallTool_AmbiguousToolName(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice), httpConfig("c2", toolserver.SystemOwner()))
	ctx := context.Background()
	h.reg.DiscoverTools(ctx, alice, "c1")
	h.reg.DiscoverTools(ctx, alice, "c2")

	res := h.reg.CallTool(ctx, Call{Caller: alice, ToolName: "echo"})
	if res.Success || !strings.Contains(res.Error, "c1, c2") {
		t.Fatalf("result = %+v, want an ambiguity error naming both servers", res)
	}

	res = h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c2", ToolName: "echo"})
	if !res.Success {
		t.Errorf("explicit configuration: %+v", res)
	}
}

func TestCallTool_BrokenConnectionIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	ctx := context.Background()

	var conns []*mcptest.Conn
	var mu sync.Mutex
	h.pool = pool.New(nil, pool.WithConnector(func(*toolserver.Configuration) (mcp.Connection, error) {
		c := h.srv.Conn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}))
	t.Cleanup(h.pool.Close)
	h.reg.pool = h.pool

	if res := h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c1", ToolName: "echo"}); !res.Success {
		t.Fatalf("first call: %+v", res)
	}

	// The server goes away underneath the pool.
	mu.Lock()
	conns[0].Disconnect()
	mu.Unlock()

	res := h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c1", ToolName: "echo"})
	if res.Success || res.Error != "tool server unavailable" {
		t.Fatalf("call on a dead connection: %+v", res)
	}
	if got := h.pool.Status().Total; got != 0 {
		t.Errorf("pool entries = %d, want the broken one evicted", got)
	}

	if res := h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c1", ToolName: "echo"}); !res.Success {
		t.Fatalf("call after reconnect: %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(conns) != 2 {
		t.Errorf("connections = %d, want 2", len(conns))
	}
}

func TestCallTool_PublishesEvents(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))
	sub := h.bus.Subscribe(16)
	defer h.bus.Unsubscribe(sub)

	h.reg.CallTool(context.Background(), Call{Caller: alice, ConfigurationID: "c1", ToolName: "echo"})

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-sub:
			if ev.Source == events.SourceExecution {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("execution events = %v, want tool_call and tool_done", kinds)
		}
	}
	if kinds[0] != events.KindToolCall || kinds[1] != events.KindToolDone {
		t.Errorf("execution events = %v", kinds)
	}
}

func TestCallTool_RecordsToAuditStore(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	h := newHarness(t, WithRecorder(store))
	h.configs.add(httpConfig("c1", alice))
	ctx := context.Background()

	h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c1", ToolName: "echo"})
	h.reg.CallTool(ctx, Call{Caller: alice, ConfigurationID: "c1", ToolName: "fail"})

	n, err := store.Count(ctx, audit.Filter{ConfigurationID: "c1", Action: audit.ActionExecute})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("stored entries = %d, want 2", n)
	}
	failed, err := store.List(ctx, audit.Filter{Status: audit.StatusFailure})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 || failed[0].ToolName != "fail" {
		t.Errorf("failed entries = %+v", failed)
	}
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("c1", alice))

	if err := h.reg.TestConnection(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	h.srv.NoPing = true
	if err := h.reg.TestConnection(context.Background(), alice, "c1"); err != nil {
		t.Fatalf("TestConnection without ping support: %v", err)
	}

	if err := h.reg.TestConnection(context.Background(), toolserver.UserOwner("bob"), "c1"); !errors.Is(err, toolserver.ErrNotFound) {
		t.Errorf("TestConnection by another owner = %v, want ErrNotFound", err)
	}
}

func TestRemoveConfiguration(t *testing.T) {
	h := newHarness(t)
	h.configs.add(httpConfig("net", alice), stdioConfig("local", alice))
	ctx := context.Background()

	h.reg.DiscoverTools(ctx, alice, "net")
	h.reg.DiscoverTools(ctx, alice, "local")
	if h.pool.Status().Total != 1 || h.bridge.Count() != 1 {
		t.Fatalf("pool = %d, bridge = %d before removal", h.pool.Status().Total, h.bridge.Count())
	}

	h.reg.RemoveConfiguration(ctx, "net")
	h.reg.RemoveConfiguration(ctx, "local")

	if _, ok := h.reg.GetToolSchema("net/echo"); ok {
		t.Error("schema survived RemoveConfiguration")
	}
	if got := h.pool.Status().Total; got != 0 {
		t.Errorf("pool entries = %d, want 0", got)
	}
	if got := h.bridge.Count(); got != 0 {
		t.Errorf("bridge processes = %d, want 0", got)
	}
}
