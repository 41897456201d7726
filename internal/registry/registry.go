// Package registry is the entry point callers use to discover and
// invoke tools on configured tool servers.
//
// It resolves the caller's configuration with an owner-scoped lookup,
// obtains a live connection (a per-caller subprocess from the bridge
// for stdio servers, a pooled connection otherwise), and records one
// audit entry per downstream operation. Discovered tool schemas are
// cached per configuration and indexed by tool name so that a call may
// name only the tool.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/pool"
	"github.com/nugget/toolbridge/internal/toolserver"
)

const (
	// DefaultCacheTTL is how long discovered schemas are served from cache.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCallTimeout bounds one tools/call.
	DefaultCallTimeout = 60 * time.Second

	// DefaultDiscoveryTimeout bounds one tools/list.
	DefaultDiscoveryTimeout = 30 * time.Second

	// pingTimeout bounds TestConnection.
	pingTimeout = 15 * time.Second
)

// ConfigSource resolves configurations on behalf of a caller.
type ConfigSource interface {
	GetForOwner(ctx context.Context, owner toolserver.Owner, id string) (*toolserver.Configuration, error)
}

// ToolSchema describes one tool of a configuration.
type ToolSchema struct {
	ConfigurationID string         `json:"configuration_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	InputSchema     map[string]any `json:"input_schema,omitempty"`
}

type cacheEntry struct {
	tools   []ToolSchema
	expires time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithCacheTTL sets how long discovered schemas are cached.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithCallTimeout sets the default per-call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithDiscoveryTimeout sets the deadline of a downstream tools/list.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.discoveryTimeout = d
		}
	}
}

// WithRecorder sets where audit entries go.
func WithRecorder(rec audit.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithMetrics sets where execution samples go.
func WithMetrics(m *audit.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEventBus publishes discovery and execution events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// Registry is the tool facade. It holds no lock across downstream
// calls; only the schema cache and the name index are shared state.
type Registry struct {
	configs ConfigSource
	bridge  *bridge.Manager
	pool    *pool.Pool
	logger  *slog.Logger

	recorder audit.Recorder
	metrics  *audit.Metrics
	bus      *events.Bus

	cacheTTL         time.Duration
	callTimeout      time.Duration
	discoveryTimeout time.Duration
	now              func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry        // configuration ID -> schemas
	index map[string]map[string]string // tool name -> configuration IDs
}

// New creates a Registry. bridge serves stdio configurations and pool
// every other transport.
func New(configs ConfigSource, br *bridge.Manager, p *pool.Pool, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		configs:          configs,
		bridge:           br,
		pool:             p,
		logger:           logger,
		cacheTTL:         DefaultCacheTTL,
		callTimeout:      DefaultCallTimeout,
		discoveryTimeout: DefaultDiscoveryTimeout,
		now:              time.Now,
		cache:            make(map[string]cacheEntry),
		index:            make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = audit.NewMetrics(0, 0)
	}
	return r
}

// Metrics returns the discovery and execution metrics.
func (r *Registry) Metrics() *audit.Metrics {
	return r.metrics
}

// resolve loads configID for caller and checks it can be used.
func (r *Registry) resolve(ctx context.Context, caller toolserver.Owner, configID string) (*toolserver.Configuration, error) {
	cfg, err := r.configs.GetForOwner(ctx, caller, configID)
	if err != nil {
		if errors.Is(err, toolserver.ErrNotFound) {
			r.logger.Warn("tool server not found for caller",
				"configuration_id", configID,
				"owner", caller.Key(),
			)
		}
		return nil, err
	}
	if !cfg.Enabled {
		return nil, toolserver.ErrDisabled(cfg.ID)
	}
	if cfg.AuthKind == toolserver.AuthOAuth && cfg.Credentials.AccessToken == "" {
		return nil, toolserver.NewConfigurationError(cfg.ID, "OAuth authorization required")
	}
	return cfg, nil
}

// pooled runs fn on a pooled client for cfg. A transport failure evicts
// the connection so the next use reconnects. Stdio servers never come
// here; the bridge operations serve them.
func (r *Registry) pooled(ctx context.Context, cfg *toolserver.Configuration, fn func(*mcp.Client) error) error {
	lease, err := r.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(lease.Client())
	if mcp.IsConnectionError(err) {
		r.pool.ReleaseConnection(cfg.ID)
	}
	return err
}

// GetToolSchema returns a cached schema. name is either a bare tool
// name or "configurationID/tool". Unknown and expired tools report
// false.
func (r *Registry) GetToolSchema(name string) (*ToolSchema, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	tool := name
	if configID, t, ok := strings.Cut(name, "/"); ok {
		candidates, tool = []string{configID}, t
	} else {
		for id := range r.index[name] {
			candidates = append(candidates, id)
		}
		sort.Strings(candidates)
	}

	for _, id := range candidates {
		entry, ok := r.cache[id]
		if !ok || !now.Before(entry.expires) {
			continue
		}
		for i := range entry.tools {
			if entry.tools[i].Name == tool {
				ts := entry.tools[i]
				return &ts, true
			}
		}
	}
	return nil, false
}

// UnregisterServerTools drops the cached schemas of configID.
func (r *Registry) UnregisterServerTools(configID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindexLocked(configID)
	delete(r.cache, configID)
}

// store caches tools for configID and reindexes them.
func (r *Registry) store(configID string, tools []ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unindexLocked(configID)
	r.cache[configID] = cacheEntry{tools: tools, expires: r.now().Add(r.cacheTTL)}
	for _, t := range tools {
		ids, ok := r.index[t.Name]
		if !ok {
			ids = make(map[string]string)
			r.index[t.Name] = ids
		}
		ids[configID] = configID
	}
}

func (r *Registry) unindexLocked(configID string) {
	entry, ok := r.cache[configID]
	if !ok {
		return
	}
	for _, t := range entry.tools {
		if ids, ok := r.index[t.Name]; ok {
			delete(ids, configID)
			if len(ids) == 0 {
				delete(r.index, t.Name)
			}
		}
	}
}

// cached returns a copy of the unexpired schemas of configID.
func (r *Registry) cached(configID string) ([]ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[configID]
	if !ok || !r.now().Before(entry.expires) {
		return nil, false
	}
	return append([]ToolSchema(nil), entry.tools...), true
}

// providers lists the configurations whose cached tools include name.
func (r *Registry) providers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.index[name]))
	for id := range r.index[name] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TestConnection checks that the tool server of configID answers on
// behalf of caller.
func (r *Registry) TestConnection(ctx context.Context, caller toolserver.Owner, configID string) error {
	cfg, err := r.resolve(ctx, caller, configID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if cfg.Transport == toolserver.TransportStdio {
		err = r.bridge.Ping(ctx, caller, cfg.ID)
	} else {
		err = r.pooled(ctx, cfg, func(c *mcp.Client) error { return c.Ping(ctx) })
	}
	if err != nil {
		r.logger.Warn("tool server connection test failed",
			"configuration_id", configID,
			"error", err,
		)
		return err
	}
	r.logger.Info("tool server connection test passed", "configuration_id", configID)
	return nil
}

// RemoveConfiguration forgets everything live about configID: cached
// schemas, the pooled connection and every subprocess. It is called
// when a configuration is deleted, disabled or its credentials change.
func (r *Registry) RemoveConfiguration(ctx context.Context, configID string) {
	r.UnregisterServerTools(configID)
	pooled := r.pool.ReleaseConnection(configID)
	procs := r.bridge.Release(configID)
	r.logger.InfoContext(ctx, "tool server state released",
		"configuration_id", configID,
		"pooled_connection", pooled,
		"processes", procs,
	)
}
