// Package bridge manages tool servers that run as local subprocesses.
//
// Each (caller, configuration) pair gets its own process: two owners
// sharing a system-wide configuration never share a subprocess, so no
// state can leak between them through the tool server. Processes are
// spawned lazily on first use and live until released.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// spawnTimeout bounds process start plus the initialize handshake. It
// is independent of the caller's context because concurrent callers
// share one spawn.
const spawnTimeout = 30 * time.Second

// ConfigSource resolves configurations on behalf of a caller.
type ConfigSource interface {
	GetForOwner(ctx context.Context, owner toolserver.Owner, id string) (*toolserver.Configuration, error)
}

// SpawnFunc starts the tool server of cfg and returns a connected
// Connection to it.
type SpawnFunc func(ctx context.Context, cfg *toolserver.Configuration, logger *slog.Logger) (mcp.Connection, error)

// SpawnStdio is the default SpawnFunc.
func SpawnStdio(ctx context.Context, cfg *toolserver.Configuration, logger *slog.Logger) (mcp.Connection, error) {
	conn := mcp.NewStdioConnection(mcp.StdioConfig{
		Command: cfg.Settings.Command,
		Args:    cfg.Settings.Args,
		Env:     cfg.Settings.Env,
		Logger:  logger,
	})
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawn replaces how processes are started.
func WithSpawn(fn SpawnFunc) Option {
	return func(m *Manager) { m.spawn = fn }
}

// WithEventBus publishes process lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// HandleInfo describes a live process for status reporting.
type HandleInfo struct {
	Key             string    `json:"key"`
	ConfigurationID string    `json:"configuration_id"`
	Owner           string    `json:"owner"`
	PID             int       `json:"pid,omitempty"`
	Server          string    `json:"server,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

type handle struct {
	key       string
	configID  string
	owner     toolserver.Owner
	client    *mcp.Client
	startedAt time.Time
}

// pidder and exiter are implemented by stdio connections.
type pidder interface{ PID() int }
type exiter interface{ Exited() <-chan struct{} }

func (h *handle) alive() bool {
	ex, ok := h.client.Connection().(exiter)
	if !ok {
		return true
	}
	ch := ex.Exited()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

// Manager owns the registry of live subprocesses.
type Manager struct {
	configs ConfigSource
	logger  *slog.Logger
	bus     *events.Bus
	spawn   SpawnFunc

	group   singleflight.Group
	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates a process manager resolving configurations from
// configs.
func NewManager(configs ConfigSource, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		configs: configs,
		logger:  logger,
		spawn:   SpawnStdio,
		handles: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func handleKey(owner toolserver.Owner, configID string) string {
	return owner.Key() + ":" + configID
}

// ListTools lists the tools of the caller's process for configID,
// spawning it if needed.
func (m *Manager) ListTools(ctx context.Context, owner toolserver.Owner, configID string) ([]mcp.ToolDefinition, error) {
	cfg, err := m.resolve(ctx, owner, configID)
	if err != nil {
		return nil, err
	}
	client, err := m.client(ctx, owner, cfg)
	if err != nil {
		return nil, err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", configID, err)
	}
	m.logger.Info("discovered tools",
		"configuration_id", configID,
		"owner", owner.Key(),
		"tools", len(tools),
	)
	return tools, nil
}

// ExecuteTool calls one tool on the caller's process for configID.
func (m *Manager) ExecuteTool(ctx context.Context, owner toolserver.Owner, configID, tool string, args map[string]any) (*mcp.CallResult, error) {
	cfg, err := m.resolve(ctx, owner, configID)
	if err != nil {
		return nil, err
	}
	client, err := m.client(ctx, owner, cfg)
	if err != nil {
		return nil, err
	}

	m.logger.Info("executing tool",
		"configuration_id", configID,
		"owner", owner.Key(),
		"tool", tool,
	)
	res, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool, configID, err)
	}
	return res, nil
}

// Ping checks that the caller's process for configID answers, spawning
// it if needed.
func (m *Manager) Ping(ctx context.Context, owner toolserver.Owner, configID string) error {
	cfg, err := m.resolve(ctx, owner, configID)
	if err != nil {
		return err
	}
	client, err := m.client(ctx, owner, cfg)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", configID, err)
	}
	return nil
}

// resolve loads configID for owner and checks it may be spawned.
func (m *Manager) resolve(ctx context.Context, owner toolserver.Owner, configID string) (*toolserver.Configuration, error) {
	cfg, err := m.configs.GetForOwner(ctx, owner, configID)
	if err != nil {
		if errors.Is(err, toolserver.ErrNotFound) {
			m.logger.Warn("tool server not found for caller",
				"configuration_id", configID,
				"owner", owner.Key(),
			)
		}
		return nil, err
	}
	return cfg, nil
}

// client returns an initialized client for the caller's process of cfg,
// spawning it on first use. cfg must already have been resolved for
// owner. Concurrent first calls for the same key share one spawn.
func (m *Manager) client(ctx context.Context, owner toolserver.Owner, cfg *toolserver.Configuration) (*mcp.Client, error) {
	if cfg.Transport != toolserver.TransportStdio {
		return nil, toolserver.NewConfigurationError(cfg.ID, "transport %q is not a local process", cfg.Transport)
	}
	if !cfg.Enabled {
		return nil, toolserver.ErrDisabled(cfg.ID)
	}
	if err := validate(cfg.ID, cfg.Settings); err != nil {
		m.logger.Error("refusing to spawn tool server",
			"configuration_id", cfg.ID,
			"owner", owner.Key(),
			"command", cfg.Settings.Command,
			"error", err,
		)
		return nil, err
	}

	key := handleKey(owner, cfg.ID)
	if h := m.lookup(key); h != nil {
		return h.client, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// The previous winner may have finished between lookup and Do.
		if h := m.lookup(key); h != nil {
			return h, nil
		}
		return m.start(ctx, key, owner, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*handle).client, nil
}

// lookup returns the live handle for key, evicting a dead one.
func (m *Manager) lookup(key string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	if !ok {
		return nil
	}
	if !h.alive() {
		delete(m.handles, key)
		m.logger.Warn("tool server process exited, will respawn",
			"configuration_id", h.configID,
			"owner", h.owner.Key(),
		)
		return nil
	}
	return h
}

func (m *Manager) start(ctx context.Context, key string, owner toolserver.Owner, cfg *toolserver.Configuration) (*handle, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spawnTimeout)
	defer cancel()

	logger := m.logger.With("configuration_id", cfg.ID, "owner", owner.Key())
	conn, err := m.spawn(sctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("spawn tool server %s: %w", cfg.ID, err)
	}

	client := mcp.NewClient(conn, logger)
	if err := client.Initialize(sctx); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("initialize tool server %s: %w", cfg.ID, err)
	}

	h := &handle{
		key:       key,
		configID:  cfg.ID,
		owner:     owner,
		client:    client,
		startedAt: time.Now(),
	}

	m.mu.Lock()
	m.handles[key] = h
	m.mu.Unlock()

	pid := 0
	if p, ok := conn.(pidder); ok {
		pid = p.PID()
	}
	logger.Info("spawned tool server process", "pid", pid, "command", cfg.Settings.Command)
	m.bus.Emit(events.SourceBridge, events.KindProcessSpawned, map[string]any{
		"configuration_id": cfg.ID,
		"owner":            owner.Key(),
		"pid":              pid,
	})

	if ex, ok := conn.(exiter); ok && ex.Exited() != nil {
		go m.watch(h, ex.Exited())
	}
	return h, nil
}

// watch drops h from the registry when its process exits on its own.
func (m *Manager) watch(h *handle, exited <-chan struct{}) {
	<-exited
	m.mu.Lock()
	cur, ok := m.handles[h.key]
	if ok && cur == h {
		delete(m.handles, h.key)
	}
	m.mu.Unlock()
	if ok && cur == h {
		m.logger.Warn("tool server process exited",
			"configuration_id", h.configID,
			"owner", h.owner.Key(),
		)
		m.bus.Emit(events.SourceBridge, events.KindProcessReleased, map[string]any{
			"configuration_id": h.configID,
			"owner":            h.owner.Key(),
			"reason":           "exited",
		})
	}
}

// Release stops every process of configID regardless of caller and
// returns how many were stopped.
func (m *Manager) Release(configID string) int {
	m.mu.Lock()
	var victims []*handle
	for key, h := range m.handles {
		if h.configID == configID {
			victims = append(victims, h)
			delete(m.handles, key)
		}
	}
	m.mu.Unlock()

	m.stop(victims, "released")
	return len(victims)
}

// Shutdown stops all processes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	victims := make([]*handle, 0, len(m.handles))
	for key, h := range m.handles {
		victims = append(victims, h)
		delete(m.handles, key)
	}
	m.mu.Unlock()

	m.stop(victims, "shutdown")
	if len(victims) > 0 {
		m.logger.Info("all tool server processes stopped", "count", len(victims))
	}
}

func (m *Manager) stop(victims []*handle, reason string) {
	var wg sync.WaitGroup
	for _, h := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.client.Connection().Disconnect(); err != nil {
				m.logger.Warn("error stopping tool server process",
					"configuration_id", h.configID,
					"owner", h.owner.Key(),
					"error", err,
				)
			}
			m.logger.Info("stopped tool server process",
				"configuration_id", h.configID,
				"owner", h.owner.Key(),
				"reason", reason,
			)
			m.bus.Emit(events.SourceBridge, events.KindProcessReleased, map[string]any{
				"configuration_id": h.configID,
				"owner":            h.owner.Key(),
				"reason":           reason,
			})
		}()
	}
	wg.Wait()
}

// Count returns the number of live processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handles describes the live processes, ordered by key.
func (m *Manager) Handles() []HandleInfo {
	m.mu.Lock()
	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		info := HandleInfo{
			Key:             h.key,
			ConfigurationID: h.configID,
			Owner:           h.owner.Key(),
			Server:          h.client.Server().Name,
			StartedAt:       h.startedAt,
		}
		if p, ok := h.client.Connection().(pidder); ok {
			info.PID = p.PID()
		}
		out = append(out, info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
