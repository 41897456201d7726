package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/bridge"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/pool"
	"github.com/nugget/toolbridge/internal/registry"
	"github.com/nugget/toolbridge/internal/toolserver"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// stores holds the SQLite-backed persistence shared by every command.
type stores struct {
	db      *sql.DB
	configs *toolserver.Store
	audit   *audit.Store
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	key, err := cfg.CredentialKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		logger.Warn("secrets.credential_key not set, tool server credentials are stored unencrypted")
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath("toolservers")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open tool server database: %w", err)
	}
	configs, err := toolserver.NewStore(db, toolserver.NewSealer(key), logger.With("component", "toolserver"))
	if err != nil {
		db.Close()
		return nil, err
	}

	auditStore, err := audit.NewStore(cfg.DatabasePath("audit"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	return &stores{db: db, configs: configs, audit: auditStore}, nil
}

// Close closes both databases.
func (s *stores) Close() error {
	return errors.Join(s.audit.Close(), s.db.Close())
}

// stack is the tool layer: stdio processes, pooled network connections
// and the registry in front of them.
type stack struct {
	*stores
	processes *bridge.Manager
	pool      *pool.Pool
	registry  *registry.Registry
	metrics   *audit.Metrics
}

// newStack opens the stores and assembles the tool layer. Every audit
// entry goes to the SQLite store and then to each of sinks.
func newStack(cfg *config.Config, logger *slog.Logger, bus *events.Bus, sinks ...audit.Recorder) (*stack, error) {
	st, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	processes := bridge.NewManager(st.configs, logger.With("component", "bridge"),
		bridge.WithEventBus(bus),
	)
	connections := pool.New(logger.With("component", "pool"),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout),
		pool.WithEventBus(bus),
		pool.WithConnectionOptions(mcp.Options{Logger: logger.With("component", "mcp")}),
	)

	metrics := audit.NewMetrics(0, 0)
	recorder := audit.Multi(append([]audit.Recorder{st.audit}, sinks...)...)
	reg := registry.New(st.configs, processes, connections, logger.With("component", "registry"),
		registry.WithCacheTTL(cfg.Discovery.CacheTTL),
		registry.WithDiscoveryTimeout(cfg.Discovery.Timeout),
		registry.WithCallTimeout(cfg.Execution.Timeout),
		registry.WithRecorder(recorder),
		registry.WithMetrics(metrics),
		registry.WithEventBus(bus),
	)

	return &stack{
		stores:    st,
		processes: processes,
		pool:      connections,
		registry:  reg,
		metrics:   metrics,
	}, nil
}

// Close stops every process and connection, then closes the stores.
func (s *stack) Close() error {
	s.pool.Close()
	s.processes.Shutdown()
	return s.stores.Close()
}
