// Package pool keeps long-lived connections to network tool servers
// (streamable HTTP, HTTP+SSE and websocket) so that each call does not
// pay for a fresh handshake. Local subprocess servers are owned by the
// bridge package and never pooled here.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/toolserver"
)

const (
	// DefaultIdleTimeout is how long an unreferenced connection stays
	// open.
	DefaultIdleTimeout = 10 * time.Minute

	// connectTimeout bounds connecting plus the initialize handshake.
	connectTimeout = 30 * time.Second
)

// ConnectFunc builds an unconnected Connection for cfg.
type ConnectFunc func(cfg *toolserver.Configuration) (mcp.Connection, error)

// Option configures a Pool.
type Option func(*Pool)

// WithIdleTimeout sets how long unreferenced connections are kept.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithEventBus publishes connection lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithConnector replaces how connections are built.
func WithConnector(fn ConnectFunc) Option {
	return func(p *Pool) { p.connect = fn }
}

// WithConnectionOptions sets the transport options used by the default
// connector.
func WithConnectionOptions(opts mcp.Options) Option {
	return func(p *Pool) { p.connOpts = opts }
}

type entry struct {
	configID    string
	transport   toolserver.Transport
	fingerprint string
	client      *mcp.Client
	refs        int
	createdAt   time.Time
	lastUsed    time.Time
}

// Pool is the registry of live network connections, keyed by
// configuration ID and reference counted.
type Pool struct {
	logger      *slog.Logger
	bus         *events.Bus
	idleTimeout time.Duration
	connect     ConnectFunc
	connOpts    mcp.Options

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a pool and starts its idle reaper. Call Close to stop it.
func New(logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		entries:     make(map[string]*entry),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.connOpts.Logger == nil {
		p.connOpts.Logger = logger
	}
	if p.connect == nil {
		p.connect = func(cfg *toolserver.Configuration) (mcp.Connection, error) {
			return mcp.NewConnection(cfg, p.connOpts)
		}
	}
	go p.reapLoop()
	return p
}

// Lease is a counted reference to a pooled connection.
type Lease struct {
	pool   *Pool
	entry  *entry
	client *mcp.Client
	once   sync.Once
}

// Client returns the leased client.
func (l *Lease) Client() *mcp.Client { return l.client }

// Release returns the reference. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		defer l.pool.mu.Unlock()
		if l.entry.refs > 0 {
			l.entry.refs--
		}
		l.entry.lastUsed = time.Now()
	})
}

// fingerprint identifies what a connection was opened with. A changed
// URL or credential invalidates the pooled connection.
func fingerprint(cfg *toolserver.Configuration) string {
	h := sha256.New()
	h.Write([]byte(cfg.Transport))
	h.Write([]byte{0})
	h.Write([]byte(cfg.Settings.URL))
	headers := cfg.AuthHeaders()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(headers[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Acquire returns a lease on the connection for cfg, creating and
// connecting it on first use. Concurrent first calls share one
// connection. The caller must Release the lease.
func (p *Pool) Acquire(ctx context.Context, cfg *toolserver.Configuration) (*Lease, error) {
	if cfg.Transport == toolserver.TransportStdio {
		return nil, toolserver.NewConfigurationError(cfg.ID, "stdio tool servers are not pooled")
	}
	if !cfg.Enabled {
		return nil, toolserver.ErrDisabled(cfg.ID)
	}

	fp := fingerprint(cfg)
	for range 3 {
		if lease, stale := p.take(cfg.ID, fp); lease != nil {
			return lease, nil
		} else if stale != nil {
			p.closeEntry(stale, "settings changed")
		}

		_, err, _ := p.group.Do(cfg.ID+"/"+fp, func() (any, error) {
			if p.has(cfg.ID, fp) {
				return nil, nil
			}
			return nil, p.open(ctx, cfg, fp)
		})
		if err != nil {
			return nil, err
		}
	}
	// The connection kept being evicted under us.
	return nil, &mcp.ConnectionError{Op: "acquire", Err: mcp.ErrClosed}
}

// take bumps the reference of a matching entry. An entry opened with
// different settings is evicted and returned as stale.
func (p *Pool) take(configID, fp string) (*Lease, *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[configID]
	if !ok {
		return nil, nil
	}
	if e.fingerprint != fp {
		delete(p.entries, configID)
		return nil, e
	}
	e.refs++
	e.lastUsed = time.Now()
	return &Lease{pool: p, entry: e, client: e.client}, nil
}

func (p *Pool) has(configID, fp string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[configID]
	return ok && e.fingerprint == fp
}

func (p *Pool) open(ctx context.Context, cfg *toolserver.Configuration, fp string) error {
	conn, err := p.connect(cfg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
	defer cancel()

	logger := p.logger.With("configuration_id", cfg.ID, "transport", cfg.Transport)
	if err := conn.Connect(cctx); err != nil {
		return err
	}

	client := mcp.NewClient(conn, logger)
	// The legacy SSE transport carries only tools/list and tools/call.
	if cfg.Transport != toolserver.TransportSSE {
		if err := client.Initialize(cctx); err != nil {
			_ = conn.Disconnect()
			return err
		}
	}

	now := time.Now()
	e := &entry{
		configID:    cfg.ID,
		transport:   cfg.Transport,
		fingerprint: fp,
		client:      client,
		createdAt:   now,
		lastUsed:    now,
	}

	p.mu.Lock()
	prev := p.entries[cfg.ID]
	p.entries[cfg.ID] = e
	p.mu.Unlock()
	if prev != nil {
		p.closeEntry(prev, "replaced")
	}

	logger.Info("opened pooled connection")
	p.bus.Emit(events.SourcePool, events.KindConnectionOpened, map[string]any{
		"configuration_id": cfg.ID,
		"transport":        string(cfg.Transport),
	})
	return nil
}

// ReleaseConnection force-closes and evicts the connection of
// configID, if any. In-flight calls on it fail with a ConnectionError.
func (p *Pool) ReleaseConnection(configID string) bool {
	p.mu.Lock()
	e, ok := p.entries[configID]
	if ok {
		delete(p.entries, configID)
	}
	p.mu.Unlock()

	if ok {
		p.closeEntry(e, "released")
	}
	return ok
}

func (p *Pool) closeEntry(e *entry, reason string) {
	if err := e.client.Connection().Disconnect(); err != nil {
		p.logger.Warn("error closing pooled connection",
			"configuration_id", e.configID,
			"error", err,
		)
	}
	p.logger.Info("closed pooled connection",
		"configuration_id", e.configID,
		"transport", e.transport,
		"reason", reason,
	)
	p.bus.Emit(events.SourcePool, events.KindConnectionClosed, map[string]any{
		"configuration_id": e.configID,
		"reason":           reason,
	})
}

// reapLoop closes idle connections until Close.
func (p *Pool) reapLoop() {
	defer close(p.done)

	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.reap(now)
		}
	}
}

// reap closes connections with no references that have been idle for
// longer than the idle timeout.
func (p *Pool) reap(now time.Time) int {
	p.mu.Lock()
	var idle []*entry
	for id, e := range p.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) >= p.idleTimeout {
			idle = append(idle, e)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, e := range idle {
		p.closeEntry(e, "idle")
	}
	return len(idle)
}

// Close stops the reaper and closes every connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		all := make([]*entry, 0, len(p.entries))
		for id, e := range p.entries {
			all = append(all, e)
			delete(p.entries, id)
		}
		p.mu.Unlock()

		for _, e := range all {
			p.closeEntry(e, "shutdown")
		}
	})
}

// EntryStatus describes one pooled connection.
type EntryStatus struct {
	ConfigurationID string               `json:"configuration_id"`
	Transport       toolserver.Transport `json:"transport"`
	References      int                  `json:"references"`
	Server          string               `json:"server,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	Age             string               `json:"age"`
	IdleFor         string               `json:"idle_for"`
}

// Status is a snapshot of the pool.
type Status struct {
	Total       int                          `json:"total"`
	ByTransport map[toolserver.Transport]int `json:"by_transport"`
	Entries     []EntryStatus                `json:"entries"`
}

// Status returns a snapshot of the live connections.
func (p *Pool) Status() Status {
	now := time.Now()
	p.mu.Lock()
	st := Status{
		Total:       len(p.entries),
		ByTransport: make(map[toolserver.Transport]int),
		Entries:     make([]EntryStatus, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		st.ByTransport[e.transport]++
		st.Entries = append(st.Entries, EntryStatus{
			ConfigurationID: e.configID,
			Transport:       e.transport,
			References:      e.refs,
			Server:          e.client.Server().Name,
			CreatedAt:       e.createdAt,
			Age:             now.Sub(e.createdAt).Round(time.Second).String(),
			IdleFor:         now.Sub(e.lastUsed).Round(time.Second).String(),
		})
	}
	p.mu.Unlock()

	sort.Slice(st.Entries, func(i, j int) bool {
		return st.Entries[i].ConfigurationID < st.Entries[j].ConfigurationID
	})
	return st
}
