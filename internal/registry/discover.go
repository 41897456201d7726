package registry

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// DiscoveryMetric is the tool name under which discovery latency is
// sampled in the metrics.
const DiscoveryMetric = "tools/list"

// DiscoverOption adjusts a single DiscoverTools call.
type DiscoverOption func(*discoverOptions)

type discoverOptions struct {
	force bool
}

// WithForceRefresh bypasses the cache and asks the server again.
func WithForceRefresh() DiscoverOption {
	return func(o *discoverOptions) { o.force = true }
}

// DiscoverTools returns the tools of configID as seen by caller.
//
// Configuration problems (unknown, forbidden, disabled, unauthorized)
// are returned as errors. Transport and protocol failures are not:
// discovery is advisory, so they are logged, published as a
// discovery_failed event and reported as an empty list.
func (r *Registry) DiscoverTools(ctx context.Context, caller toolserver.Owner, configID string, opts ...DiscoverOption) ([]ToolSchema, error) {
	var o discoverOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := r.resolve(ctx, caller, configID)
	if err != nil {
		return nil, err
	}

	if !o.force {
		if tools, ok := r.cached(cfg.ID); ok {
			r.logger.Debug("tool schemas served from cache",
				"configuration_id", cfg.ID,
				"tools", len(tools),
			)
			return tools, nil
		}
	}

	// A stdio server is spawned per caller, so coalescing across
	// callers would run discovery on someone else's process.
	key := cfg.ID
	if cfg.Transport == toolserver.TransportStdio {
		key = caller.Key() + ":" + cfg.ID
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.discover(ctx, caller, cfg)
	})
	if err != nil {
		r.logger.Error("tool discovery failed",
			"configuration_id", cfg.ID,
			"transport", cfg.Transport,
			"error", err,
		)
		r.bus.Emit(events.SourceDiscovery, events.KindDiscoveryFailed, map[string]any{
			"configuration_id": cfg.ID,
			"error":            err.Error(),
		})
		return []ToolSchema{}, nil
	}

	tools := v.([]ToolSchema)
	if shared {
		tools = append([]ToolSchema(nil), tools...)
	}
	return tools, nil
}

// discover runs one downstream tools/list, audits it and caches the
// result.
func (r *Registry) discover(ctx context.Context, caller toolserver.Owner, cfg *toolserver.Configuration) ([]ToolSchema, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.discoveryTimeout)
	defer cancel()

	start := time.Now()
	tools, err := r.listTools(ctx, caller, cfg)
	latency := time.Since(start)

	entry := &audit.Entry{
		Owner:           caller,
		ConfigurationID: cfg.ID,
		Action:          audit.ActionDiscover,
		Status:          statusOf(err),
		Latency:         latency,
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Response = toolNames(tools)
	}
	r.record(ctx, entry)
	r.metrics.Observe(cfg.ID, DiscoveryMetric, latency, entry.Status)

	if err != nil {
		return nil, err
	}

	r.store(cfg.ID, tools)
	r.logger.Info("tools discovered",
		"configuration_id", cfg.ID,
		"transport", cfg.Transport,
		"tools", len(tools),
		"latency", latency.Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceDiscovery, events.KindToolsDiscovered, map[string]any{
		"configuration_id": cfg.ID,
		"tools":            len(tools),
	})
	return append([]ToolSchema(nil), tools...), nil
}

func (r *Registry) listTools(ctx context.Context, caller toolserver.Owner, cfg *toolserver.Configuration) ([]ToolSchema, error) {
	var defs []mcp.ToolDefinition
	var err error
	if cfg.Transport == toolserver.TransportStdio {
		defs, err = r.bridge.ListTools(ctx, caller, cfg.ID)
	} else {
		err = r.pooled(ctx, cfg, func(c *mcp.Client) error {
			defs, err = c.ListTools(ctx)
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	tools := make([]ToolSchema, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			continue
		}
		tools = append(tools, ToolSchema{
			ConfigurationID: cfg.ID,
			Name:            d.Name,
			Description:     d.Description,
			InputSchema:     d.InputSchema,
		})
	}
	return tools, nil
}

func toolNames(tools []ToolSchema) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return strings.Join(names, ",")
}
