package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/nugget/toolbridge/internal/audit"
	"github.com/nugget/toolbridge/internal/events"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// maxAuditResponse caps the response text kept in an audit entry.
const maxAuditResponse = 64 * 1024

// Call describes one tool invocation.
type Call struct {
	Caller toolserver.Owner

	// ConfigurationID selects the tool server. When empty it is looked
	// up from the tools discovered so far; the name must then be
	// unambiguous among the servers caller can use.
	ConfigurationID string

	ToolName  string
	Arguments map[string]any

	// AssistantID and RequestID identify the invoking context in the
	// audit log.
	AssistantID string
	RequestID   string

	// Timeout overrides the registry's default call deadline.
	Timeout time.Duration
}

// Result is the normalized outcome of a call. Error holds a short
// message fit for the caller; details are in the logs.
type Result struct {
	Success         bool               `json:"success"`
	Content         string             `json:"content,omitempty"`
	Blocks          []mcp.ContentBlock `json:"blocks,omitempty"`
	Error           string             `json:"error,omitempty"`
	Status          audit.Status       `json:"status"`
	ConfigurationID string             `json:"configuration_id,omitempty"`
	Latency         time.Duration      `json:"-"`
	LatencyMs       int64              `json:"latency_ms"`
}

// CallTool invokes a tool and returns its normalized result. Every call
// yields exactly one audit entry and one metric sample, whatever the
// outcome.
func (r *Registry) CallTool(ctx context.Context, call Call) Result {
	start := time.Now()
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.callTimeout
	}

	var (
		res     Result
		callErr error
		raw     string
	)
	configID := call.ConfigurationID

	finish := func() Result {
		res.ConfigurationID = configID
		res.Latency = time.Since(start)
		res.LatencyMs = res.Latency.Milliseconds()
		if callErr != nil {
			res.Success = false
			res.Status = statusOf(callErr)
			res.Error = userMessage(callErr)
		}

		entry := &audit.Entry{
			Owner:           call.Caller,
			ConfigurationID: configID,
			AssistantID:     call.AssistantID,
			RequestID:       call.RequestID,
			Action:          audit.ActionExecute,
			ToolName:        call.ToolName,
			Status:          res.Status,
			Request:         requestPayload(call.Arguments),
			Response:        truncate(raw, maxAuditResponse),
			Latency:         res.Latency,
		}
		if callErr != nil {
			entry.Error = callErr.Error()
		} else if !res.Success {
			entry.Error = res.Error
		}
		r.record(ctx, entry)
		r.metrics.Observe(configID, call.ToolName, res.Latency, res.Status)

		r.bus.Emit(events.SourceExecution, events.KindToolDone, map[string]any{
			"configuration_id": configID,
			"tool":             call.ToolName,
			"status":           string(res.Status),
			"latency_ms":       res.LatencyMs,
		})
		return res
	}

	if call.ToolName == "" {
		callErr = toolserver.NewConfigurationError(configID, "tool name is required")
		return finish()
	}

	if configID == "" {
		configID, callErr = r.locate(ctx, call.Caller, call.ToolName)
		if callErr != nil {
			return finish()
		}
	}

	cfg, err := r.resolve(ctx, call.Caller, configID)
	if err != nil {
		callErr = err
		return finish()
	}

	r.bus.Emit(events.SourceExecution, events.KindToolCall, map[string]any{
		"configuration_id": cfg.ID,
		"tool":             call.ToolName,
		"owner":            call.Caller.Key(),
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out *mcp.CallResult
	if cfg.Transport == toolserver.TransportStdio {
		out, err = r.bridge.ExecuteTool(ctx, call.Caller, cfg.ID, call.ToolName, call.Arguments)
	} else {
		err = r.pooled(ctx, cfg, func(c *mcp.Client) error {
			out, err = c.CallTool(ctx, call.ToolName, call.Arguments)
			return err
		})
	}
	if err != nil {
		callErr = err
		r.logCallFailure(cfg, call, err)
		return finish()
	}

	raw = out.Text()
	res.Content = raw
	res.Blocks = out.Content
	if out.IsError {
		res.Status = audit.StatusFailure
		res.Error = truncate(raw, 512)
		if res.Error == "" {
			res.Error = "tool reported an error"
		}
		r.logger.Warn("tool reported an error",
			"configuration_id", cfg.ID,
			"tool", call.ToolName,
		)
		return finish()
	}

	res.Success = true
	res.Status = audit.StatusSuccess
	r.logger.Info("tool executed",
		"configuration_id", cfg.ID,
		"tool", call.ToolName,
		"owner", call.Caller.Key(),
		"latency", time.Since(start).Round(time.Millisecond),
	)
	return finish()
}

// locate finds the one configuration visible to caller that exposes
// tool, using the index built by discovery.
func (r *Registry) locate(ctx context.Context, caller toolserver.Owner, tool string) (string, error) {
	var found []string
	for _, id := range r.providers(tool) {
		if _, err := r.configs.GetForOwner(ctx, caller, id); err == nil {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", &ToolNotFoundError{ToolName: tool}
	case 1:
		return found[0], nil
	default:
		return "", &AmbiguousToolError{ToolName: tool, ConfigurationIDs: found}
	}
}

func (r *Registry) logCallFailure(cfg *toolserver.Configuration, call Call, err error) {
	level := r.logger.Error
	if errors.Is(err, context.DeadlineExceeded) {
		level = r.logger.Warn
	}
	level("tool execution failed",
		"configuration_id", cfg.ID,
		"transport", cfg.Transport,
		"tool", call.ToolName,
		"owner", call.Caller.Key(),
		"error", err,
	)
}

// record writes an audit entry. A recorder failure is logged and never
// changes the outcome of the audited operation.
func (r *Registry) record(ctx context.Context, e *audit.Entry) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Error("audit entry not recorded",
			"configuration_id", e.ConfigurationID,
			"action", e.Action,
			"tool", e.ToolName,
			"error", err,
		)
	}
}

// statusOf maps an operation error to its audit status.
func statusOf(err error) audit.Status {
	switch {
	case err == nil:
		return audit.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return audit.StatusTimeout
	default:
		return audit.StatusFailure
	}
}

// userMessage turns err into a short message for the caller.
func userMessage(err error) string {
	var ce *toolserver.ConfigurationError
	var tnf *ToolNotFoundError
	var amb *AmbiguousToolError
	var rpc *mcp.RPCError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "tool execution timed out"
	case errors.Is(err, context.Canceled):
		return "tool execution canceled"
	case errors.Is(err, toolserver.ErrNotFound):
		return "tool server not found"
	case errors.As(err, &ce):
		return ce.Reason
	case errors.As(err, &tnf), errors.As(err, &amb):
		return err.Error()
	case errors.As(err, &rpc):
		return truncate(rpc.Message, 512)
	case mcp.IsConnectionError(err):
		return "tool server unavailable"
	case mcp.IsProtocolError(err):
		return "tool server returned an invalid response"
	default:
		return "tool execution failed"
	}
}

func requestPayload(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return b
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
