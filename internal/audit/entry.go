// Package audit records every tool discovery and execution that
// reaches a downstream tool server. Entries are append-only and never
// pruned here; retention belongs to whoever operates the database.
//
// Recording fans out through the [Recorder] interface: the SQLite
// [Store] is the durable record, while [MQTTSink] streams a copy to a
// broker for analytics. [Metrics] keeps rolling latency statistics in
// memory.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nugget/toolbridge/internal/toolserver"
)

// Action is what the caller asked the tool server to do.
type Action string

const (
	ActionDiscover Action = "discover"
	ActionExecute  Action = "execute"
)

// Status is the outcome of an audited operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Entry is one audited operation.
type Entry struct {
	ID              string           `json:"id"`
	Owner           toolserver.Owner `json:"owner"`
	ConfigurationID string           `json:"configuration_id"`
	AssistantID     string           `json:"assistant_id,omitempty"`
	RequestID       string           `json:"request_id,omitempty"`
	Action          Action           `json:"action"`
	ToolName        string           `json:"tool_name,omitempty"`
	Status          Status           `json:"status"`
	Request         json.RawMessage  `json:"request,omitempty"`
	Response        string           `json:"response,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutedAt      time.Time        `json:"executed_at"`
	Latency         time.Duration    `json:"-"`
	LatencyMs       int64            `json:"latency_ms"`
}

// Recorder persists or forwards audit entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// multi fans one entry out to several recorders.
type multi []Recorder

// Multi returns a Recorder that records to each of rs in order. Every
// recorder sees the entry even if an earlier one fails; the errors are
// joined. Nil recorders are skipped.
func Multi(rs ...Recorder) Recorder {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Record implements Recorder.
func (m multi) Record(ctx context.Context, e *Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
