package audit

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Publisher sends a payload to a topic below a base topic.
type Publisher interface {
	Publish(ctx context.Context, subtopic string, payload []byte) error
}

// MQTTSink streams audit entries to a broker as JSON, one message per
// entry on "<action>/<configuration id>". Publishing is best-effort:
// failures are logged and never returned, so a broker outage cannot
// fail a tool call.
type MQTTSink struct {
	pub    Publisher
	logger *slog.Logger
}

// NewMQTTSink creates a sink publishing through pub.
func NewMQTTSink(pub Publisher, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{pub: pub, logger: logger}
}

// Record implements Recorder.
func (s *MQTTSink) Record(ctx context.Context, e *Entry) error {
	e.LatencyMs = e.Latency.Milliseconds()
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("audit entry not publishable", "id", e.ID, "error", err)
		return nil
	}
	if err := s.pub.Publish(ctx, string(e.Action)+"/"+e.ConfigurationID, payload); err != nil {
		s.logger.Debug("audit entry not published",
			"id", e.ID,
			"configuration_id", e.ConfigurationID,
			"error", err,
		)
	}
	return nil
}
