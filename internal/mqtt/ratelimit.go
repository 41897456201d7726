package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// rateLimiter caps outbound messages per interval. It uses atomic
// counters for lock-free operation on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled,
// warning about any messages dropped in the last interval.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *rateLimiter) reset() (sent, dropped int64) {
	sent = r.count.Swap(0)
	dropped = r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt audit messages dropped due to rate limit",
			"attempted", sent,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
	return sent, dropped
}

// allow reports whether one more message fits in the current interval.
func (r *rateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
