package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/toolbridge/internal/httpkit"
	"github.com/nugget/toolbridge/internal/toolserver"
)

// A tool server that refuses connections is given two more tries before
// the request fails; it is often just restarting.
const (
	connectRetries    = 2
	connectRetryDelay = 500 * time.Millisecond
)

// Connection is a live channel to one tool server. Implementations
// handle framing, encoding and correlation for one transport kind.
type Connection interface {
	// Connect establishes the channel. It is safe to call again after
	// Disconnect.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. Requests still waiting for a
	// reply fail with a ConnectionError.
	Disconnect() error

	// SendRequest issues a JSON-RPC request and returns its result.
	// A JSON-RPC error reply is returned as *RPCError.
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a JSON-RPC notification; no reply is expected.
	Notify(ctx context.Context, method string, params any) error
}

// Options carries the shared dependencies of every transport.
type Options struct {
	Logger *slog.Logger

	// HTTPClient is used by the http and sse transports. A client from
	// httpkit is built when nil.
	HTTPClient *http.Client

	// EndpointWait bounds how long an sse connection waits for the
	// server to announce its POST endpoint. Defaults to 5s.
	EndpointWait time.Duration
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// Requests are bounded by their context; a client-wide timeout
	// would cut long-lived event streams.
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(0),
		httpkit.WithRetry(connectRetries, connectRetryDelay),
		httpkit.WithLogger(o.logger()),
	)
}

// NewConnection builds the connection for cfg's transport kind. The
// connection is returned unconnected.
func NewConnection(cfg *toolserver.Configuration, opts Options) (Connection, error) {
	logger := opts.logger().With("configuration_id", cfg.ID, "transport", cfg.Transport)
	opts.Logger = logger

	switch cfg.Transport {
	case toolserver.TransportStdio:
		return NewStdioConnection(StdioConfig{
			Command: cfg.Settings.Command,
			Args:    cfg.Settings.Args,
			Env:     cfg.Settings.Env,
			Logger:  logger,
		}), nil
	case toolserver.TransportHTTP:
		return NewHTTPConnection(cfg.Settings.URL, cfg.AuthHeaders(), opts), nil
	case toolserver.TransportSSE:
		return NewSSEConnection(cfg.Settings.URL, cfg.AuthHeaders(), opts), nil
	case toolserver.TransportWebSocket:
		return NewWebSocketConnection(cfg.Settings.URL, cfg.AuthHeaders(), opts), nil
	default:
		return nil, toolserver.NewConfigurationError(cfg.ID, "unsupported transport %q", cfg.Transport)
	}
}

// encodeMessage marshals a request or notification, turning encoding
// failures into protocol errors.
func encodeMessage(method string, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &ProtocolError{Method: method, Reason: fmt.Sprintf("encode message: %v", err)}
	}
	return data, nil
}

// bindLifetime derives a request context that also ends when the
// connection's lifetime context does, recording ErrClosed as the cause.
func bindLifetime(ctx, life context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(life, func() { cancel(ErrClosed) })
	return merged, func() {
		stop()
		cancel(nil)
	}
}

// requestError classifies a failed network round trip. Deadlines and
// cancellations of the caller's own context are returned unwrapped.
func requestError(op string, ctx, merged context.Context, err error) error {
	if errors.Is(context.Cause(merged), ErrClosed) {
		return &ConnectionError{Op: op, Err: ErrClosed}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &ConnectionError{Op: op, Err: err}
}
