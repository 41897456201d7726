package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolbridge/internal/httpkit"
)

// defaultEndpointWait is how long Connect waits for the endpoint event
// before falling back to POSTing at the stream URL.
const defaultEndpointWait = 5 * time.Second

// sseMethods are the only methods the sse transport carries.
var sseMethods = map[string]bool{
	"tools/list": true,
	"tools/call": true,
}

// SSEConnection communicates with a tool server over the HTTP+SSE
// transport: a long-lived GET event stream delivers replies, and
// requests are POSTed to the endpoint the server announces.
type SSEConnection struct {
	url          string
	headers      map[string]string
	client       *http.Client
	logger       *slog.Logger
	endpointWait time.Duration
	nextID       atomic.Int64
	pending      *pending

	mu       sync.RWMutex
	life     context.Context
	stop     context.CancelCauseFunc
	endpoint string
}

// NewSSEConnection creates an sse connection whose event stream is at
// streamURL.
func NewSSEConnection(streamURL string, headers map[string]string, opts Options) *SSEConnection {
	wait := opts.EndpointWait
	if wait <= 0 {
		wait = defaultEndpointWait
	}
	return &SSEConnection{
		url:          streamURL,
		headers:      headers,
		client:       opts.httpClient(),
		logger:       opts.logger(),
		endpointWait: wait,
		pending:      newPending(),
	}
}

// Connect opens the event stream and waits for the endpoint event.
// The stream outlives ctx; ctx bounds only the setup.
func (c *SSEConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.life != nil {
		return nil
	}

	life, stop := context.WithCancelCause(context.Background())
	abort := context.AfterFunc(ctx, func() { stop(context.Cause(ctx)) })

	req, err := http.NewRequestWithContext(life, http.MethodGet, c.url, nil)
	if err != nil {
		abort()
		stop(nil)
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stream request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		abort()
		stop(nil)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ConnectionError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		abort()
		errBody := httpkit.ReadErrorBody(resp.Body, 4<<10)
		stop(nil)
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("event stream returned %d: %s", resp.StatusCode, errBody)}
	}

	c.pending.reset()
	endpointCh := make(chan string, 1)
	streamDone := make(chan struct{})
	go c.readLoop(life, resp.Body, endpointCh, streamDone)

	var endpoint string
	select {
	case ep := <-endpointCh:
		endpoint = c.resolveEndpoint(ep)
	case <-time.After(c.endpointWait):
		c.logger.Debug("no endpoint event received, posting to stream URL")
		endpoint = c.url
	case <-streamDone:
		abort()
		stop(ErrClosed)
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("event stream closed before endpoint was announced")}
	case <-ctx.Done():
		abort()
		stop(ErrClosed)
		return ctx.Err()
	}
	// From here on the stream lives until Disconnect.
	abort()

	c.life, c.stop, c.endpoint = life, stop, endpoint
	c.logger.Debug("event stream open", "endpoint", endpoint)
	return nil
}

// resolveEndpoint resolves the announced endpoint, usually a path with
// a session query, against the stream URL.
func (c *SSEConnection) resolveEndpoint(ep string) string {
	base, err := url.Parse(c.url)
	if err != nil {
		return ep
	}
	ref, err := url.Parse(ep)
	if err != nil {
		return c.url
	}
	return base.ResolveReference(ref).String()
}

func (c *SSEConnection) readLoop(life context.Context, body io.ReadCloser, endpointCh chan<- string, streamDone chan struct{}) {
	defer body.Close()

	err := readEvents(body, func(ev sseEvent) bool {
		switch ev.Type {
		case "endpoint":
			select {
			case endpointCh <- ev.Data:
			default:
			}
		case "message":
			msg := decodeInbound([]byte(ev.Data))
			if msg == nil {
				c.logger.Debug("skipping malformed event", "data", ev.Data)
				return true
			}
			if resp, ok := msg.response(); ok {
				if !c.pending.deliver(resp) {
					c.logger.Debug("skipping unmatched response", "id", resp.ID)
				}
			}
		}
		return true
	})
	if err != nil && life.Err() == nil {
		c.logger.Warn("event stream failed", "error", err)
	}

	close(streamDone)
	c.pending.closeAll()

	c.mu.Lock()
	if c.life == life {
		c.stop(ErrClosed)
		c.life, c.stop, c.endpoint = nil, nil, ""
	}
	c.mu.Unlock()
}

// Disconnect closes the event stream and fails in-flight requests.
func (c *SSEConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop(ErrClosed)
	}
	c.life, c.stop, c.endpoint = nil, nil, ""
	c.pending.closeAll()
	return nil
}

// SendRequest POSTs a tools/list or tools/call request and waits for
// its reply on the event stream.
func (c *SSEConnection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !sseMethods[method] {
		return nil, &ProtocolError{Method: method, Reason: "method not supported by sse transport"}
	}

	c.mu.RLock()
	life, endpoint := c.life, c.endpoint
	c.mu.RUnlock()
	if life == nil {
		return nil, notConnected(method)
	}

	id := c.nextID.Add(1)
	body, err := encodeMessage(method, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	ch, ok := c.pending.add(id)
	if !ok {
		return nil, notConnected(method)
	}

	inline, err := c.post(ctx, life, endpoint, method, body)
	if err != nil {
		c.pending.remove(id)
		return nil, err
	}
	if inline != nil && inline.ID == id {
		c.pending.remove(id)
		return resultOf(method, inline)
	}

	resp, err := c.pending.wait(ctx, method, id, ch)
	if err != nil {
		return nil, err
	}
	return resultOf(method, resp)
}

// Notify is not supported: the sse transport carries only tools/list
// and tools/call.
func (c *SSEConnection) Notify(_ context.Context, method string, _ any) error {
	return &ProtocolError{Method: method, Reason: "method not supported by sse transport"}
}

// post sends body to the endpoint. Some servers answer inline instead
// of on the stream; such a reply is returned.
func (c *SSEConnection) post(ctx, life context.Context, endpoint, method string, body []byte) (*Response, error) {
	reqCtx, done := bindLifetime(ctx, life)
	defer done()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, requestError(method, ctx, reqCtx, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4<<10)
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("tool server returned %d: %s", resp.StatusCode, errBody)}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil
	}
	if msg := decodeInbound(data); msg != nil {
		if inline, ok := msg.response(); ok {
			return inline, nil
		}
	}
	return nil, nil
}
