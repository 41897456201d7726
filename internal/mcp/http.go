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
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolbridge/internal/httpkit"
)

// sessionHeader carries the streamable HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBody bounds a single JSON response.
const maxResponseBody = 10 << 20

// HTTPConnection communicates with a tool server over streamable HTTP.
// Each JSON-RPC request is one POST; the reply is either a JSON body
// or a short event stream carrying it.
type HTTPConnection struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	nextID  atomic.Int64

	mu        sync.RWMutex
	life      context.Context
	stop      context.CancelCauseFunc
	sessionID string
}

// NewHTTPConnection creates an HTTP connection to url. headers (auth
// and static headers) are sent with every request.
func NewHTTPConnection(url string, headers map[string]string, opts Options) *HTTPConnection {
	return &HTTPConnection{
		url:     url,
		headers: headers,
		client:  opts.httpClient(),
		logger:  opts.logger(),
	}
}

// Connect marks the connection usable. No request is made; the MCP
// handshake is the first round trip.
func (c *HTTPConnection) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.life == nil {
		c.life, c.stop = context.WithCancelCause(context.Background())
	}
	return nil
}

// Disconnect fails in-flight requests and ends the server session.
func (c *HTTPConnection) Disconnect() error {
	c.mu.Lock()
	stop, sid := c.stop, c.sessionID
	c.life, c.stop, c.sessionID = nil, nil, ""
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop(ErrClosed)

	if sid != "" {
		c.endSession(sid)
	}
	return nil
}

// endSession asks the server to drop sid. Servers that do not support
// explicit termination answer 405, which is fine.
func (c *HTTPConnection) endSession(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return
	}
	c.applyHeaders(req, sid)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("session termination failed", "error", err)
		return
	}
	httpkit.DrainAndClose(resp.Body, 1<<10)
}

// SendRequest POSTs a request and returns its result.
func (c *HTTPConnection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := encodeMessage(method, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, method, body, func(httpResp *http.Response) (*Response, error) {
		return c.readResponse(method, id, httpResp)
	})
	if err != nil {
		return nil, err
	}
	return resultOf(method, resp)
}

// Notify POSTs a notification. 200 and 202 are both accepted.
func (c *HTTPConnection) Notify(ctx context.Context, method string, params any) error {
	body, err := encodeMessage(method, NewNotification(method, params))
	if err != nil {
		return err
	}
	_, err = c.post(ctx, method, body, func(*http.Response) (*Response, error) { return nil, nil })
	return err
}

func (c *HTTPConnection) post(ctx context.Context, method string, body []byte,
	read func(*http.Response) (*Response, error),
) (*Response, error) {
	c.mu.RLock()
	life, sid := c.life, c.sessionID
	c.mu.RUnlock()
	if life == nil {
		return nil, notConnected(method)
	}

	reqCtx, done := bindLifetime(ctx, life)
	defer done()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	c.applyHeaders(httpReq, sid)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, requestError(method, ctx, reqCtx, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if newSID := httpResp.Header.Get(sessionHeader); newSID != "" {
		c.mu.Lock()
		if c.life == life {
			c.sessionID = newSID
		}
		c.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4<<10)
		return nil, &ConnectionError{
			Op:  method,
			Err: fmt.Errorf("tool server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	resp, err := read(httpResp)
	if err != nil && reqCtx.Err() != nil {
		return nil, requestError(method, ctx, reqCtx, err)
	}
	return resp, err
}

func (c *HTTPConnection) applyHeaders(req *http.Request, sid string) {
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
}

// readResponse decodes the reply to request id from either a JSON body
// or an event stream.
func (c *HTTPConnection) readResponse(method string, id int64, httpResp *http.Response) (*Response, error) {
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return c.readEventStream(method, id, httpResp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("read response body: %w", err)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ProtocolError{Method: method, Reason: "empty response body"}
	}
	msg := decodeInbound(data)
	if msg == nil {
		return nil, &ProtocolError{Method: method, Reason: "response is not valid JSON"}
	}
	resp, ok := msg.response()
	if !ok {
		return nil, &ProtocolError{Method: method, Reason: "response has no id"}
	}
	return resp, nil
}

func (c *HTTPConnection) readEventStream(method string, id int64, body io.Reader) (*Response, error) {
	var found *Response
	err := readEvents(body, func(ev sseEvent) bool {
		if ev.Type != "message" {
			return true
		}
		msg := decodeInbound([]byte(ev.Data))
		if msg == nil {
			c.logger.Debug("skipping malformed event", "data", ev.Data)
			return true
		}
		if resp, ok := msg.response(); ok && resp.ID == id {
			found = resp
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	if err != nil {
		return nil, &ConnectionError{Op: method, Err: fmt.Errorf("read event stream: %w", err)}
	}
	return nil, &ProtocolError{Method: method, Reason: "event stream ended without a response"}
}
