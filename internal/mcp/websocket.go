package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is the subprotocol MCP servers expect on websocket.
const wsSubprotocol = "mcp"

// WebSocketConnection communicates with a tool server over a duplex
// websocket. Each text frame is one JSON-RPC message.
type WebSocketConnection struct {
	url     string
	headers map[string]string
	logger  *slog.Logger
	nextID  atomic.Int64
	pending *pending

	connMu  sync.Mutex // guards conn and serializes writes
	conn    *websocket.Conn
	readEnd chan struct{}
}

// NewWebSocketConnection creates a websocket connection to url.
func NewWebSocketConnection(url string, headers map[string]string, opts Options) *WebSocketConnection {
	return &WebSocketConnection{
		url:     url,
		headers: headers,
		logger:  opts.logger(),
		pending: newPending(),
	}
}

// Connect dials the server if not already connected.
func (c *WebSocketConnection) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 15 * time.Second,
		Subprotocols:     []string{wsSubprotocol},
	}
	header := http.Header{}
	for k, v := range c.headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if resp != nil {
			err = fmt.Errorf("dial websocket: status %d: %w", resp.StatusCode, err)
		}
		return &ConnectionError{Op: "connect", Err: err}
	}
	conn.SetReadLimit(32 << 20)

	c.conn = conn
	c.readEnd = make(chan struct{})
	c.pending.reset()
	go c.readLoop(conn, c.readEnd)

	c.logger.Debug("websocket connected", "url", c.url)
	return nil
}

func (c *WebSocketConnection) readLoop(conn *websocket.Conn, readEnd chan struct{}) {
	defer close(readEnd)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed normally")
			} else {
				c.logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		msg := decodeInbound(data)
		if msg == nil {
			c.logger.Debug("skipping malformed frame", "data", string(data))
			continue
		}
		if resp, ok := msg.response(); ok {
			if !c.pending.deliver(resp) {
				c.logger.Debug("skipping unmatched response", "id", resp.ID)
			}
		}
	}

	c.pending.closeAll()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		conn.Close()
	}
	c.connMu.Unlock()
}

// Disconnect sends a close frame, fails in-flight requests and closes
// the socket.
func (c *WebSocketConnection) Disconnect() error {
	c.connMu.Lock()
	conn, readEnd := c.conn, c.readEnd
	c.conn = nil
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	c.connMu.Unlock()

	c.pending.closeAll()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-readEnd
	return err
}

// SendRequest writes a request frame and waits for the matching reply.
func (c *WebSocketConnection) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	data, err := encodeMessage(method, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	ch, ok := c.pending.add(id)
	if !ok {
		return nil, notConnected(method)
	}
	if err := c.write(ctx, method, data); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	resp, err := c.pending.wait(ctx, method, id, ch)
	if err != nil {
		return nil, err
	}
	return resultOf(method, resp)
}

// Notify writes a notification frame.
func (c *WebSocketConnection) Notify(ctx context.Context, method string, params any) error {
	data, err := encodeMessage(method, NewNotification(method, params))
	if err != nil {
		return err
	}
	return c.write(ctx, method, data)
}

func (c *WebSocketConnection) write(ctx context.Context, op string, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return notConnected(op)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Op: op, Err: fmt.Errorf("write frame: %w", err)}
	}
	return nil
}
