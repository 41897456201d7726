package mcptest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nugget/toolbridge/internal/mcp"
)

// Conn is an in-process mcp.Connection answered directly by a Server.
// It honours the same contract as the real transports: requests fail
// with a ConnectionError before Connect and after Disconnect.
type Conn struct {
	srv *Server

	mu     sync.Mutex
	closed chan struct{}

	nextID      atomic.Int64
	connects    atomic.Int64
	disconnects atomic.Int64
}

// Conn returns a new unconnected in-process connection to s.
func (s *Server) Conn() *Conn {
	return &Conn{srv: s}
}

// Connects returns how many times Connect succeeded.
func (c *Conn) Connects() int { return int(c.connects.Load()) }

// Disconnects returns how many times Disconnect closed a live session.
func (c *Conn) Disconnects() int { return int(c.disconnects.Load()) }

// Connected reports whether the connection is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed != nil
}

// Connect opens the connection.
func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		c.closed = make(chan struct{})
		c.connects.Add(1)
	}
	return nil
}

// Disconnect closes the connection and fails in-flight requests.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		close(c.closed)
		c.closed = nil
		c.disconnects.Add(1)
	}
	return nil
}

// SendRequest delivers one request to the server and waits for the reply.
func (c *Conn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed == nil {
		return nil, &mcp.ConnectionError{Op: method, Err: mcp.ErrNotConnected}
	}

	data, err := json.Marshal(mcp.NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, err
	}

	// The handler sees cancellation from either side.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-closed:
			cancel()
		case <-hctx.Done():
		}
	}()

	out := make(chan []byte, 1)
	go func() { out <- c.srv.Handle(hctx, data) }()

	select {
	case raw := <-out:
		var resp mcp.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &mcp.ProtocolError{Method: method, Reason: "malformed response"}
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-closed:
		return nil, &mcp.ConnectionError{Op: method, Err: mcp.ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify delivers a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if !c.Connected() {
		return &mcp.ConnectionError{Op: method, Err: mcp.ErrNotConnected}
	}
	data, err := json.Marshal(mcp.NewNotification(method, params))
	if err != nil {
		return err
	}
	c.srv.Handle(ctx, data)
	return nil
}
