// Package mcptest provides an in-process MCP tool server for tests. One
// Server can be exposed over stdio, streamable HTTP, HTTP+SSE and
// websocket at the same time.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolbridge/internal/mcp"
)

// Handler implements one tool. A returned error becomes a JSON-RPC
// error reply.
type Handler func(ctx context.Context, args map[string]any) (*mcp.CallResult, error)

// Server is a fake tool server.
type Server struct {
	// NoPing makes the server answer ping with "method not found".
	NoPing bool

	// Delay is applied before every reply to tools/list and tools/call.
	Delay time.Duration

	mu       sync.Mutex
	tools    []mcp.ToolDefinition
	handlers map[string]Handler
	headers  http.Header

	listCalls  atomic.Int64
	callCalls  atomic.Int64
	initCalls  atomic.Int64
	sessionSeq atomic.Int64
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// AddTool registers a tool.
func (s *Server) AddTool(def mcp.ToolDefinition, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, def)
	s.handlers[def.Name] = h
}

// Text is a Handler returning a fixed text result.
func Text(text string) Handler {
	return func(context.Context, map[string]any) (*mcp.CallResult, error) {
		return &mcp.CallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
	}
}

// Echo is a Handler returning its arguments as JSON text.
func Echo() Handler {
	return func(_ context.Context, args map[string]any) (*mcp.CallResult, error) {
		data, _ := json.Marshal(args)
		return &mcp.CallResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(data)}}}, nil
	}
}

// ListCalls returns how many tools/list requests were served.
func (s *Server) ListCalls() int { return int(s.listCalls.Load()) }

// CallCalls returns how many tools/call requests were served.
func (s *Server) CallCalls() int { return int(s.callCalls.Load()) }

// InitCalls returns how many initialize requests were served.
func (s *Server) InitCalls() int { return int(s.initCalls.Load()) }

// LastHeader returns the headers of the most recent HTTP request.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Clone()
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

// Handle processes one JSON-RPC message and returns the encoded reply,
// or nil for notifications.
func (s *Server) Handle(ctx context.Context, data []byte) []byte {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		out, _ := json.Marshal(reply{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &mcp.RPCError{Code: -32700, Message: "parse error"}})
		return out
	}
	if len(msg.ID) == 0 {
		return nil
	}

	result, rpcErr := s.dispatch(ctx, msg)
	out, _ := json.Marshal(reply{JSONRPC: "2.0", ID: msg.ID, Result: result, Error: rpcErr})
	return out
}

func (s *Server) dispatch(ctx context.Context, msg message) (any, *mcp.RPCError) {
	switch msg.Method {
	case "initialize":
		s.initCalls.Add(1)
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "mcptest", "version": "0.0.1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil
	case "ping":
		if s.NoPing {
			return nil, &mcp.RPCError{Code: -32601, Message: "Method not found"}
		}
		return map[string]any{}, nil
	case "tools/list":
		s.listCalls.Add(1)
		s.sleep(ctx)
		s.mu.Lock()
		tools := append([]mcp.ToolDefinition{}, s.tools...)
		s.mu.Unlock()
		return map[string]any{"tools": tools}, nil
	case "tools/call":
		s.callCalls.Add(1)
		s.sleep(ctx)
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return nil, &mcp.RPCError{Code: -32602, Message: "invalid params"}
		}
		s.mu.Lock()
		h, ok := s.handlers[p.Name]
		s.mu.Unlock()
		if !ok {
			return nil, &mcp.RPCError{Code: -32602, Message: fmt.Sprintf("unknown tool %q", p.Name)}
		}
		res, err := h(ctx, p.Arguments)
		if err != nil {
			return nil, &mcp.RPCError{Code: -32000, Message: err.Error()}
		}
		return res, nil
	default:
		return nil, &mcp.RPCError{Code: -32601, Message: "Method not found"}
	}
}

func (s *Server) sleep(ctx context.Context) {
	if s.Delay <= 0 {
		return
	}
	select {
	case <-time.After(s.Delay):
	case <-ctx.Done():
	}
}

func (s *Server) recordHeader(r *http.Request) {
	s.mu.Lock()
	s.headers = r.Header.Clone()
	s.mu.Unlock()
}

// ServeStdio serves newline-delimited JSON-RPC from r to w until r ends.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	// Handlers see ctx end when the input closes.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var mu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := s.Handle(ctx, line)
			if out == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, _ = w.Write(append(out, '\n'))
		}()
	}
	cancel()
	return scanner.Err()
}

// ServeHTTP serves streamable HTTP: one JSON-RPC message per POST,
// answered with a JSON body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.recordHeader(r)
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sid := r.Header.Get("Mcp-Session-Id")
	if sid == "" {
		sid = fmt.Sprintf("session-%d", s.sessionSeq.Add(1))
	}
	w.Header().Set("Mcp-Session-Id", sid)

	out := s.Handle(r.Context(), body)
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// SSEHandler serves the HTTP+SSE transport: GET on any path opens the
// event stream and announces messagesPath as the POST endpoint.
func (s *Server) SSEHandler(messagesPath string) http.Handler {
	var mu sync.Mutex
	streams := make(map[string]chan []byte)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.recordHeader(r)
		switch {
		case r.Method == http.MethodGet:
			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			sid := fmt.Sprintf("%d", s.sessionSeq.Add(1))
			ch := make(chan []byte, 16)
			mu.Lock()
			streams[sid] = ch
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(streams, sid)
				mu.Unlock()
			}()

			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "event: endpoint\ndata: %s?session=%s\n\n", messagesPath, sid)
			flusher.Flush()

			for {
				select {
				case data := <-ch:
					fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
					flusher.Flush()
				case <-r.Context().Done():
					return
				}
			}

		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, messagesPath):
			mu.Lock()
			ch, ok := streams[r.URL.Query().Get("session")]
			mu.Unlock()
			if !ok {
				http.Error(w, "unknown session", http.StatusNotFound)
				return
			}
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
			go func() {
				if out := s.Handle(context.Background(), body); out != nil {
					ch <- out
				}
			}()

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// WebSocketHandler serves the websocket transport.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"mcp"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.recordHeader(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			go func() {
				out := s.Handle(r.Context(), data)
				if out == nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}()
		}
	})
}
