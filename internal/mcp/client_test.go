package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeConnection is a test double for the Connection interface.
type fakeConnection struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage // method -> canned result
	errs      map[string]error           // method -> canned error
	sent      []string
	params    []any
	notifs    []string
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
	}
}

func (f *fakeConnection) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	f.responses[method] = data
}

func (f *fakeConnection) addError(method string, err error) {
	f.errs[method] = err
}

func (f *fakeConnection) Connect(context.Context) error { return nil }
func (f *fakeConnection) Disconnect() error             { return nil }

func (f *fakeConnection) SendRequest(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, method)
	f.params = append(f.params, params)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	raw, ok := f.responses[method]
	if !ok {
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("unexpected method: %s", method)}
	}
	return raw, nil
}

func (f *fakeConnection) Notify(_ context.Context, method string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, method)
	return nil
}

func TestClient_Initialize(t *testing.T) {
	fc := newFakeConnection()
	fc.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
	})

	client := NewClient(fc, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(fc.sent) != 1 || fc.sent[0] != "initialize" {
		t.Fatalf("sent = %v, want [initialize]", fc.sent)
	}
	if len(fc.notifs) != 1 || fc.notifs[0] != "notifications/initialized" {
		t.Fatalf("notifications = %v, want [notifications/initialized]", fc.notifs)
	}
	if got := client.Server().Name; got != "test-server" {
		t.Errorf("server name = %q, want %q", got, "test-server")
	}
}

func TestClient_InitializeMalformed(t *testing.T) {
	fc := newFakeConnection()
	fc.responses["initialize"] = json.RawMessage(`"not an object"`)

	err := NewClient(fc, nil).Initialize(context.Background())
	if !IsProtocolError(err) {
		t.Fatalf("Initialize = %v, want ProtocolError", err)
	}
	if len(fc.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
}

func TestClient_ListTools(t *testing.T) {
	fc := newFakeConnection()
	fc.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{
				Name:        "search_issues",
				Description: "Search the issue tracker",
				InputSchema: map[string]any{"type": "object"},
			},
			{
				Name:        "create_issue",
				Description: "Open a new issue",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
					},
				},
			},
		},
	})

	client := NewClient(fc, nil)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "search_issues" || tools[1].Name != "create_issue" {
		t.Errorf("tools = %q, %q", tools[0].Name, tools[1].Name)
	}

	// No caching at this layer: every call goes downstream.
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools (second): %v", err)
	}
	if len(fc.sent) != 2 {
		t.Errorf("sent %d requests, want 2", len(fc.sent))
	}
}

func TestClient_ListToolsEmpty(t *testing.T) {
	fc := newFakeConnection()
	fc.responses["tools/list"] = json.RawMessage(`{}`)

	tools, err := NewClient(fc, nil).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools == nil || len(tools) != 0 {
		t.Errorf("tools = %#v, want empty non-nil slice", tools)
	}
}

func TestClient_CallTool_TextResult(t *testing.T) {
	fc := newFakeConnection()
	fc.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "3 open issues"}},
	})

	client := NewClient(fc, nil)
	result, err := client.CallTool(context.Background(), "search_issues", map[string]any{"state": "open"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if got := result.Text(); got != "3 open issues" {
		t.Errorf("text = %q, want %q", got, "3 open issues")
	}

	params, _ := fc.params[0].(map[string]any)
	if params["name"] != "search_issues" {
		t.Errorf("params name = %v", params["name"])
	}
}

func TestClient_CallTool_NilArgs(t *testing.T) {
	fc := newFakeConnection()
	fc.addResponse("tools/call", CallResult{})

	if _, err := NewClient(fc, nil).CallTool(context.Background(), "noop", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	params, _ := fc.params[0].(map[string]any)
	if args, ok := params["arguments"].(map[string]any); !ok || args == nil {
		t.Errorf("arguments = %#v, want empty object", params["arguments"])
	}
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	fc := newFakeConnection()
	fc.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "repository not found"}},
		IsError: true,
	})

	result, err := NewClient(fc, nil).CallTool(context.Background(), "search_issues", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
	if got := result.Text(); got != "repository not found" {
		t.Errorf("text = %q", got)
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	fc := newFakeConnection()
	fc.addError("tools/call", &RPCError{Code: -32602, Message: "Invalid params"})

	_, err := NewClient(fc, nil).CallTool(context.Background(), "search_issues", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
}

func TestClient_Ping(t *testing.T) {
	t.Run("ping supported", func(t *testing.T) {
		fc := newFakeConnection()
		fc.addResponse("ping", map[string]any{})
		if err := NewClient(fc, nil).Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
		if len(fc.sent) != 1 {
			t.Errorf("sent = %v, want [ping]", fc.sent)
		}
	})

	t.Run("falls back to tools/list", func(t *testing.T) {
		fc := newFakeConnection()
		fc.addResponse("tools/list", toolsListResult{})
		if err := NewClient(fc, nil).Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
		if len(fc.sent) != 2 || fc.sent[1] != "tools/list" {
			t.Errorf("sent = %v, want [ping tools/list]", fc.sent)
		}
	})

	t.Run("connection failure is not masked", func(t *testing.T) {
		fc := newFakeConnection()
		fc.addError("ping", &ConnectionError{Op: "ping", Err: ErrClosed})
		err := NewClient(fc, nil).Ping(context.Background())
		if !IsConnectionError(err) {
			t.Fatalf("Ping = %v, want ConnectionError", err)
		}
		if len(fc.sent) != 1 {
			t.Errorf("sent = %v, want only ping", fc.sent)
		}
	})
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractText(tt.blocks)
			if got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
