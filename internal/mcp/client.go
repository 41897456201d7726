package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// codeMethodNotFound is the JSON-RPC "method not found" error code.
const codeMethodNotFound = -32601

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the outcome of a tools/call. IsError marks a failure
// reported by the tool itself, as opposed to a transport failure.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the content blocks into a single string.
func (r *CallResult) Text() string {
	return extractText(r.Content)
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo is returned in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Client provides typed access to the MCP operations over a Connection.
type Client struct {
	conn   Connection
	logger *slog.Logger

	mu     sync.RWMutex
	server ServerInfo
}

// NewClient creates a client over conn. conn must already be connected
// before any operation is issued.
func NewClient(conn Connection, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, logger: logger}
}

// Connection returns the underlying connection.
func (c *Client) Connection() Connection {
	return c.conn
}

// Server returns what the server reported during Initialize.
func (c *Client) Server() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolbridge",
			"version": buildinfo.Version,
		},
	}

	raw, err := c.conn.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Method: "initialize", Reason: fmt.Sprintf("malformed result: %v", err)}
	}

	c.mu.Lock()
	c.server = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.conn.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.conn.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Reason: fmt.Sprintf("malformed result: %v", err)}
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name. A tool-reported failure comes back
// as a CallResult with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.conn.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	c.logger.Log(ctx, config.LevelTrace, "tools/call payload",
		"tool", name,
		"arguments", args,
		"result", string(raw),
	)

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Method: "tools/call", Reason: fmt.Sprintf("malformed result: %v", err)}
	}
	return &result, nil
}

// Ping checks that the server answers. Servers without ping support,
// and transports that cannot carry it, are checked with tools/list.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.conn.SendRequest(ctx, "ping", nil)
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if IsProtocolError(err) || (errors.As(err, &rpcErr) && rpcErr.Code == codeMethodNotFound) {
		_, err = c.ListTools(ctx)
	}
	return err
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
