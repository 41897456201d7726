package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by a tool server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// inbound is any message a tool server may send: a response to one of
// our requests, or a request/notification of its own.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// decodeInbound parses a single message. It returns nil for anything
// that is not valid JSON so that one corrupt frame is skipped rather
// than tearing down the stream.
func decodeInbound(data []byte) *inbound {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	return &msg
}

// response converts msg into a Response if it is one. Server-initiated
// requests and notifications carry a method and are not responses.
func (m *inbound) response() (*Response, bool) {
	if m.Method != "" || len(m.ID) == 0 {
		return nil, false
	}
	id, ok := parseID(m.ID)
	if !ok {
		return nil, false
	}
	return &Response{JSONRPC: m.JSONRPC, ID: id, Result: m.Result, Error: m.Error}, true
}

// parseID accepts numeric IDs and numeric strings; some servers echo
// IDs back as strings.
func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// resultOf extracts the result of resp, turning a JSON-RPC error into
// an *RPCError and an empty response into a ProtocolError.
func resultOf(method string, resp *Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return nil, &ProtocolError{Method: method, Reason: "response carries neither result nor error"}
	}
	return resp.Result, nil
}
