// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 framing, a typed client (initialize, tools/list,
// tools/call, ping) and four transports behind one Connection
// interface.
//
//   - stdio: a subprocess speaking newline-delimited JSON-RPC
//   - http: streamable HTTP, one POST per request
//   - sse: a GET event stream for replies plus POSTs for requests
//   - websocket: a duplex socket, one message per frame
//
// Every transport correlates replies by request id, so a single
// connection may carry concurrent requests. Failures are reported as
// *ConnectionError (retryable), *ProtocolError (not retryable),
// *RPCError (the server said no), or the caller's own context error.
package mcp
