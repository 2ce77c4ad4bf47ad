// File: internal/mcp/jsonrpc.go
package mcp

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version spoken on the wire.
const Version = "2.0"

// ProtocolVersion is the MCP revision sent during the initialize handshake.
const ProtocolVersion = "2025-06-18"

// Request is an outbound JSON-RPC request or notification. A nil ID marks a
// notification; the session never sends those today but the frame supports
// them.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

// NewRequest builds a correlated request frame.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params, ID: &id}
}

// Message is one inbound frame from the tool process. The session classifies
// each frame as a response (id plus result or error), a notification (method,
// no id), or noise to be ignored.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to an in-flight call.
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is an unsolicited notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// RPCError is a protocol or tool level failure payload. It is recoverable:
// the caller gets it as the call's error and the run continues.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)
