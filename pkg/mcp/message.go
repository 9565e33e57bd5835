// Package mcp provides MCP message types and JSON-RPC codec utilities
// shared by both transports and the dispatcher.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a message is flowing through a connection.
type Direction int

const (
	// Inbound indicates a message received from a client.
	Inbound Direction = iota
	// Outbound indicates a message the server is sending to a client.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with connection metadata.
type Message struct {
	// Raw holds the original bytes, used for size/UTF-8/nesting checks
	// before JSON decoding and for audit logging.
	Raw []byte

	Direction Direction

	// Decoded is either *jsonrpc.Request or *jsonrpc.Response, nil if
	// parsing failed (passthrough for error reporting).
	Decoded jsonrpc.Message

	Timestamp time.Time

	// ConnectionID identifies the owning transport connection.
	ConnectionID string

	// APIKeyID is not filled in by WrapMessage or the transports; the
	// authenticated key is tracked on the connection state instead.
	APIKeyID string

	// ParsedParams is the memoized decode of a request's Params field.
	ParsedParams map[string]any
}

// IsRequest reports whether the message is a JSON-RPC request or notification.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse reports whether the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall reports whether this is a call_tool request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "call_tool"
}

// Request returns the underlying *jsonrpc.Request, or nil.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying *jsonrpc.Response, or nil.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request's Params into a map, memoizing the result.
func (m *Message) ParseParams() map[string]any {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}

// RawID extracts the raw "id" field from the wire bytes, since jsonrpc.ID
// does not marshal correctly through interface{}.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
