package mcp

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes wire bytes into a *jsonrpc.Request or
// *jsonrpc.Response.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// WrapMessage decodes raw bytes and wraps them in a Message with the given
// direction and connection id, stamped with the current time.
func WrapMessage(raw []byte, dir Direction, connectionID string) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return &Message{Raw: raw, Direction: dir, ConnectionID: connectionID, Timestamp: time.Now()}, err
	}
	return &Message{
		Raw:          raw,
		Direction:    dir,
		Decoded:      decoded,
		Timestamp:    time.Now(),
		ConnectionID: connectionID,
	}, nil
}
