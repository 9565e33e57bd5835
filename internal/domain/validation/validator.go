package validation

import (
	"github.com/honeypot-sentry/sentryd/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// MessageValidator validates JSON-RPC compliance and MCP method naming.
// Per-tool argument schema validation is a separate step performed by the
// dispatcher via a SchemaRegistry once the tool name is known (§4.2).
type MessageValidator struct{}

// NewMessageValidator creates a new MessageValidator.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// Validate checks the decoded JSON-RPC shape. Callers must run
// ValidateFrame on the raw bytes before this, per §4.2 ordering (size/UTF-8/
// nesting first, then JSON-RPC shape, then schema).
func (v *MessageValidator) Validate(msg *mcp.Message) error {
	if msg.Decoded == nil {
		return NewValidationError(ErrCodeParseError, "Parse error")
	}

	switch m := msg.Decoded.(type) {
	case *jsonrpc.Request:
		return v.validateRequest(m)
	case *jsonrpc.Response:
		return v.validateResponse(m)
	default:
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
}

func (v *MessageValidator) validateRequest(req *jsonrpc.Request) error {
	if req.Method == "" {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
	if !IsValidMCPMethod(req.Method) {
		return NewValidationError(ErrCodeMethodNotFound, "Method not found")
	}
	return nil
}

func (v *MessageValidator) validateResponse(resp *jsonrpc.Response) error {
	if !resp.ID.IsValid() {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	hasResult := resp.Result != nil
	hasError := resp.Error != nil

	if hasResult == hasError {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
	return nil
}
