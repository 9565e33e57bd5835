package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry compiles and caches one JSON schema per tool name,
// enforcing the "tool-params not matching the declared schema" clause of
// §4.2/property #1.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for toolName. schemaJSON is a
// JSON Schema document as produced by the tool registry at startup.
func (r *SchemaRegistry) Register(toolName string, schemaJSON []byte) error {
	c := jsonschema.NewCompiler()
	url := "mem://" + toolName + ".json"
	if err := c.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validation: add schema resource for %s: %w", toolName, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("validation: compile schema for %s: %w", toolName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled[toolName] = sch
	return nil
}

// ValidateArguments checks arguments (already-decoded JSON value) against
// toolName's registered schema. A tool with no registered schema always
// passes (schema-less tools are permitted).
func (r *SchemaRegistry) ValidateArguments(toolName string, arguments map[string]any) error {
	r.mu.RLock()
	sch, ok := r.compiled[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// jsonschema/v6 validates decoded Go values (map[string]any, etc.);
	// round-trip through json to normalize numeric types the same way the
	// wire decoder would have produced them.
	raw, err := json.Marshal(arguments)
	if err != nil {
		return NewValidationError(ErrCodeInvalidParams, "invalid params")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return NewValidationError(ErrCodeInvalidParams, "invalid params")
	}

	if err := sch.Validate(v); err != nil {
		return NewValidationError(ErrCodeInvalidParams, "params do not match tool schema")
	}
	return nil
}
