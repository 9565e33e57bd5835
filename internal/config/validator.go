package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates Config using struct tags plus cross-field rules,
// mirroring the teacher's OSSConfig.Validate.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateThreatIntelSourceNamesUnique(); err != nil {
		return err
	}
	if err := c.validateOTLPExporterHasEndpoint(); err != nil {
		return err
	}
	return nil
}

// validateThreatIntelSourceNamesUnique rejects duplicate source names, which
// would silently collide as cache/breaker keys in the orchestrator (C14).
func (c *Config) validateThreatIntelSourceNamesUnique() error {
	seen := make(map[string]struct{}, len(c.ThreatIntel.Sources))
	for _, s := range c.ThreatIntel.Sources {
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("threat_intel.sources: duplicate name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// validateOTLPExporterHasEndpoint requires an endpoint whenever the otlp
// exporter is selected.
func (c *Config) validateOTLPExporterHasEndpoint() error {
	if c.Observability.Exporter == "otlp" && c.Observability.OTLPEndpoint == "" {
		return errors.New("observability: otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
