package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		SIEMStore: SIEMStoreConfig{BaseURL: "http://localhost:9200"},
		Auth:      AuthConfig{StorePath: ":memory:"},
		Audit:     AuditConfig{Dir: "./audit"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate "sentryd serve --dev" with no config file at all: defaults
	// fill in the otherwise-required Auth.StorePath and dev defaults fill in
	// SIEMStore.BaseURL.
	cfg := &Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() dev zero-config unexpected error: %v", err)
	}
}

func TestValidate_MissingSIEMStoreBaseURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.SIEMStore.BaseURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing siem_store.base_url, got nil")
	}
	if !strings.Contains(err.Error(), "BaseURL") {
		t.Errorf("error = %q, want to contain 'BaseURL'", err.Error())
	}
}

func TestValidate_InvalidSIEMStoreBaseURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.SIEMStore.BaseURL = "not-a-url"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid siem_store.base_url, got nil")
	}
}

func TestValidate_MissingAuthStorePath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.StorePath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing auth.store_path, got nil")
	}
	if !strings.Contains(err.Error(), "StorePath") {
		t.Errorf("error = %q, want to contain 'StorePath'", err.Error())
	}
}

func TestValidate_InvalidTransport(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.Transport = "websocket"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid transport, got nil")
	}
}

func TestValidate_InvalidTCPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.TCPAddr = "not-a-host-port"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid tcp_addr, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log_level, got nil")
	}
}

func TestValidate_DuplicateThreatIntelSourceNames(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ThreatIntel.Sources = []ThreatIntelSourceConfig{
		{Name: "vendor-a", BaseURL: "https://vendor-a.example"},
		{Name: "vendor-a", BaseURL: "https://vendor-a-mirror.example"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for duplicate threat-intel source names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate name") {
		t.Errorf("error = %q, want to contain 'duplicate name'", err.Error())
	}
}

func TestValidate_UniqueThreatIntelSourceNames(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ThreatIntel.Sources = []ThreatIntelSourceConfig{
		{Name: "vendor-a", BaseURL: "https://vendor-a.example"},
		{Name: "vendor-b", BaseURL: "https://vendor-b.example"},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with unique source names unexpected error: %v", err)
	}
}

func TestValidate_ThreatIntelSourceMissingBaseURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ThreatIntel.Sources = []ThreatIntelSourceConfig{
		{Name: "vendor-a"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for source missing base_url, got nil")
	}
}

func TestValidate_OTLPExporterRequiresEndpoint(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Observability.Exporter = "otlp"
	cfg.Observability.OTLPEndpoint = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for otlp exporter with no endpoint, got nil")
	}
	if !strings.Contains(err.Error(), "otlp_endpoint") {
		t.Errorf("error = %q, want to contain 'otlp_endpoint'", err.Error())
	}
}

func TestValidate_OTLPExporterWithEndpoint(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Observability.Exporter = "otlp"
	cfg.Observability.OTLPEndpoint = "otel-collector.internal:4317"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with otlp endpoint set unexpected error: %v", err)
	}
}

func TestValidate_InvalidExporter(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Observability.Exporter = "jaeger"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid exporter, got nil")
	}
}

func TestValidate_BootstrapKeyMissingDisplayName(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.BootstrapKeys = []BootstrapKeyConfig{
		{Permissions: map[string]bool{"*": true}},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for bootstrap key with no display_name, got nil")
	}
}
