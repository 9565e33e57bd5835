// Package config provides the configuration schema for sentryd, the
// honeypot-sentry MCP security-analysis server (C1).
//
// Configuration is file-based (YAML), discovered the way the teacher
// discovers sentinel-gate.yaml, with environment variable overrides and
// struct-tag validation. Secret-bearing fields (SIEM credentials, threat-
// intel API keys) accept either a literal value or a secret://vault/<item>/
// <field> reference, resolved lazily by a secretstore.Resolver at startup.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for sentryd.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	SIEMStore   SIEMStoreConfig   `yaml:"siem_store" mapstructure:"siem_store"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intel" mapstructure:"threat_intel"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" mapstructure:"rate_limit"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	Features    FeaturesConfig    `yaml:"features" mapstructure:"features"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// DevMode relaxes auth (a "dev-key" bootstrap key with every permission
	// is seeded; its key value is generated at startup) and forces debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the MCP transport (§6).
type ServerConfig struct {
	// Transport selects "stdio" or "tcp". Defaults to "stdio".
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio tcp"`

	// TCPAddr is the listen address used when Transport is "tcp".
	// Defaults to "127.0.0.1:3000".
	TCPAddr string `yaml:"tcp_addr" mapstructure:"tcp_addr" validate:"omitempty,hostname_port"`

	// IdleTimeout closes a TCP connection that sits idle this long (e.g. "300s").
	IdleTimeout string `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"omitempty"`

	// DrainTimeout bounds graceful shutdown's wait for in-flight requests (e.g. "30s").
	DrainTimeout string `yaml:"drain_timeout" mapstructure:"drain_timeout" validate:"omitempty"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// SIEMStoreConfig configures the SIEM Store Client (C2).
type SIEMStoreConfig struct {
	// BaseURL is the SIEM store's HTTP endpoint (e.g. "https://siem.internal:9200").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// Username/Password are basic-auth credentials. Either may be a
	// secret:// reference, resolved at startup.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// Timeout bounds a single search/aggregate/index call (e.g. "30s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// ThreatIntelConfig configures the Threat-Intel Orchestrator (C14).
type ThreatIntelConfig struct {
	Sources   []ThreatIntelSourceConfig `yaml:"sources" mapstructure:"sources" validate:"omitempty,dive"`
	Cache     ThreatIntelCacheConfig    `yaml:"cache" mapstructure:"cache"`
	WriteBack bool                      `yaml:"write_back" mapstructure:"write_back"`

	// SourceTimeout bounds a single vendor lookup (e.g. "30s").
	SourceTimeout string `yaml:"source_timeout" mapstructure:"source_timeout" validate:"omitempty"`
}

// ThreatIntelSourceConfig configures one vendor source (§4.9 fan-out).
type ThreatIntelSourceConfig struct {
	Name               string            `yaml:"name" mapstructure:"name" validate:"required"`
	BaseURL            string            `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	APIKeyHeader       string            `yaml:"api_key_header" mapstructure:"api_key_header"`
	APIKey             string            `yaml:"api_key" mapstructure:"api_key"`
	QueryParam         string            `yaml:"query_param" mapstructure:"query_param"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" validate:"omitempty,min=1"`
	Weight             float64           `yaml:"reliability_weight" mapstructure:"reliability_weight" validate:"omitempty,min=0,max=1"`
	Fields             map[string]string `yaml:"fields" mapstructure:"fields"`
	Enabled            bool              `yaml:"enabled" mapstructure:"enabled"`
}

// ThreatIntelCacheConfig configures the dual-tier cache (C4) backing
// enrichment lookups.
type ThreatIntelCacheConfig struct {
	MemorySize    int    `yaml:"memory_size" mapstructure:"memory_size" validate:"omitempty,min=1"`
	DiskPath      string `yaml:"disk_path" mapstructure:"disk_path"`
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`
	TTL           string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty"`
}

// RateLimitConfig configures the three-layer rate limiter (C6).
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// GlobalRate/ConnectionRate/APIKeyRate are requests-per-minute ceilings
	// for the global, per-connection, and per-API-key buckets (§4.3).
	GlobalRate     int `yaml:"global_rate" mapstructure:"global_rate" validate:"omitempty,min=1"`
	ConnectionRate int `yaml:"connection_rate" mapstructure:"connection_rate" validate:"omitempty,min=1"`
	APIKeyRate     int `yaml:"api_key_rate" mapstructure:"api_key_rate" validate:"omitempty,min=1"`

	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
	MaxTTL          string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// BreakerConfig configures the circuit breaker transition table (C5, §4.4).
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before CLOSED->OPEN. Default 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`
	// CooldownPeriod is how long OPEN holds before allowing a HALF_OPEN probe (e.g. "30s").
	CooldownPeriod string `yaml:"cooldown_period" mapstructure:"cooldown_period" validate:"omitempty"`
}

// AuthConfig configures the API-key store (C8).
type AuthConfig struct {
	// StorePath is the sqlite database path. ":memory:" for ephemeral/test use.
	StorePath string `yaml:"store_path" mapstructure:"store_path" validate:"required"`

	// BootstrapKeys are seeded into the store at startup: each entry whose
	// display name is not already in the store is created, so a fresh
	// deployment has at least one working admin key.
	BootstrapKeys []BootstrapKeyConfig `yaml:"bootstrap_keys" mapstructure:"bootstrap_keys" validate:"omitempty,dive"`
}

// BootstrapKeyConfig describes one API key to seed on first boot.
type BootstrapKeyConfig struct {
	DisplayName        string          `yaml:"display_name" mapstructure:"display_name" validate:"required"`
	Permissions         map[string]bool `yaml:"permissions" mapstructure:"permissions"`
	RateLimitPerMinute  int             `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" validate:"omitempty,min=1"`
}

// FeaturesConfig configures the Feature Manager's background health poll (C10).
type FeaturesConfig struct {
	ProbeInterval string `yaml:"probe_interval" mapstructure:"probe_interval" validate:"omitempty"`
}

// AuditConfig configures the structured audit trail (supplemented feature,
// §6: "Structured audit trail of tool calls").
type AuditConfig struct {
	// Dir is the directory audit log files are written to.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
	// RetentionDays is how long rotated audit files are kept. Default 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	// MaxFileSizeMB rotates the current file past this size. Default 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	// CacheSize is how many recent records list_recent_audit can serve from memory.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// ObservabilityConfig configures metrics and tracing (ambient stack).
type ObservabilityConfig struct {
	// MetricsAddr is the listen address for /metrics and /healthz (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	// Exporter selects the tracing/metrics exporter: "stdout" or "otlp".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout otlp"`

	// OTLPEndpoint is the collector endpoint used when Exporter is "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint" validate:"omitempty"`
}

// SetDevDefaults applies permissive defaults for development mode, mirroring
// the teacher's OSSConfig.SetDevDefaults: fill in just enough so `sentryd
// serve --dev` runs against an empty config.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if len(c.Auth.BootstrapKeys) == 0 {
		c.Auth.BootstrapKeys = []BootstrapKeyConfig{
			{
				DisplayName:        "dev-key",
				Permissions:        map[string]bool{"*": true},
				RateLimitPerMinute: 1000,
			},
		}
	}
	if c.SIEMStore.BaseURL == "" {
		c.SIEMStore.BaseURL = "http://127.0.0.1:9200"
	}
}

// SetDefaults applies sensible defaults, following the teacher's
// OSSConfig.SetDefaults pattern (zero-value fields filled in after
// viper.Unmarshal, before validation).
func (c *Config) SetDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "stdio"
	}
	if c.Server.TCPAddr == "" {
		c.Server.TCPAddr = "127.0.0.1:3000"
	}
	if c.Server.IdleTimeout == "" {
		c.Server.IdleTimeout = "300s"
	}
	if c.Server.DrainTimeout == "" {
		c.Server.DrainTimeout = "30s"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.SIEMStore.Timeout == "" {
		c.SIEMStore.Timeout = "30s"
	}

	if c.ThreatIntel.Cache.MemorySize == 0 {
		c.ThreatIntel.Cache.MemorySize = 10000
	}
	if c.ThreatIntel.Cache.DiskPath == "" {
		c.ThreatIntel.Cache.DiskPath = "./threatintel-cache.sqlite"
	}
	if c.ThreatIntel.Cache.SweepInterval == "" {
		c.ThreatIntel.Cache.SweepInterval = "5m"
	}
	if c.ThreatIntel.Cache.TTL == "" {
		c.ThreatIntel.Cache.TTL = "1h"
	}
	if c.ThreatIntel.SourceTimeout == "" {
		c.ThreatIntel.SourceTimeout = "30s"
	}
	for i := range c.ThreatIntel.Sources {
		if c.ThreatIntel.Sources[i].Weight == 0 {
			c.ThreatIntel.Sources[i].Weight = 0.5
		}
	}

	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.GlobalRate == 0 {
		c.RateLimit.GlobalRate = 10000
	}
	if c.RateLimit.ConnectionRate == 0 {
		c.RateLimit.ConnectionRate = 600
	}
	if c.RateLimit.APIKeyRate == 0 {
		c.RateLimit.APIKeyRate = 300
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownPeriod == "" {
		c.Breaker.CooldownPeriod = "30s"
	}

	if c.Auth.StorePath == "" {
		c.Auth.StorePath = "./sentryd-auth.sqlite"
	}

	if c.Features.ProbeInterval == "" {
		c.Features.ProbeInterval = "30s"
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = "./audit"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}

	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = "127.0.0.1:9090"
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "stdout"
	}
}

// MustParseDuration parses d, falling back to def (and never erroring) --
// used for the many optional "Ns"/"Nm" duration strings above, mirroring
// the teacher's per-field time.ParseDuration-with-fallback idiom in start.go.
func MustParseDuration(d string, def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return def
	}
	return parsed
}
