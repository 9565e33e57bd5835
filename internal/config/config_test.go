package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Transport != "stdio" {
		t.Errorf("Server.Transport = %q, want %q", cfg.Server.Transport, "stdio")
	}
	if cfg.Server.TCPAddr != "127.0.0.1:3000" {
		t.Errorf("Server.TCPAddr = %q, want %q", cfg.Server.TCPAddr, "127.0.0.1:3000")
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should default to true")
	}
	if cfg.RateLimit.GlobalRate != 10000 {
		t.Errorf("GlobalRate default = %d, want 10000", cfg.RateLimit.GlobalRate)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold default = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Observability.Exporter != "stdout" {
		t.Errorf("Observability.Exporter = %q, want %q", cfg.Observability.Exporter, "stdout")
	}
}

func TestConfig_SetDefaults_RateLimitSubDefaultsAlwaysSet(t *testing.T) {
	t.Parallel()

	cfg := Config{RateLimit: RateLimitConfig{Enabled: false}}
	cfg.SetDefaults()

	// Sub-defaults populate regardless of Enabled, so they're ready if rate
	// limiting is turned on later via config reload.
	if cfg.RateLimit.GlobalRate != 10000 {
		t.Errorf("GlobalRate = %d, want 10000 (sub-defaults always set)", cfg.RateLimit.GlobalRate)
	}
	if cfg.RateLimit.ConnectionRate != 600 {
		t.Errorf("ConnectionRate = %d, want 600 (sub-defaults always set)", cfg.RateLimit.ConnectionRate)
	}
	if cfg.RateLimit.APIKeyRate != 300 {
		t.Errorf("APIKeyRate = %d, want 300 (sub-defaults always set)", cfg.RateLimit.APIKeyRate)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{
			TCPAddr: ":9090",
		},
		Audit: AuditConfig{
			Dir: "/var/log/sentryd-audit",
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			GlobalRate: 50,
		},
	}

	cfg.SetDefaults()

	if cfg.Server.TCPAddr != ":9090" {
		t.Errorf("TCPAddr was overwritten: got %q, want %q", cfg.Server.TCPAddr, ":9090")
	}
	if cfg.Audit.Dir != "/var/log/sentryd-audit" {
		t.Errorf("Audit.Dir was overwritten: got %q, want %q", cfg.Audit.Dir, "/var/log/sentryd-audit")
	}
	if cfg.RateLimit.GlobalRate != 50 {
		t.Errorf("GlobalRate was overwritten: got %d, want 50", cfg.RateLimit.GlobalRate)
	}
}

func TestConfig_SetDefaults_ThreatIntelCache(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.SetDefaults()

	if cfg.ThreatIntel.Cache.MemorySize != 10000 {
		t.Errorf("Cache.MemorySize default: got %d, want 10000", cfg.ThreatIntel.Cache.MemorySize)
	}
	if cfg.ThreatIntel.Cache.TTL != "1h" {
		t.Errorf("Cache.TTL default: got %q, want %q", cfg.ThreatIntel.Cache.TTL, "1h")
	}

	cfg2 := Config{
		ThreatIntel: ThreatIntelConfig{
			Cache: ThreatIntelCacheConfig{TTL: "15m"},
		},
	}
	cfg2.SetDefaults()

	if cfg2.ThreatIntel.Cache.TTL != "15m" {
		t.Errorf("Cache.TTL custom: got %q, want %q", cfg2.ThreatIntel.Cache.TTL, "15m")
	}
}

func TestConfig_SetDefaults_ThreatIntelSourceWeight(t *testing.T) {
	t.Parallel()

	cfg := Config{
		ThreatIntel: ThreatIntelConfig{
			Sources: []ThreatIntelSourceConfig{
				{Name: "vendor-a", BaseURL: "https://vendor-a.example"},
				{Name: "vendor-b", BaseURL: "https://vendor-b.example", Weight: 0.9},
			},
		},
	}
	cfg.SetDefaults()

	if cfg.ThreatIntel.Sources[0].Weight != 0.5 {
		t.Errorf("Sources[0].Weight default: got %v, want 0.5", cfg.ThreatIntel.Sources[0].Weight)
	}
	if cfg.ThreatIntel.Sources[1].Weight != 0.9 {
		t.Errorf("Sources[1].Weight custom was overwritten: got %v, want 0.9", cfg.ThreatIntel.Sources[1].Weight)
	}
}

func TestConfig_SetDevDefaults_NoopWhenNotDevMode(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.SetDevDefaults()

	if len(cfg.Auth.BootstrapKeys) != 0 {
		t.Error("SetDevDefaults should be a no-op when DevMode is false")
	}
	if cfg.SIEMStore.BaseURL != "" {
		t.Error("SetDevDefaults should be a no-op when DevMode is false")
	}
}

func TestConfig_SetDevDefaults_SeedsBootstrapKey(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true}
	cfg.SetDevDefaults()

	if len(cfg.Auth.BootstrapKeys) != 1 {
		t.Fatalf("expected one seeded bootstrap key, got %d", len(cfg.Auth.BootstrapKeys))
	}
	if cfg.Auth.BootstrapKeys[0].DisplayName != "dev-key" {
		t.Errorf("DisplayName = %q, want %q", cfg.Auth.BootstrapKeys[0].DisplayName, "dev-key")
	}
	if cfg.SIEMStore.BaseURL != "http://127.0.0.1:9200" {
		t.Errorf("SIEMStore.BaseURL = %q, want %q", cfg.SIEMStore.BaseURL, "http://127.0.0.1:9200")
	}
}

func TestMustParseDuration(t *testing.T) {
	t.Parallel()

	if got := MustParseDuration("", 30); got != 30 {
		t.Errorf("empty input: got %v, want fallback 30", got)
	}
	if got := MustParseDuration("not-a-duration", 30); got != 30 {
		t.Errorf("invalid input: got %v, want fallback 30", got)
	}
	if got := MustParseDuration("5s", 30); got.Seconds() != 5 {
		t.Errorf("valid input: got %v, want 5s", got)
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sentryd.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  tcp_addr: 127.0.0.1:3000\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sentryd.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  tcp_addr: 127.0.0.1:3000\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "sentryd" with no extension
	_ = os.WriteFile(filepath.Join(dir, "sentryd"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "sentryd.yaml")
	ymlPath := filepath.Join(dir, "sentryd.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  tcp_addr: 127.0.0.1:3000\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  tcp_addr: 127.0.0.1:3001\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
