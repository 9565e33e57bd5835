package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/honeypot-sentry/sentryd/internal/adapter/inbound/metrics"
	"github.com/honeypot-sentry/sentryd/internal/adapter/inbound/stdio"
	"github.com/honeypot-sentry/sentryd/internal/adapter/inbound/tcp"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/audit"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/authstore"
	breakeradapter "github.com/honeypot-sentry/sentryd/internal/adapter/outbound/breaker"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/cache"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/ratelimit"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/secretstore"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/siem"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/threatintelsource"
	"github.com/honeypot-sentry/sentryd/internal/config"
	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
	"github.com/honeypot-sentry/sentryd/internal/domain/dispatch"
	"github.com/honeypot-sentry/sentryd/internal/domain/threatintel"
	"github.com/honeypot-sentry/sentryd/internal/domain/validation"
	"github.com/honeypot-sentry/sentryd/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the sentryd MCP server.

Transport is selected by server.transport in config: "stdio" (the default,
for an MCP client that spawns sentryd as a subprocess) or "tcp" (for a
shared, multi-client deployment).

Examples:
  # Start with config file settings
  sentryd serve

  # Start against an empty/dev config
  sentryd serve --dev`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (seeds a dev API key, verbose logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	// Stdio mode reserves stdout for the MCP message stream; all logging
	// goes to stderr regardless of transport, so tcp mode stays consistent.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // restore default signal handling: next Ctrl+C is immediate
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("sentryd stopped")
	return nil
}

// run wires every component (C1-C14) and drives the server until ctx is
// cancelled, mirroring the teacher's boot-sequenced run function.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var secrets secretstore.Resolver
	if cfg.DevMode {
		secrets = secretstore.NewFileResolver(os.TempDir())
	} else {
		secrets = secretstore.NewFileResolver(secretsDir())
	}

	siemUsername, err := secretstore.ResolveAll(ctx, secrets, cfg.SIEMStore.Username)
	if err != nil {
		return fmt.Errorf("resolve siem_store.username: %w", err)
	}
	siemPassword, err := secretstore.ResolveAll(ctx, secrets, cfg.SIEMStore.Password)
	if err != nil {
		return fmt.Errorf("resolve siem_store.password: %w", err)
	}

	// ===== SIEM Store Client (C2) =====
	siemOpts := []siem.Option{
		siem.WithTimeout(config.MustParseDuration(cfg.SIEMStore.Timeout, 30*time.Second)),
	}
	if siemUsername != "" || siemPassword != "" {
		siemOpts = append(siemOpts, siem.WithBasicAuth(siemUsername, siemPassword))
	}
	siemClient, err := siem.New(cfg.SIEMStore.BaseURL, siemOpts...)
	if err != nil {
		return fmt.Errorf("siem store client: %w", err)
	}
	siemBreaker := breakeradapter.New("siem-store")

	// ===== Threat-Intel Source Clients (C3) =====
	sources := make([]threatintel.Source, 0, len(cfg.ThreatIntel.Sources))
	for _, sc := range cfg.ThreatIntel.Sources {
		if !sc.Enabled {
			continue
		}
		apiKey, err := secretstore.ResolveAll(ctx, secrets, sc.APIKey)
		if err != nil {
			return fmt.Errorf("resolve threat_intel source %s api_key: %w", sc.Name, err)
		}
		src, err := threatintelsource.New(threatintelsource.Config{
			Name:               sc.Name,
			BaseURL:            sc.BaseURL,
			APIKeyHeader:       sc.APIKeyHeader,
			APIKey:             apiKey,
			QueryParam:         sc.QueryParam,
			RateLimitPerMinute: sc.RateLimitPerMinute,
			Weight:             sc.Weight,
			Fields: threatintelsource.FieldMap{
				Score:   sc.Fields["score"],
				Country: sc.Fields["country"],
				ASN:     sc.Fields["asn"],
				Network: sc.Fields["network"],
			},
			Timeout: config.MustParseDuration(cfg.ThreatIntel.SourceTimeout, 30*time.Second),
		})
		if err != nil {
			return fmt.Errorf("threat intel source %s: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}
	logger.Info("threat-intel sources configured", "count", len(sources))

	// ===== Dual-Tier Cache (C4) backing enrichment lookups =====
	enrichCache, err := cache.New(ctx, cache.Options{
		MemorySize:    cfg.ThreatIntel.Cache.MemorySize,
		DiskPath:      cfg.ThreatIntel.Cache.DiskPath,
		SweepInterval: config.MustParseDuration(cfg.ThreatIntel.Cache.SweepInterval, 5*time.Minute),
	})
	if err != nil {
		return fmt.Errorf("threat-intel cache: %w", err)
	}
	defer enrichCache.Close()

	// ===== Rate Limiter (C6) =====
	limiter := ratelimit.NewRateLimiterWithConfig(
		config.MustParseDuration(cfg.RateLimit.CleanupInterval, 5*time.Minute),
		config.MustParseDuration(cfg.RateLimit.MaxTTL, 1*time.Hour),
	)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	// ===== API-Key Store & Auth (C8) =====
	authStore, err := authstore.Open(cfg.Auth.StorePath)
	if err != nil {
		return fmt.Errorf("auth store: %w", err)
	}
	defer authStore.Close()
	keyService := auth.NewKeyService(authStore)

	if err := seedBootstrapKeys(ctx, authStore, keyService, cfg, logger); err != nil {
		return fmt.Errorf("seed bootstrap keys: %w", err)
	}

	// ===== Audit trail (supplemented feature) =====
	auditStore, err := audit.NewFileAuditStore(audit.AuditFileConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		CacheSize:     cfg.Audit.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer auditStore.Close()

	// AuditService batches call_tool outcomes onto auditStore off the hot
	// path; the dispatcher only ever does a non-blocking channel send.
	auditService := service.NewAuditService(auditStore, logger)
	auditService.Start(ctx)
	defer auditService.Stop()

	// ===== Query & Streaming Engine (C12), Campaign Correlator (C13) =====
	queries := service.NewQueryService(siemClient, siemBreaker, logger)
	campaigns := service.NewCampaignService(queries, logger)

	// ===== Threat-Intel Orchestrator (C14) =====
	threatIntel := service.NewThreatIntelService(sources, enrichCache, siemClient, logger,
		service.WithSourceTimeout(config.MustParseDuration(cfg.ThreatIntel.SourceTimeout, 30*time.Second)),
		service.WithWriteBack(cfg.ThreatIntel.WriteBack),
	)

	// ===== Feature Manager & Health (C10) =====
	features := service.NewFeatureManager(
		config.MustParseDuration(cfg.Features.ProbeInterval, 30*time.Second),
		siemClient,
		sources,
		nil,
	)
	features.Start(ctx)
	defer features.Stop()

	// ===== MCP Dispatcher (C11): registry + tool registrations =====
	registry := dispatch.NewRegistry()
	if err := service.RegisterTools(registry, service.ToolsConfig{
		Queries:     queries,
		Campaigns:   campaigns,
		ThreatIntel: threatIntel,
		AuditStore:  auditStore,
		AuditRecent: auditStore.GetRecent,
		Features:    features,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	schemas := validation.NewSchemaRegistry()

	dispatcher := service.NewDispatcherService(registry, features, limiter, keyService, schemas, auditService,
		service.ServerInfo{
			Name:         "sentryd",
			Version:      Version,
			Capabilities: map[string]any{"tools": true},
		}, logger)

	// ===== Observability: /metrics, /healthz (ambient stack) =====
	metricsServer := metrics.NewServer(cfg.Observability.MetricsAddr, features, Version)
	go func() {
		if err := metricsServer.Run(ctx); err != nil {
			logger.Error("metrics server exited", "error", err)
		}
	}()

	logger.Info("sentryd starting",
		"transport", cfg.Server.Transport,
		"dev_mode", cfg.DevMode,
		"metrics_addr", cfg.Observability.MetricsAddr,
	)

	// ===== Transport Layer (C9) =====
	switch cfg.Server.Transport {
	case "tcp":
		transport := tcp.New(dispatcher,
			tcp.WithAddr(cfg.Server.TCPAddr),
			tcp.WithIdleTimeout(config.MustParseDuration(cfg.Server.IdleTimeout, 300*time.Second)),
			tcp.WithDrainTimeout(config.MustParseDuration(cfg.Server.DrainTimeout, 30*time.Second)),
			tcp.WithLogger(logger),
		)
		return transport.Run(ctx)
	default:
		transport := stdio.New(dispatcher, logger)
		return transport.Run(ctx)
	}
}

// seedBootstrapKeys creates every configured bootstrap key that doesn't
// already exist (matched by display name), so a fresh deployment always has
// at least one working key without requiring an out-of-band admin call.
func seedBootstrapKeys(ctx context.Context, store *authstore.Store, keys *auth.KeyService, cfg *config.Config, logger *slog.Logger) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k.DisplayName] = struct{}{}
	}

	for _, bk := range cfg.Auth.BootstrapKeys {
		if _, ok := seen[bk.DisplayName]; ok {
			continue
		}
		_, raw, err := keys.Create(ctx, bk.DisplayName, bk.Permissions, bk.RateLimitPerMinute, 0)
		if err != nil {
			return fmt.Errorf("create bootstrap key %s: %w", bk.DisplayName, err)
		}
		logger.Warn("seeded bootstrap api key (shown once)", "display_name", bk.DisplayName, "key", raw)
	}
	return nil
}

// secretsDir is where the production FileResolver looks for secret://
// references, overridable via SENTRYD_SECRETS_DIR for container deployments.
func secretsDir() string {
	if dir := os.Getenv("SENTRYD_SECRETS_DIR"); dir != "" {
		return dir
	}
	return "/etc/sentryd/secrets"
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// Info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
