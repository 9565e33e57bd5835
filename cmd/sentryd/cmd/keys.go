package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/authstore"
	"github.com/honeypot-sentry/sentryd/internal/config"
	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
	"github.com/honeypot-sentry/sentryd/internal/service"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Create, list, and revoke API keys against the configured auth store.

This operates directly on auth.store_path; it does not require a running
server, but it also cannot terminate that server's live connections on
revoke -- restart the server (or wait out the validation cache TTL) for a
revocation to take effect against connections already authenticated.`,
}

var (
	keysCreateDisplayName string
	keysCreatePermissions []string
	keysCreateRateLimit   int
	keysCreateExpiresIn   string
)

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Long: `Create a new API key and print its raw value once. The raw key is never
stored and cannot be recovered later -- only its hash is persisted.

Examples:
  sentryd keys create --name "soc-dashboard" --permission "query_events" --permission "enrich_indicator"
  sentryd keys create --name "admin-cli" --permission "*" --rate-limit 1000`,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all API keys",
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke [key-id]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keysCreateDisplayName, "name", "", "display name for the key (required)")
	keysCreateCmd.Flags().StringSliceVar(&keysCreatePermissions, "permission", nil, `tool name to grant, or "*" for all tools (repeatable)`)
	keysCreateCmd.Flags().IntVar(&keysCreateRateLimit, "rate-limit", 300, "requests per minute this key is allowed")
	keysCreateCmd.Flags().StringVar(&keysCreateExpiresIn, "expires-in", "", `expiry as a duration (e.g. "720h"), empty for no expiry`)
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}

func newAuthAdminService() (*service.AuthAdminService, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := authstore.Open(cfg.Auth.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open auth store %s: %w", cfg.Auth.StorePath, err)
	}
	keys := auth.NewKeyService(store)
	// No RevocationNotifier here: this is an offline admin CLI, not the
	// running server, so there is nothing to force-close.
	admin := service.NewAuthAdminService(keys, store, nil, nil)
	return admin, func() { _ = store.Close() }, nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	admin, closeFn, err := newAuthAdminService()
	if err != nil {
		return err
	}
	defer closeFn()

	perms := make(map[string]bool, len(keysCreatePermissions))
	for _, p := range keysCreatePermissions {
		perms[p] = true
	}

	var expiresIn time.Duration
	if keysCreateExpiresIn != "" {
		expiresIn, err = time.ParseDuration(keysCreateExpiresIn)
		if err != nil {
			return fmt.Errorf("invalid --expires-in: %w", err)
		}
	}

	key, raw, err := admin.CreateKey(context.Background(), keysCreateDisplayName, perms, keysCreateRateLimit, expiresIn)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	fmt.Printf("Key ID:       %s\n", key.KeyID)
	fmt.Printf("Display name: %s\n", key.DisplayName)
	fmt.Printf("Permissions:  %s\n", strings.Join(keysCreatePermissions, ", "))
	fmt.Printf("Rate limit:   %d/min\n", key.RateLimitPerMinute)
	fmt.Printf("\nAPI key (shown once, store it securely):\n  %s\n", raw)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	admin, closeFn, err := newAuthAdminService()
	if err != nil {
		return err
	}
	defer closeFn()

	keys, err := admin.ListKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Println("No API keys.")
		return nil
	}
	for _, k := range keys {
		status := "active"
		if k.Revoked {
			status = "revoked"
		} else if k.IsExpired() {
			status = "expired"
		}
		fmt.Printf("%-36s  %-20s  %-8s  %d/min\n", k.KeyID, k.DisplayName, status, k.RateLimitPerMinute)
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	admin, closeFn, err := newAuthAdminService()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := admin.RevokeKey(context.Background(), args[0]); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	fmt.Printf("Revoked key %s.\n", args[0])
	return nil
}
