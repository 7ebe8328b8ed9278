// Package app provides the command-line interface of the MCP search bridge.
package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ykq007/mcp-tavily-bridge/pkg/admin"
	"github.com/ykq007/mcp-tavily-bridge/pkg/bridge"
	"github.com/ykq007/mcp-tavily-bridge/pkg/config"
	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/dispatch"
	"github.com/ykq007/mcp-tavily-bridge/pkg/keypool"
	"github.com/ykq007/mcp-tavily-bridge/pkg/logger"
	"github.com/ykq007/mcp-tavily-bridge/pkg/rategate"
	"github.com/ykq007/mcp-tavily-bridge/pkg/session"
	"github.com/ykq007/mcp-tavily-bridge/pkg/settings"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store/sqlite"
	"github.com/ykq007/mcp-tavily-bridge/pkg/telemetry"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/brave"
	"github.com/ykq007/mcp-tavily-bridge/pkg/upstream/tavily"
)

// version is injected at build time.
var version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:               "bridge",
	DisableAutoGenTag: true,
	Short:             "Multi-tenant MCP bridge for upstream search providers",
	Long: `bridge is an MCP (Model Context Protocol) server fronting the Tavily and
Brave search APIs. It pools upstream API keys with cooldown and credit
tracking, authenticates calling applications with revocable bearer tokens,
applies local rate limits, and exposes an admin API for key, token, and
policy management.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the bridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP bridge server",
		Long: `Start the MCP bridge server.

Configuration is read from the environment: DATABASE_URL, ADMIN_API_TOKEN
and KEY_ENCRYPTION_SECRET are required. The server exposes the MCP endpoint
on /mcp, health on /health, Prometheus metrics on /metrics, and the admin
API under /admin/api.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("bridge version: %s", version)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	vault, err := crypto.NewVault(cfg.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}

	st, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warnf("Failed to close database: %v", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	settingsCache := settings.New(st, time.Duration(cfg.SettingsRefreshMs)*time.Millisecond, map[string]string{
		store.SettingSelectionStrategy: cfg.SelectionStrategy,
		store.SettingSearchSourceMode:  cfg.SearchSourceMode,
		store.SettingResearchEnabled:   "false",
	})

	tavilyClient := tavily.New("", 30*time.Second)
	braveClient := brave.New("", cfg.BraveTimeout)

	pool := keypool.New(st, vault, settingsCache, tavilyClient, metrics, keypool.Config{
		Cooldown:            time.Duration(cfg.CooldownMs) * time.Millisecond,
		CreditsCooldown:     time.Duration(cfg.CreditsCooldownMs) * time.Millisecond,
		CreditsMinRemaining: cfg.CreditsMinRemaining,
		CreditsCacheTTL:     time.Duration(cfg.CreditsCacheTTLMs) * time.Millisecond,
		RefreshLock:         time.Duration(cfg.CreditsRefreshLockMs) * time.Millisecond,
	})

	dispatcher := dispatch.New(pool, tavilyClient, braveClient,
		rategate.New(cfg.BraveMinInterval()), settingsCache, metrics, dispatch.Config{
			MaxRetries:    cfg.MaxRetries,
			BraveMaxQueue: time.Duration(cfg.BraveMaxQueueMs) * time.Millisecond,
			BraveOverflow: cfg.BraveOverflow,
		})

	sessions := session.NewManager(cfg.SessionIdle)

	server := bridge.New(bridge.Deps{
		Config:       cfg,
		Store:        st,
		Vault:        vault,
		Pool:         pool,
		Dispatcher:   dispatcher,
		Settings:     settingsCache,
		Sessions:     sessions,
		Metrics:      metrics,
		AdminHandler: admin.Router(cfg, st, vault, pool, settingsCache),
	})
	return server.Start(ctx)
}
