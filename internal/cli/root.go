// Package cli provides the command-line interface for the pipeline.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rsassistant/internal/config"
	"rsassistant/internal/logging"
	"rsassistant/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.DataStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	dataStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize store, some features may be unavailable")
	} else {
		app.Store = dataStore
		logger.Debug().Str("path", cfg.Database.Path).Msg("SQLite store initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "rsassistant",
		Short: "RSAssistant - reverse stock split tracking pipeline",
		Long: `RSAssistant tracks reverse stock split announcements end to end.

It deduplicates alerts into cases, resolves the fractional-share policy
from the announcement documents, schedules round-up buys across your
brokerage accounts, and reconciles fills and post-split holdings from
the execution agent's messages.

Use 'rsassistant help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/rsassistant)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addCaseCommands(rootCmd, app)
	addActionCommands(rootCmd, app)
	addToolCommands(rootCmd, app)
	addRunCommand(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("RSAssistant v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Scheduler Configuration")
	output.Printf("  Poll Interval:   %s\n", cfg.Scheduler.PollInterval)
	output.Printf("  Max Attempts:    %d\n", cfg.Scheduler.MaxAttempts)
	output.Printf("  Backoff:         %s to %s (x%.1f)\n", cfg.Scheduler.InitialBackoff, cfg.Scheduler.MaxBackoff, cfg.Scheduler.BackoffFactor)
	output.Printf("  Confirm Window:  %s\n", cfg.Scheduler.ConfirmWindow)
	output.Printf("  Buy Quantity:    %.0f\n", cfg.Scheduler.BuyQuantity)
	output.Println()

	output.Bold("Policy Resolution")
	output.Printf("  Max Attempts:    %d\n", cfg.Policy.MaxResolveAttempts)
	output.Printf("  LLM Fallback:    %v\n", cfg.Policy.LLMEnabled)
	output.Printf("  LLM Model:       %s\n", cfg.Policy.LLMModel)
	output.Println()

	output.Bold("Accounts")
	if len(cfg.Accounts) == 0 {
		output.Dim("  (none configured)")
	}
	for _, a := range cfg.Accounts {
		output.Printf("  %s/%s\n", a.Broker, a.Account)
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:           %v\n", cfg.Notifications.Email.Enabled)

	return nil
}
