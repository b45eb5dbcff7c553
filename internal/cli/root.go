package cli

import (
	"context"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"virtual-trader/internal/config"
	"virtual-trader/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. A nil cfg is loaded
// from --config (or the default location) before any command runs.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "vtrader",
		Short: "Virtual trading simulator",
		Long: `vtrader simulates a margin trading account against a random-walk price feed.

Run 'vtrader serve' to start the HTTP API with live portfolio streaming, or use
the trade, portfolio, strategy and backtest commands directly. When api.base_url
is configured the commands talk to that server and fall back to a local session
when it cannot be reached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "" && app.Config == nil {
				path, _ := cmd.Flags().GetString("config")
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.Logger = newLogger(loaded, cmd.ErrOrStderr())
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/vtrader/config.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	addCoreCommands(rootCmd, app)
	addServeCommand(rootCmd, app)
	addMarketCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addStrategyCommands(rootCmd, app)
	addBacktestCommands(rootCmd, app)
	addHelpCommands(rootCmd, app)

	return rootCmd
}

// Execute runs the root command and prints a failure the way the commands
// print everything else.
func Execute(ctx context.Context, logger zerolog.Logger) int {
	root := NewRootCmd(nil, logger)
	if err := root.ExecuteContext(ctx); err != nil {
		out := newPlainOutput(root.ErrOrStderr(), false)
		out.Error("%v", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config, stderr io.Writer) zerolog.Logger {
	lc := logging.DefaultLogConfig()
	lc.Level = cfg.Logging.Level
	lc.Console = cfg.Logging.Console
	lc.NoColor = !cfg.UI.ColorEnabled
	lc.File = cfg.Logging.File != ""
	lc.FilePath = cfg.Logging.File
	lc.Output = stderr
	return logging.NewLoggerWithConfig(lc)
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("vtrader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			view := redacted(app.Config)
			if output.IsJSON() {
				return output.JSON(view)
			}
			showConfig(output, view)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := app.Config.Path()
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path, "dir": filepath.Dir(path)})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

// configView is the printable configuration. Secrets are reduced to
// whether they are set.
type configView struct {
	Path          string                    `json:"path"`
	Server        config.ServerConfig       `json:"server"`
	API           apiView                   `json:"api"`
	Auth          authView                  `json:"auth"`
	Trading       config.TradingConfig      `json:"trading"`
	Feed          config.FeedConfig         `json:"feed"`
	Store         storeView                 `json:"store"`
	Sync          config.SyncConfig         `json:"sync"`
	Stream        config.StreamConfig       `json:"stream"`
	Notifications config.NotificationConfig `json:"notifications"`
	Logging       config.LoggingConfig      `json:"logging"`
	Channels      map[string]bool           `json:"channels_configured"`
}

type apiView struct {
	BaseURL  string `json:"base_url"`
	HasToken bool   `json:"has_token"`
	Timeout  string `json:"timeout"`
}

type authView struct {
	Tokens        int  `json:"tokens"`
	AllowAnyToken bool `json:"allow_any_token"`
}

type storeView struct {
	Backend      string `json:"backend"`
	SQLitePath   string `json:"sqlite_path,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"`
	OutboxLimit  int    `json:"outbox_limit"`
}

func redacted(cfg *config.Config) configView {
	backend := "memory"
	switch {
	case cfg.Credentials.RowStoreURL != "":
		backend = "postgres"
	case cfg.Store.SQLitePath != "":
		backend = "sqlite"
	}
	return configView{
		Path:   cfg.Path(),
		Server: cfg.Server,
		API: apiView{
			BaseURL:  cfg.API.BaseURL,
			HasToken: cfg.API.Token != "",
			Timeout:  cfg.API.Timeout.String(),
		},
		Auth:    authView{Tokens: len(cfg.Auth.Tokens), AllowAnyToken: cfg.Auth.AllowAnyToken},
		Trading: cfg.Trading,
		Feed:    cfg.Feed,
		Store: storeView{
			Backend:      backend,
			SQLitePath:   cfg.Store.SQLitePath,
			SnapshotPath: cfg.Store.SnapshotPath,
			OutboxLimit:  cfg.Store.OutboxLimit,
		},
		Sync:          cfg.Sync,
		Stream:        cfg.Stream,
		Notifications: cfg.Notifications,
		Logging:       cfg.Logging,
		Channels: map[string]bool{
			"email":   cfg.Credentials.HasSMTP(),
			"sms":     cfg.Credentials.HasTwilio(),
			"webhook": cfg.Credentials.WebhookURL != "",
		},
	}
}

func showConfig(output *Output, v configView) {
	output.Dim("%s", v.Path)
	output.Println()

	output.Bold("Trading")
	output.Printf("  Initial Balance:  %s\n", FormatMoney(v.Trading.InitialBalance))
	output.Printf("  Default Leverage: %gx\n", v.Trading.DefaultLeverage)
	output.Printf("  Local User:       %s\n", v.Trading.LocalUser)
	output.Printf("  Checkpoint Every: %s\n", v.Trading.CheckpointInterval)
	output.Println()

	output.Bold("Feed")
	output.Printf("  Interval:         %s\n", v.Feed.Interval)
	output.Printf("  Band:             ±%.3f%%\n", v.Feed.Band*100)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Backend:          %s\n", v.Store.Backend)
	if v.Store.SQLitePath != "" {
		output.Printf("  SQLite:           %s\n", v.Store.SQLitePath)
	}
	if v.Store.Backend == "memory" {
		output.Printf("  Snapshot:         %s\n", v.Store.SnapshotPath)
	}
	output.Printf("  Outbox Limit:     %d\n", v.Store.OutboxLimit)
	output.Printf("  Max Attempts:     %d\n", v.Sync.MaxAttempts)
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:          %s\n", v.Server.Addr)
	output.Printf("  Tokens:           %d (allow any: %v)\n", v.Auth.Tokens, v.Auth.AllowAnyToken)
	output.Printf("  Stream:           every %s, max %s\n", v.Stream.Interval, v.Stream.MaxDuration)
	if v.API.BaseURL != "" {
		output.Printf("  Remote API:       %s\n", v.API.BaseURL)
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", v.Notifications.Enabled)
	for _, name := range []string{"email", "sms", "webhook"} {
		state := output.DimText("mock")
		if v.Channels[name] {
			state = output.Green("configured")
		}
		output.Printf("  %-17s %s\n", name+":", state)
	}
}

// commandContext returns the command's context, never nil.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
