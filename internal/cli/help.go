package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// addHelpCommands adds help and documentation commands.
func addHelpCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newCommandsCmd(rootCmd))
	rootCmd.AddCommand(newExamplesCmd())
	rootCmd.AddCommand(newQuickstartCmd(app))
}

func newCommandsCmd(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:         "commands",
		Short:       "List all commands",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("vtrader commands")
			output.Println()

			for _, c := range rootCmd.Commands() {
				if !c.IsAvailableCommand() || c.Name() == "help" {
					continue
				}
				if !c.HasAvailableSubCommands() {
					output.Printf("  %-34s %s\n", output.Cyan(c.Use), c.Short)
					continue
				}
				output.Printf("%s\n", output.BoldText(c.Name()))
				for _, sub := range c.Commands() {
					if !sub.IsAvailableCommand() {
						continue
					}
					output.Printf("  %-34s %s\n", output.Cyan(c.Name()+" "+sub.Use), sub.Short)
				}
			}

			output.Println()
			output.Dim("Use 'vtrader help <command>' for flags and examples")
			return nil
		},
	}
}

func newExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "examples",
		Short:       "Show common workflow examples",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("Common Workflow Examples")
			output.Println()

			examples := []struct {
				title    string
				commands []string
			}{
				{
					title: "Run the Simulator",
					commands: []string{
						"vtrader serve                          # API, price feed and SSE stream",
						"vtrader serve --addr :9090             # Listen elsewhere",
					},
				},
				{
					title: "Open and Close a Trade",
					commands: []string{
						"vtrader instruments usd                # Find a symbol",
						"vtrader trade open EURUSD BUY 0.1 --leverage 50 --sl 1.0950",
						"vtrader portfolio                      # Equity and free margin",
						"vtrader trade close 3F9K2QZX           # Short ids work",
					},
				},
				{
					title: "Watch the Account",
					commands: []string{
						"vtrader portfolio --watch              # Live snapshots until Ctrl+C",
						"vtrader portfolio positions            # Aggregated by symbol and side",
						"vtrader performance                    # Daily P&L and win rate",
					},
				},
				{
					title: "Strategies and Backtests",
					commands: []string{
						"vtrader strategy add \"Gold breakout\" XAUUSD --type breakout",
						"vtrader backtest run --strategy <id> --timeframe 4H --seed 42",
						"vtrader backtest run BTCUSD --from 2024-01-01 --to 2024-03-31 --trades",
						"vtrader backtest list",
					},
				},
				{
					title: "Export Data",
					commands: []string{
						"vtrader trade export --status closed -o closed.csv",
						"vtrader backtest candles ETHUSD --timeframe 1D --count 365 -o eth.csv",
					},
				},
				{
					title: "Start Over",
					commands: []string{
						"vtrader portfolio reset --yes          # Initial balance, no trades",
					},
				},
			}

			for _, ex := range examples {
				output.Bold("%s", ex.title)
				for _, c := range ex.commands {
					parts := strings.SplitN(c, "#", 2)
					if len(parts) == 2 {
						output.Printf("  %s %s\n", output.Cyan(strings.TrimSpace(parts[0])), output.DimText(strings.TrimSpace(parts[1])))
					} else {
						output.Printf("  %s\n", output.Cyan(c))
					}
				}
				output.Println()
			}
			return nil
		},
	}
}

func newQuickstartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quickstart",
		Short: "New user guide",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("vtrader Quick Start")
			output.Println()

			steps := []struct {
				title string
				desc  string
				cmd   string
			}{
				{"Check the Configuration", "A template config.toml is written on first run.", "vtrader config path"},
				{"Start the Server", "Runs the price feed, the REST API and the portfolio stream.", "vtrader serve"},
				{"Browse Instruments", "Crypto, stocks, forex, commodities and indices.", "vtrader instruments"},
				{"Place a Simulated Trade", "Orders fill at the current simulated price.", "vtrader trade open BTCUSD BUY 0.05"},
				{"Follow Your Equity", "P&L is revalued on every price step.", "vtrader portfolio --watch"},
			}
			for i, s := range steps {
				output.Printf("%s Step %d: %s\n", output.Cyan("→"), i+1, output.BoldText(s.title))
				output.Printf("  %s\n", s.desc)
				output.Printf("  %s\n\n", output.DimText(s.cmd))
			}

			output.Bold("Configuration")
			output.Printf("  %s - server, trading and feed settings\n", output.Cyan(app.Config.Path()))
			output.Printf("  %s - row store URL and key, API token, SMTP and Twilio secrets\n", output.Cyan(".env"))
			output.Println()

			output.Bold("Notes")
			if app.Config.MockMode() {
				output.Printf("  %s No row store configured: data is kept locally\n", output.Yellow("⚠"))
			}
			if app.Config.API.BaseURL == "" {
				output.Printf("  %s api.base_url is empty: commands run against a local session\n", output.Yellow("⚠"))
			}
			output.Printf("  %s All prices are simulated; no orders reach a real market\n", output.Yellow("⚠"))
			return nil
		},
	}
}
