package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"virtual-trader/internal/models"
	"virtual-trader/internal/strategy"
)

func addStrategyCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "strategy",
		Aliases: []string{"strategies"},
		Short:   "Manage simulated trading strategies",
		Long: `Manage strategies. Enabled strategies are evaluated by the server on every
signal interval and fire simulated signals that are logged and notified.`,
	}
	cmd.AddCommand(newStrategyAddCmd(app))
	cmd.AddCommand(newStrategyListCmd(app))
	cmd.AddCommand(newStrategyToggleCmd(app))
	cmd.AddCommand(newStrategyDeleteCmd(app))
	rootCmd.AddCommand(cmd)
}

func newStrategyAddCmd(app *App) *cobra.Command {
	var kind, conditions string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add <name> <symbol>",
		Short: "Create a strategy",
		Example: `  vtrader strategy add "Gold breakout" XAUUSD --type breakout
  vtrader strategy add "EU cross" EURUSD --type ma_crossover --conditions "fast 9 over slow 21"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := strategy.Input{
				Name:       args[0],
				Symbol:     args[1],
				Type:       models.StrategyType(strings.ToLower(kind)),
				Conditions: conditions,
			}
			if disabled {
				off := false
				in.Enabled = &off
			}
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				st, err := b.CreateStrategy(commandContext(cmd), in)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(st)
				}
				output.Success("Created strategy %q (%s on %s)", st.Name, st.Type, st.Symbol)
				output.Dim("ID %s", st.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "type", "t", string(models.StrategyInsideCandle),
		"inside_candle, ma_crossover, breakout or custom")
	cmd.Flags().StringVarP(&conditions, "conditions", "c", "", "free-form conditions (up to 200 words)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the strategy disabled")
	return cmd
}

func newStrategyListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				list, err := b.Strategies(commandContext(cmd))
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(list)
				}
				if len(list) == 0 {
					output.Dim("No strategies. Create one with 'vtrader strategy add'.")
					return nil
				}
				t := NewTable(output, "ID", "NAME", "SYMBOL", "TYPE", "STATE", "SIGNALS", "LAST SIGNAL")
				for _, st := range list {
					state := output.DimText("off")
					if st.Enabled {
						state = output.Green("on")
					}
					last := "-"
					if st.LastSignal != nil {
						last = FormatDuration(time.Since(*st.LastSignal)) + " ago"
					}
					t.AddRow(ShortID(st.ID), TruncateString(st.Name, 24), st.Symbol, string(st.Type),
						state, fmt.Sprint(st.SignalCount), last)
				}
				t.Render()
				return nil
			})
		},
	}
}

func newStrategyToggleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				id, err := resolveStrategyID(cmd, b, args[0])
				if err != nil {
					return err
				}
				st, err := b.ToggleStrategy(commandContext(cmd), id)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(st)
				}
				if st.Enabled {
					output.Success("Strategy %q enabled", st.Name)
				} else {
					output.Warning("Strategy %q disabled", st.Name)
				}
				return nil
			})
		},
	}
}

func newStrategyDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a strategy",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				id, err := resolveStrategyID(cmd, b, args[0])
				if err != nil {
					return err
				}
				if err := b.DeleteStrategy(commandContext(cmd), id); err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]string{"deleted": id})
				}
				output.Success("Deleted strategy %s", id)
				return nil
			})
		},
	}
}

// resolveStrategyID accepts a full id or the short suffix shown by
// `strategy list`.
func resolveStrategyID(cmd *cobra.Command, b Backend, ref string) (string, error) {
	list, err := b.Strategies(commandContext(cmd))
	if err != nil {
		return "", err
	}
	ids := make([]string, len(list))
	for i, st := range list {
		ids[i] = st.ID
	}
	return MatchID(ref, ids)
}
