package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"virtual-trader/internal/models"
)

func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newInstrumentsCmd(app))
	rootCmd.AddCommand(newPortfolioCmd(app))
	rootCmd.AddCommand(newPerformanceCmd(app))
}

func newInstrumentsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "instruments [query]",
		Aliases: []string{"symbols"},
		Short:   "List or search tradable instruments",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = strings.TrimSpace(args[0])
			}
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				list, err := b.Instruments(commandContext(cmd), query)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(list)
				}
				renderInstruments(output, list, query)
				return nil
			})
		},
	}
}

func renderInstruments(output *Output, list []models.Instrument, query string) {
	if len(list) == 0 {
		output.Warning("No instruments match %q", query)
		return
	}
	t := NewTable(output, "SYMBOL", "NAME", "CLASS", "PRICE", "CHANGE")
	for _, inst := range list {
		symbol := inst.Symbol
		if inst.Favorite {
			symbol += " ★"
		}
		t.AddRow(
			symbol,
			TruncateString(inst.Name, 28),
			string(inst.AssetClass),
			FormatPrice(inst.Symbol, inst.ReferencePrice),
			output.FormatPercent(inst.ChangePct),
		)
	}
	t.Render()
}

// ============================================================================
// Portfolio
// ============================================================================

func newPortfolioCmd(app *App) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:     "portfolio",
		Aliases: []string{"pf"},
		Short:   "Show balance, equity, margin and open trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			output := NewOutput(cmd)
			return app.remoteOrLocal(ctx, func(b Backend) error {
				if watch {
					return watchPortfolio(ctx, output, b)
				}
				snap, err := b.Portfolio(ctx)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(snap)
				}
				renderSnapshot(output, snap, app.Config.UI.TimeFormat)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream updates until interrupted")

	cmd.AddCommand(newPositionsCmd(app))
	cmd.AddCommand(newResetCmd(app))
	return cmd
}

func watchPortfolio(ctx context.Context, output *Output, b Backend) error {
	ctx, stop := signalContext(ctx)
	defer stop()
	return b.StreamPortfolio(ctx, func(snap models.PortfolioSnapshot) {
		if output.IsJSON() {
			_ = output.JSON(snap)
			return
		}
		output.Println()
		output.Dim("%s", snap.Timestamp.Local().Format(time.TimeOnly))
		renderSnapshot(output, snap, "")
	})
}

func renderSnapshot(output *Output, snap models.PortfolioSnapshot, layout string) {
	p := snap.Portfolio
	lines := []string{
		fmt.Sprintf("Balance      %s", FormatMoney(p.Balance)),
		fmt.Sprintf("Equity       %s", FormatMoney(p.Equity)),
		fmt.Sprintf("Margin       %s", FormatMoney(p.Margin)),
		fmt.Sprintf("Free Margin  %s", FormatMoney(p.FreeMargin)),
		fmt.Sprintf("Open P&L     %s", output.FormatPnL(p.PnL)),
	}
	if p.Margin > 0 {
		lines = append(lines, fmt.Sprintf("Margin Level %.1f%%", p.MarginLevel))
	}
	output.Box("Portfolio "+snap.UserID, lines)

	if len(snap.OpenTrades) == 0 {
		output.Dim("No open trades")
		return
	}
	output.Println()
	renderTrades(output, snap.OpenTrades, layout)
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show open positions aggregated by symbol and side",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				list, err := b.Positions(commandContext(cmd))
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(list)
				}
				if len(list) == 0 {
					output.Dim("No open positions")
					return nil
				}
				t := NewTable(output, "SYMBOL", "SIDE", "VOLUME", "AVG PRICE", "TRADES", "UNREALIZED")
				for _, p := range list {
					t.AddRow(p.Symbol, output.FormatSide(p.Direction), FormatVolume(p.Volume),
						FormatPrice(p.Symbol, p.AveragePrice), fmt.Sprint(p.TradeCount), output.FormatPnL(p.UnrealizedPnL))
				}
				t.Render()
				return nil
			})
		},
	}
}

func newResetCmd(app *App) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore the initial balance and delete every trade",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !yes {
				return fmt.Errorf("reset deletes all trades; pass --yes to confirm")
			}
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				p, err := b.Reset(commandContext(cmd))
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(p)
				}
				output.Success("Portfolio reset to %s", FormatMoney(p.Balance))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the reset")
	return cmd
}

// ============================================================================
// Performance
// ============================================================================

func newPerformanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "performance",
		Aliases: []string{"perf"},
		Short:   "Show daily P&L and closed trade statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				perf, err := b.Performance(commandContext(cmd))
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(perf)
				}
				renderPerformance(output, perf)
				return nil
			})
		},
	}
}

func renderPerformance(output *Output, perf models.Performance) {
	s := perf.Summary
	output.Box("Performance", []string{
		fmt.Sprintf("Closed Trades  %d (%d won, %d lost)", s.ClosedTrades, s.Wins, s.Losses),
		fmt.Sprintf("Win Rate       %.1f%%", s.WinRate),
		fmt.Sprintf("Total Profit   %s", output.Green(FormatMoney(s.TotalProfit))),
		fmt.Sprintf("Total Loss     %s", output.Red(FormatMoney(s.TotalLoss))),
		fmt.Sprintf("Net P&L        %s", output.FormatPnL(s.NetPnL)),
	})
	if len(perf.Daily) == 0 {
		return
	}
	output.Println()
	t := NewTable(output, "DATE", "P&L")
	for _, d := range perf.Daily {
		t.AddRow(d.Date, output.FormatPnL(d.PnL))
	}
	t.Render()
}
