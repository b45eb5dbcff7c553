package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/catalog"
	"virtual-trader/internal/models"
)

func addBacktestCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "backtest",
		Aliases: []string{"bt"},
		Short:   "Run and list backtests on synthetic candles",
	}
	cmd.AddCommand(newBacktestRunCmd(app))
	cmd.AddCommand(newBacktestListCmd(app))
	cmd.AddCommand(newCandlesCmd(app))
	rootCmd.AddCommand(cmd)
}

type backtestFlags struct {
	strategyType string
	strategyID   string
	timeframe    string
	from         string
	to           string
	seed         int64
	capital      float64
	slippage     float64
	trades       bool
}

func (f backtestFlags) config(symbol string, now time.Time) (backtest.Config, error) {
	cfg := backtest.Config{
		StrategyID:     f.strategyID,
		StrategyType:   models.StrategyType(strings.ToLower(f.strategyType)),
		Symbol:         symbol,
		Timeframe:      f.timeframe,
		Seed:           f.seed,
		InitialCapital: f.capital,
		Slippage:       f.slippage,
	}
	end := now.UTC().Truncate(24 * time.Hour)
	if f.to != "" {
		t, err := ParseDate(f.to)
		if err != nil {
			return cfg, err
		}
		end = t
	}
	start := end.AddDate(0, -1, 0)
	if f.from != "" {
		t, err := ParseDate(f.from)
		if err != nil {
			return cfg, err
		}
		start = t
	}
	cfg.Start, cfg.End = start, end
	return cfg, nil
}

func newBacktestRunCmd(app *App) *cobra.Command {
	var flags backtestFlags

	cmd := &cobra.Command{
		Use:   "run [symbol]",
		Short: "Backtest a strategy",
		Long: `Backtest a strategy on candles generated from the simulator's random walk.

Pass a symbol and --strategy-type, or --strategy to replay a saved strategy on
its own symbol. The same --seed always produces the same candles.`,
		Example: `  vtrader backtest run BTCUSD --strategy-type breakout --timeframe 4H --from 2024-01-01 --to 2024-06-30
  vtrader backtest run --strategy 01J9Z3 --timeframe 1H --seed 42`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := ""
			if len(args) == 1 {
				symbol = args[0]
			}
			if symbol == "" && flags.strategyID == "" {
				return fmt.Errorf("a symbol or --strategy is required")
			}
			cfg, err := flags.config(symbol, time.Now())
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			output := NewOutput(cmd)
			return app.remoteOrLocal(ctx, func(b Backend) error {
				if cfg.StrategyID != "" {
					id, err := resolveStrategyID(cmd, b, cfg.StrategyID)
					if err != nil {
						return err
					}
					cfg.StrategyID = id
				}

				report, err := runWithProgress(ctx, b, cfg, output)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(report)
				}
				renderReport(output, report, flags.trades)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flags.strategyType, "strategy-type", "",
		"ma_crossover (default), inside_candle, breakout or custom")
	cmd.Flags().StringVar(&flags.strategyID, "strategy", "", "saved strategy id")
	cmd.Flags().StringVar(&flags.timeframe, "timeframe", "1H", "candle timeframe: "+strings.Join(backtest.Timeframes(), ", "))
	cmd.Flags().StringVar(&flags.from, "from", "", "start date (default one month before --to)")
	cmd.Flags().StringVar(&flags.to, "to", "", "end date (default today)")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "candle seed (default derived from the run)")
	cmd.Flags().Float64Var(&flags.capital, "capital", 0, "initial capital (default 10000)")
	cmd.Flags().Float64Var(&flags.slippage, "slippage", 0, "slippage per fill as a fraction of price")
	cmd.Flags().BoolVar(&flags.trades, "trades", false, "list every simulated trade")
	return cmd
}

// runWithProgress shows a candle progress bar for local runs and a
// spinner while a server computes the result.
func runWithProgress(ctx context.Context, b Backend, cfg backtest.Config, output *Output) (*backtest.Report, error) {
	if output.IsJSON() {
		return b.RunBacktest(ctx, cfg)
	}

	if lb, ok := b.(*localBackend); ok {
		var bar *progressbar.ProgressBar
		lb.progress = func(done, total int) {
			if bar == nil {
				bar = newProgressBar(output.Writer(), total)
			}
			_ = bar.Set(done)
		}
		defer func() { lb.progress = nil }()
		report, err := b.RunBacktest(ctx, cfg)
		if bar != nil {
			_ = bar.Finish()
			output.Println()
		}
		return report, err
	}

	spinner := newProgressBar(output.Writer(), -1)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = spinner.Add(1)
			}
		}
	}()
	report, err := b.RunBacktest(ctx, cfg)
	close(done)
	_ = spinner.Finish()
	output.Println()
	return report, err
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetDescription("Backtesting..."),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

func renderReport(output *Output, report *backtest.Report, withTrades bool) {
	r := report.Result
	title := fmt.Sprintf("Backtest %s %s %s", r.StrategyType, r.Symbol, r.Timeframe)
	output.Box(title, []string{
		fmt.Sprintf("Period         %s → %s (%d candles)", r.StartDate.Format("2006-01-02"), r.EndDate.Format("2006-01-02"), report.Candles),
		fmt.Sprintf("Trades         %d", r.TotalTrades),
		fmt.Sprintf("Win Rate       %.1f%%", r.WinRate),
		fmt.Sprintf("Total Return   %s", output.FormatPercent(r.TotalReturn)),
		fmt.Sprintf("Max Drawdown   %s", output.Red(fmt.Sprintf("%.2f%%", r.MaxDrawdown))),
		fmt.Sprintf("Profit Factor  %.2f", r.ProfitFactor),
		fmt.Sprintf("Avg Win/Loss   %s / %s", output.Green(fmt.Sprintf("%.2f%%", r.AvgWin)), output.Red(fmt.Sprintf("%.2f%%", r.AvgLoss))),
	})

	if !withTrades || len(report.Trades) == 0 {
		return
	}
	output.Println()
	t := NewTable(output, "SIDE", "ENTRY", "EXIT", "ENTRY PRICE", "EXIT PRICE", "P&L", "%", "REASON")
	for _, tr := range report.Trades {
		t.AddRow(
			output.FormatSide(tr.Side),
			tr.EntryTime.Format("01-02 15:04"),
			tr.ExitTime.Format("01-02 15:04"),
			FormatPrice(r.Symbol, tr.EntryPrice),
			FormatPrice(r.Symbol, tr.ExitPrice),
			output.FormatPnL(tr.PnL),
			output.FormatPercent(tr.PnLPercent),
			tr.Reason,
		)
	}
	t.Render()
}

func newBacktestListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored backtest results",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				list, err := b.Backtests(commandContext(cmd))
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(list)
				}
				if len(list) == 0 {
					output.Dim("No backtests yet")
					return nil
				}
				t := NewTable(output, "ID", "STRATEGY", "SYMBOL", "TF", "TRADES", "WIN %", "RETURN", "MAX DD", "RUN")
				for _, r := range list {
					t.AddRow(ShortID(r.ID), r.StrategyType, r.Symbol, r.Timeframe, fmt.Sprint(r.TotalTrades),
						fmt.Sprintf("%.1f", r.WinRate), output.FormatPercent(r.TotalReturn),
						fmt.Sprintf("%.2f%%", r.MaxDrawdown), FormatTime(r.CreatedAt, app.Config.UI.TimeFormat))
				}
				t.Render()
				return nil
			})
		},
	}
}

// ============================================================================
// Candles
// ============================================================================

func newCandlesCmd(app *App) *cobra.Command {
	var timeframe, from, out string
	var count int
	var seed int64

	cmd := &cobra.Command{
		Use:   "candles <symbol>",
		Short: "Export the synthetic candles a backtest would replay",
		Long: `Generate synthetic OHLC candles from the instrument's reference price with
the same random walk the backtester uses, and write them as CSV.`,
		Example: `  vtrader backtest candles BTCUSD --timeframe 4H --count 500 --seed 7 --out btc.csv`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := instruments.Get(catalog.NormalizeSymbol(args[0]))
			if err != nil {
				return err
			}
			_, tf, err := backtest.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			if count < 1 || count > backtest.MaxCandles {
				return fmt.Errorf("count must be between 1 and %d", backtest.MaxCandles)
			}
			start := time.Now().UTC().Truncate(tf).Add(-time.Duration(count) * tf)
			if from != "" {
				if start, err = ParseDate(from); err != nil {
					return err
				}
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			r := rand.New(rand.NewSource(seed))
			candles := backtest.GenerateCandles(r, inst.ReferencePrice, start, tf, count, app.Config.Feed.Band)

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(candles)
			}
			if out == "" || out == "-" {
				return gocsv.Marshal(&candles, cmd.OutOrStdout())
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			if err := gocsv.MarshalFile(&candles, f); err != nil {
				f.Close()
				return fmt.Errorf("writing %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			output.Success("Exported %d %s candles to %s (seed %d)", len(candles), inst.Symbol, out, seed)
			return nil
		},
	}

	cmd.Flags().StringVar(&timeframe, "timeframe", "1H", "candle timeframe")
	cmd.Flags().IntVar(&count, "count", 200, "number of candles")
	cmd.Flags().StringVar(&from, "from", "", "first candle time (default: count candles before now)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random walk seed")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
