package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/models"
	"virtual-trader/internal/trading"
)

// addTradingCommands adds the trade command group.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Open, close, list and export trades",
	}
	cmd.AddCommand(newTradeOpenCmd(app))
	cmd.AddCommand(newTradeCloseCmd(app))
	cmd.AddCommand(newTradeListCmd(app))
	cmd.AddCommand(newTradeExportCmd(app))
	rootCmd.AddCommand(cmd)
}

func newTradeOpenCmd(app *App) *cobra.Command {
	var sl, tp, leverage float64

	cmd := &cobra.Command{
		Use:   "open <symbol> <BUY|SELL> <volume>",
		Short: "Open a market order at the current price",
		Long: `Open a market order at the current simulated price.

The order is rejected without side effects when the required margin
(price x volume x contract size / leverage) exceeds the free margin.`,
		Example: `  vtrader trade open BTCUSD BUY 0.05
  vtrader trade open EURUSD SELL 0.1 --leverage 50 --sl 1.0950 --tp 1.0750
  vtrader trade open XAUUSD buy 1 --tp 2100`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseOrder(args, cmd, sl, tp, leverage)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				t, err := b.OpenTrade(commandContext(cmd), req)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(t)
				}
				output.Success("Opened %s %s %s @ %s", output.FormatSide(t.Direction), FormatVolume(t.Volume),
					t.Symbol, FormatPrice(t.Symbol, t.OpenPrice))
				output.Dim("Trade %s  margin %s  leverage %gx", t.ID, FormatMoney(t.Margin), t.Leverage)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&sl, "sl", 0, "stop-loss price")
	cmd.Flags().Float64Var(&tp, "tp", 0, "take-profit price")
	cmd.Flags().Float64Var(&leverage, "leverage", 0, "leverage (default from trading.default_leverage)")
	return cmd
}

// parseOrder builds an order from the positional arguments. Unset flags
// are left nil so the account applies its defaults.
func parseOrder(args []string, cmd *cobra.Command, sl, tp, leverage float64) (trading.OrderRequest, error) {
	dir, err := ParseDirection(args[1])
	if err != nil {
		return trading.OrderRequest{}, err
	}
	volume, err := strconv.ParseFloat(strings.TrimSpace(args[2]), 64)
	if err != nil || volume <= 0 {
		return trading.OrderRequest{}, fmt.Errorf("invalid volume %q: must be a positive number", args[2])
	}
	req := trading.OrderRequest{
		Symbol:    catalog.NormalizeSymbol(args[0]),
		Direction: dir,
		Volume:    volume,
		Leverage:  leverage,
	}
	if cmd.Flags().Changed("sl") {
		req.StopLoss = models.Float(sl)
	}
	if cmd.Flags().Changed("tp") {
		req.TakeProfit = models.Float(tp)
	}
	return req, nil
}

func newTradeCloseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "close <trade-id>",
		Short: "Close an open trade at the current price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				open, err := b.Trades(commandContext(cmd), models.TradeOpen)
				if err != nil {
					return err
				}
				ids := make([]string, len(open))
				for i, t := range open {
					ids[i] = t.ID
				}
				id, err := MatchID(args[0], ids)
				if err != nil {
					return err
				}
				t, err := b.CloseTrade(commandContext(cmd), id)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(t)
				}
				pnl := 0.0
				if t.FinalPnL != nil {
					pnl = *t.FinalPnL
				}
				price := t.CurrentPrice
				if t.ClosePrice != nil {
					price = *t.ClosePrice
				}
				output.Success("Closed %s %s @ %s  P&L %s", t.Symbol, output.FormatSide(t.Direction),
					FormatPrice(t.Symbol, price), output.FormatPnL(pnl))
				return nil
			})
		},
	}
}

func newTradeListCmd(app *App) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatus(status)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				trades, err := b.Trades(commandContext(cmd), filter)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(trades)
				}
				if len(trades) == 0 {
					output.Dim("No trades")
					return nil
				}
				renderTrades(output, trades, app.Config.UI.TimeFormat)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: open or closed")
	return cmd
}

func parseStatus(s string) (models.TradeStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(models.TradeOpen):
		return models.TradeOpen, nil
	case string(models.TradeClosed):
		return models.TradeClosed, nil
	}
	return "", fmt.Errorf("invalid status %q: use open or closed", s)
}

func renderTrades(output *Output, trades []models.Trade, layout string) {
	t := NewTable(output, "ID", "SYMBOL", "SIDE", "VOLUME", "OPEN", "CURRENT", "P&L", "STATUS", "OPENED")
	for _, tr := range trades {
		pnl, price := tr.PnL, tr.CurrentPrice
		if tr.FinalPnL != nil {
			pnl = *tr.FinalPnL
		}
		if tr.ClosePrice != nil {
			price = *tr.ClosePrice
		}
		status := output.FormatStatus(tr.Status)
		if tr.CloseReason != "" && tr.CloseReason != models.CloseManual {
			status += output.DimText(" (" + tr.CloseReason + ")")
		}
		t.AddRow(
			ShortID(tr.ID),
			tr.Symbol,
			output.FormatSide(tr.Direction),
			FormatVolume(tr.Volume),
			FormatPrice(tr.Symbol, tr.OpenPrice),
			FormatPrice(tr.Symbol, price),
			output.FormatPnL(pnl),
			status,
			FormatTime(tr.OpenTime, layout),
		)
	}
	t.Render()
}

// ============================================================================
// Export
// ============================================================================

// TradeRow is the CSV form of a trade.
type TradeRow struct {
	ID          string  `csv:"id"`
	Symbol      string  `csv:"symbol"`
	Direction   string  `csv:"type"`
	Volume      float64 `csv:"volume"`
	Leverage    float64 `csv:"leverage"`
	OpenPrice   float64 `csv:"open_price"`
	ClosePrice  string  `csv:"close_price"`
	StopLoss    string  `csv:"stop_loss"`
	TakeProfit  string  `csv:"take_profit"`
	PnL         float64 `csv:"pnl"`
	Margin      float64 `csv:"margin"`
	Status      string  `csv:"status"`
	CloseReason string  `csv:"close_reason"`
	OpenTime    string  `csv:"open_time"`
	CloseTime   string  `csv:"close_time"`
}

// TradeRows flattens trades for CSV export. Closed trades report their
// final P&L.
func TradeRows(trades []models.Trade) []*TradeRow {
	rows := make([]*TradeRow, 0, len(trades))
	for _, t := range trades {
		row := &TradeRow{
			ID:          t.ID,
			Symbol:      t.Symbol,
			Direction:   string(t.Direction),
			Volume:      t.Volume,
			Leverage:    t.Leverage,
			OpenPrice:   t.OpenPrice,
			ClosePrice:  optional(t.ClosePrice),
			StopLoss:    optional(t.StopLoss),
			TakeProfit:  optional(t.TakeProfit),
			PnL:         t.PnL,
			Margin:      t.Margin,
			Status:      string(t.Status),
			CloseReason: t.CloseReason,
			OpenTime:    t.OpenTime.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if t.FinalPnL != nil {
			row.PnL = *t.FinalPnL
		}
		if t.CloseTime != nil {
			row.CloseTime = t.CloseTime.UTC().Format("2006-01-02T15:04:05Z")
		}
		rows = append(rows, row)
	}
	return rows
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func newTradeExportCmd(app *App) *cobra.Command {
	var out, status string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export trades to CSV",
		Example: `  vtrader trade export --out trades.csv
  vtrader trade export --status closed --out -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatus(status)
			if err != nil {
				return err
			}
			return app.remoteOrLocal(commandContext(cmd), func(b Backend) error {
				trades, err := b.Trades(commandContext(cmd), filter)
				if err != nil {
					return err
				}
				rows := TradeRows(trades)

				if out == "" || out == "-" {
					return gocsv.Marshal(&rows, cmd.OutOrStdout())
				}
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("creating %s: %w", out, err)
				}
				if err := gocsv.MarshalFile(&rows, f); err != nil {
					f.Close()
					return fmt.Errorf("writing %s: %w", out, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				NewOutput(cmd).Success("Exported %d trades to %s", len(rows), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: open or closed")
	return cmd
}

// signalContext is ctx cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
