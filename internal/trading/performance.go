package trading

import (
	"sort"

	"virtual-trader/internal/models"
)

// Performance summarizes the account's closed trades.
func (a *Account) Performance() models.Performance {
	closed := a.Trades(models.TradeClosed)
	return models.Performance{
		Daily:   DailyPerformance(closed),
		Summary: Summarize(closed),
	}
}

// DailyPerformance sums the realized P&L of closed trades per UTC close
// date, ordered by date.
func DailyPerformance(trades []models.Trade) []models.DailyPnL {
	byDate := make(map[string]float64)
	for _, t := range trades {
		if t.Status != models.TradeClosed || t.CloseTime == nil || t.FinalPnL == nil {
			continue
		}
		byDate[t.CloseTime.UTC().Format("2006-01-02")] += *t.FinalPnL
	}

	out := make([]models.DailyPnL, 0, len(byDate))
	for date, pnl := range byDate {
		out = append(out, models.DailyPnL{Date: date, PnL: pnl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summarize computes win/loss statistics over closed trades.
func Summarize(trades []models.Trade) models.PerformanceSummary {
	var s models.PerformanceSummary
	for _, t := range trades {
		if t.Status != models.TradeClosed || t.FinalPnL == nil {
			continue
		}
		pnl := *t.FinalPnL
		s.ClosedTrades++
		switch {
		case pnl > 0:
			s.Wins++
			s.TotalProfit += pnl
		case pnl < 0:
			s.Losses++
			s.TotalLoss += -pnl
		}
	}
	s.NetPnL = s.TotalProfit - s.TotalLoss
	if s.ClosedTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.ClosedTrades) * 100
	}
	return s
}
