package trading

import (
	"sort"
	"time"

	"virtual-trader/internal/models"
)

// Revalue marks every open trade to the latest price and refreshes the
// ledger aggregates. Trades whose stop-loss or take-profit is crossed are
// closed; the closed trades are returned.
func (a *Account) Revalue() []models.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	a.valueLocked()

	var closed []*models.Trade
	for _, t := range a.trades {
		if !t.IsOpen() {
			continue
		}
		if reason, hit := triggered(t); hit {
			a.closeLocked(t, t.CurrentPrice, reason, now)
			closed = append(closed, t)
		}
	}

	a.recomputeLocked(now)
	if len(closed) == 0 {
		return nil
	}
	a.sink.Record(a.closeChangesLocked(closed, now)...)
	return cloneAll(closed)
}

// valueLocked rewrites current price and unrealized P&L on every open trade.
func (a *Account) valueLocked() {
	for _, t := range a.trades {
		if !t.IsOpen() {
			continue
		}
		if price, ok := a.price(t.Symbol); ok {
			t.CurrentPrice = price
		}
		unit := a.instruments.UnitMultiplier(t.Symbol)
		t.PnL = UnrealizedPnL(t.Direction, t.OpenPrice, t.CurrentPrice, t.Volume, unit, t.Leverage)
		t.PnLPercent = UnrealizedPnLPercent(t.OpenPrice, t.CurrentPrice)
	}
}

// recomputeLocked derives pnl, equity, free margin and margin level from
// the balance, reserved margin and the open trades.
func (a *Account) recomputeLocked(now time.Time) {
	pnl := 0.0
	for _, t := range a.trades {
		if t.IsOpen() {
			pnl += t.PnL
		}
	}

	p := &a.portfolio
	p.PnL = pnl
	p.Equity = p.Balance + pnl
	p.FreeMargin = p.Equity - p.Margin
	if p.Margin > 0 {
		p.MarginLevel = p.Equity / p.Margin * 100
	} else {
		p.MarginLevel = 0
	}
	p.UpdatedAt = now
}

// triggered reports whether the trade's protective levels were crossed.
// Long trades stop out at or below the stop and take profit at or above
// the target; short trades mirror that.
func triggered(t *models.Trade) (string, bool) {
	price := t.CurrentPrice
	if t.Direction == models.DirectionBuy {
		if t.StopLoss != nil && price <= *t.StopLoss {
			return models.CloseStopLoss, true
		}
		if t.TakeProfit != nil && price >= *t.TakeProfit {
			return models.CloseTakeProfit, true
		}
		return "", false
	}
	if t.StopLoss != nil && price >= *t.StopLoss {
		return models.CloseStopLoss, true
	}
	if t.TakeProfit != nil && price <= *t.TakeProfit {
		return models.CloseTakeProfit, true
	}
	return "", false
}

// ============================================================================
// Positions
// ============================================================================

// Positions aggregates open trades by symbol and direction.
func (a *Account) Positions() []models.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionsLocked(a.now().UTC())
}

func (a *Account) positionsLocked(now time.Time) []models.Position {
	type key struct {
		symbol    string
		direction models.Direction
	}
	agg := make(map[key]*models.Position)
	var order []key
	for _, t := range a.trades {
		if !t.IsOpen() {
			continue
		}
		k := key{t.Symbol, t.Direction}
		pos, ok := agg[k]
		if !ok {
			pos = &models.Position{UserID: a.userID, Symbol: t.Symbol, Direction: t.Direction, UpdatedAt: now}
			agg[k] = pos
			order = append(order, k)
		}
		accumulate(pos, t)
	}

	out := make([]models.Position, 0, len(order))
	for _, k := range order {
		out = append(out, *agg[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// positionChangeLocked returns the upsert for the aggregate of symbol and
// direction, or a delete when no open trade remains in it.
func (a *Account) positionChangeLocked(symbol string, direction models.Direction, now time.Time) Change {
	pos := models.Position{UserID: a.userID, Symbol: symbol, Direction: direction, UpdatedAt: now}
	for _, t := range a.trades {
		if t.IsOpen() && t.Symbol == symbol && t.Direction == direction {
			accumulate(&pos, t)
		}
	}
	if pos.TradeCount == 0 {
		return Change{Kind: ChangePositionDeleted, UserID: a.userID, Position: &pos}
	}
	return Change{Kind: ChangePositionUpserted, UserID: a.userID, Position: &pos}
}

func accumulate(pos *models.Position, t *models.Trade) {
	total := pos.Volume + t.Volume
	if total > 0 {
		pos.AveragePrice = (pos.AveragePrice*pos.Volume + t.OpenPrice*t.Volume) / total
	}
	pos.Volume = total
	pos.UnrealizedPnL += t.PnL
	pos.TradeCount++
}
