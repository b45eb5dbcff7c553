// Package trading implements the virtual trading ledger: order entry,
// position valuation and position closing against a per-user portfolio.
package trading

import (
	"virtual-trader/internal/models"
)

// PriceSource provides the latest simulated price for a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// InstrumentSource resolves instruments and their contract sizes.
type InstrumentSource interface {
	Has(symbol string) bool
	UnitMultiplier(symbol string) float64
}

// ChangeKind identifies a row-level change produced by an account.
type ChangeKind string

const (
	ChangeTradeInserted     ChangeKind = "trade_inserted"
	ChangeTradeUpdated      ChangeKind = "trade_updated"
	ChangeTradeDeleted      ChangeKind = "trade_deleted"
	ChangePortfolioUpserted ChangeKind = "portfolio_upserted"
	ChangePositionUpserted  ChangeKind = "position_upserted"
	ChangePositionDeleted   ChangeKind = "position_deleted"
)

// Change is a committed in-memory mutation that should be mirrored to the
// row store. Exactly one of the payload pointers is set.
type Change struct {
	Kind      ChangeKind
	UserID    string
	Trade     *models.Trade
	Portfolio *models.Portfolio
	Position  *models.Position
}

// ChangeSink receives the changes of every committed mutation, in commit
// order. Implementations must not block and must not call back into the
// account.
type ChangeSink interface {
	Record(changes ...Change)
}

// ChangeSinkFunc adapts a function to ChangeSink.
type ChangeSinkFunc func(changes ...Change)

// Record calls f.
func (f ChangeSinkFunc) Record(changes ...Change) {
	f(changes...)
}

type discardSink struct{}

func (discardSink) Record(...Change) {}

// OrderRequest describes a market order to open a trade.
type OrderRequest struct {
	Symbol     string           `json:"symbol"`
	Direction  models.Direction `json:"type"`
	Volume     float64          `json:"volume"`
	StopLoss   *float64         `json:"stopLoss,omitempty"`
	TakeProfit *float64         `json:"takeProfit,omitempty"`
	Leverage   float64          `json:"leverage,omitempty"`
}

// UnrealizedPnL is the mark-to-market P&L of a position:
// (price - open) x direction x volume x unit x leverage.
func UnrealizedPnL(direction models.Direction, openPrice, price, volume, unit, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return (price - openPrice) * direction.Sign() * volume * unit * leverage
}

// UnrealizedPnLPercent is the raw price move relative to the open price.
func UnrealizedPnLPercent(openPrice, price float64) float64 {
	if openPrice == 0 {
		return 0
	}
	return (price - openPrice) / openPrice * 100
}

// RequiredMargin is the margin reserved when opening volume lots at price.
func RequiredMargin(volume, unit, price, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return volume * unit * price / leverage
}
