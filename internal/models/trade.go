package models

import "time"

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// MaxLeverage bounds both per-order and default leverage.
const MaxLeverage = 1000.0

// Close reasons recorded on closed trades.
const (
	CloseManual     = "manual"
	CloseStopLoss   = "stop_loss"
	CloseTakeProfit = "take_profit"
)

// Trade is a simulated position. It is mutated on every price tick while
// OPEN and is immutable once CLOSED.
type Trade struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	Symbol       string      `json:"symbol"`
	Direction    Direction   `json:"type"`
	Volume       float64     `json:"volume"`
	Leverage     float64     `json:"leverage"`
	OpenPrice    float64     `json:"openPrice"`
	CurrentPrice float64     `json:"currentPrice"`
	OpenTime     time.Time   `json:"openTime"`
	CloseTime    *time.Time  `json:"closeTime,omitempty"`
	PnL          float64     `json:"pnl"`
	PnLPercent   float64     `json:"pnlPercent"`
	Status       TradeStatus `json:"status"`
	StopLoss     *float64    `json:"stopLoss,omitempty"`
	TakeProfit   *float64    `json:"takeProfit,omitempty"`
	ClosePrice   *float64    `json:"closePrice,omitempty"`
	FinalPnL     *float64    `json:"finalPnl,omitempty"`
	Margin       float64     `json:"margin"`
	CloseReason  string      `json:"closeReason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// IsOpen reports whether the trade is still open.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}

// Clone returns a deep copy of the trade.
func (t Trade) Clone() Trade {
	c := t
	c.CloseTime = copyTime(t.CloseTime)
	c.StopLoss = copyFloat(t.StopLoss)
	c.TakeProfit = copyFloat(t.TakeProfit)
	c.ClosePrice = copyFloat(t.ClosePrice)
	c.FinalPnL = copyFloat(t.FinalPnL)
	return c
}

// Position aggregates the open trades of one user in one symbol and direction.
type Position struct {
	UserID        string    `json:"userId"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"type"`
	Volume        float64   `json:"volume"`
	AveragePrice  float64   `json:"averagePrice"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	TradeCount    int       `json:"tradeCount"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
