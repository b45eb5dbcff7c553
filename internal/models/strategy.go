package models

import "time"

// StrategyType identifies the signal rule a strategy describes.
type StrategyType string

const (
	StrategyInsideCandle StrategyType = "inside_candle"
	StrategyMACrossover  StrategyType = "ma_crossover"
	StrategyBreakout     StrategyType = "breakout"
	StrategyCustom       StrategyType = "custom"
)

// Valid reports whether the strategy type is known.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyInsideCandle, StrategyMACrossover, StrategyBreakout, StrategyCustom:
		return true
	}
	return false
}

// Strategy is a user-defined, textual trading rule.
type Strategy struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Name        string       `json:"name"`
	Symbol      string       `json:"symbol"`
	Type        StrategyType `json:"type"`
	Conditions  string       `json:"conditions"`
	Enabled     bool         `json:"enabled"`
	LastSignal  *time.Time   `json:"lastSignal,omitempty"`
	SignalCount int          `json:"signalCount"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// BacktestResult stores the outcome of a simulated backtest.
type BacktestResult struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	StrategyID   string    `json:"strategyId,omitempty"`
	StrategyType string    `json:"strategyType"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	TotalTrades  int       `json:"totalTrades"`
	WinRate      float64   `json:"winRate"`
	TotalReturn  float64   `json:"totalReturn"`
	MaxDrawdown  float64   `json:"maxDrawdown"`
	ProfitFactor float64   `json:"profitFactor"`
	AvgWin       float64   `json:"avgWin"`
	AvgLoss      float64   `json:"avgLoss"`
	CreatedAt    time.Time `json:"created_at"`
}
