package models

import "time"

// Portfolio is the per-user ledger.
type Portfolio struct {
	UserID         string    `json:"userId"`
	InitialBalance float64   `json:"initialBalance"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	Margin         float64   `json:"margin"`
	FreeMargin     float64   `json:"freeMargin"`
	MarginLevel    float64   `json:"marginLevel"`
	PnL            float64   `json:"pnl"`
	TotalProfit    float64   `json:"totalProfit"`
	TotalLoss      float64   `json:"totalLoss"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewPortfolio returns a fresh portfolio funded with balance.
func NewPortfolio(userID string, balance float64, now time.Time) Portfolio {
	return Portfolio{
		UserID:         userID,
		InitialBalance: balance,
		Balance:        balance,
		Equity:         balance,
		FreeMargin:     balance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// PortfolioSnapshot is what the stream endpoints push to clients.
type PortfolioSnapshot struct {
	UserID     string    `json:"userId"`
	Portfolio  Portfolio `json:"portfolio"`
	OpenTrades []Trade   `json:"openTrades"`
	Timestamp  time.Time `json:"timestamp"`
}

// DailyPnL is the realized P&L of one UTC day.
type DailyPnL struct {
	Date string  `json:"date"`
	PnL  float64 `json:"pnl"`
}

// PerformanceSummary aggregates closed trades.
type PerformanceSummary struct {
	ClosedTrades int     `json:"closedTrades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"winRate"`
	TotalProfit  float64 `json:"totalProfit"`
	TotalLoss    float64 `json:"totalLoss"`
	NetPnL       float64 `json:"netPnl"`
}

// Performance is returned by the performance endpoint.
type Performance struct {
	Daily   []DailyPnL         `json:"daily"`
	Summary PerformanceSummary `json:"summary"`
}
