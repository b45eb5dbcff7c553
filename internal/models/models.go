// Package models provides domain models for the trading simulator.
package models

import (
	"strings"
	"time"
)

// AssetClass groups instruments that share a contract size.
type AssetClass string

const (
	AssetCrypto    AssetClass = "crypto"
	AssetForex     AssetClass = "forex"
	AssetCommodity AssetClass = "commodity"
	AssetStock     AssetClass = "stock"
	AssetIndex     AssetClass = "index"
)

// Valid reports whether the asset class is known.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetCrypto, AssetForex, AssetCommodity, AssetStock, AssetIndex:
		return true
	}
	return false
}

// Direction is the side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection parses BUY/SELL case-insensitively.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionBuy:
		return DirectionBuy, true
	case DirectionSell:
		return DirectionSell, true
	}
	return "", false
}

// Sign returns +1 for BUY and -1 for SELL.
func (d Direction) Sign() float64 {
	if d == DirectionSell {
		return -1
	}
	return 1
}

// Instrument is immutable reference data from the catalog.
type Instrument struct {
	Symbol         string     `json:"symbol" yaml:"symbol"`
	Name           string     `json:"name" yaml:"name"`
	AssetClass     AssetClass `json:"assetClass" yaml:"asset_class"`
	QuoteSymbol    string     `json:"quoteSymbol" yaml:"quote_symbol"`
	ReferencePrice float64    `json:"referencePrice" yaml:"price"`
	ChangeAbs      float64    `json:"change" yaml:"change"`
	ChangePct      float64    `json:"changePercent" yaml:"change_percent"`
	Favorite       bool       `json:"isFavorite" yaml:"favorite"`
}

// Tick is a single simulated price update.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Previous  float64   `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
	// Step numbers the feed step that produced the tick. Ticks of one step
	// share it; manual overrides carry 0.
	Step uint64 `json:"step,omitempty"`
}

// Candle represents OHLC data for a time period.
type Candle struct {
	Timestamp time.Time `json:"timestamp" csv:"timestamp"`
	Open      float64   `json:"open" csv:"open"`
	High      float64   `json:"high" csv:"high"`
	Low       float64   `json:"low" csv:"low"`
	Close     float64   `json:"close" csv:"close"`
}
