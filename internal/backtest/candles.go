package backtest

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/feed"
	"virtual-trader/internal/models"
)

// Supported candle timeframes.
var timeframes = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1H":  time.Hour,
	"1D":  24 * time.Hour,
}

// Timeframes returns the supported timeframe names, shortest first.
func Timeframes() []string {
	return []string{"5m", "15m", "1H", "1D"}
}

// ParseTimeframe resolves a timeframe name. Matching is case-insensitive
// for the hour and day forms.
func ParseTimeframe(s string) (string, time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, ok := timeframes[s]; ok {
		return s, d, nil
	}
	switch strings.ToLower(s) {
	case "1h":
		return "1H", time.Hour, nil
	case "1d":
		return "1D", 24 * time.Hour, nil
	}
	return "", 0, errors.NewValidationError("timeframe", s, fmt.Sprintf("must be one of %s", strings.Join(Timeframes(), ", ")))
}

const (
	// subSteps is the number of random-walk steps simulated per candle.
	subSteps = 16
	// maxStepBand caps the per-step move for long timeframes.
	maxStepBand = 0.02
)

// stepBand scales the live feed band to a timeframe so that a candle moves
// roughly as much as the live feed would over the same period.
func stepBand(tf time.Duration, band float64) float64 {
	if band <= 0 {
		band = feed.DefaultBand
	}
	ticks := float64(tf) / float64(feed.DefaultInterval)
	b := band * math.Sqrt(ticks/subSteps)
	if b < band {
		b = band
	}
	return math.Min(b, maxStepBand)
}

// GenerateCandles builds n synthetic candles starting at start, walking the
// price from startPrice with the feed's random walk.
func GenerateCandles(r *rand.Rand, startPrice float64, start time.Time, tf time.Duration, n int, band float64) []models.Candle {
	step := stepBand(tf, band)
	candles := make([]models.Candle, 0, n)
	price := startPrice
	for i := 0; i < n; i++ {
		c := models.Candle{
			Timestamp: start.Add(time.Duration(i) * tf),
			Open:      price,
			High:      price,
			Low:       price,
		}
		for j := 0; j < subSteps; j++ {
			price = feed.NextPrice(r, price, step)
			c.High = math.Max(c.High, price)
			c.Low = math.Min(c.Low, price)
		}
		c.Close = price
		candles = append(candles, c)
	}
	return candles
}
