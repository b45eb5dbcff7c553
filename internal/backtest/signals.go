package backtest

import (
	"virtual-trader/internal/models"
)

// Signal is the action a rule asks for on a candle.
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// SignalGenerator evaluates candles[index] given the history before it.
type SignalGenerator func(candles []models.Candle, index int) Signal

// Rule parameters.
const (
	ShortPeriod    = 10
	LongPeriod     = 20
	BreakoutPeriod = 20
	// Warmup is the number of candles consumed before the first signal.
	Warmup = LongPeriod
)

// GeneratorFor returns the signal rule of a strategy type. Custom
// strategies are described in free text and run as an MA crossover.
func GeneratorFor(t models.StrategyType) SignalGenerator {
	switch t {
	case models.StrategyBreakout:
		return breakout(BreakoutPeriod)
	case models.StrategyInsideCandle:
		return insideCandle
	default:
		return smaCrossover(ShortPeriod, LongPeriod)
	}
}

// smaCrossover buys when the short SMA crosses above the long SMA and
// sells on the opposite cross.
func smaCrossover(shortPeriod, longPeriod int) SignalGenerator {
	return func(candles []models.Candle, index int) Signal {
		if index < longPeriod {
			return Hold
		}

		shortSMA := sma(candles, index, shortPeriod)
		longSMA := sma(candles, index, longPeriod)
		prevShortSMA := sma(candles, index-1, shortPeriod)
		prevLongSMA := sma(candles, index-1, longPeriod)

		if prevShortSMA <= prevLongSMA && shortSMA > longSMA {
			return Buy
		}
		if prevShortSMA >= prevLongSMA && shortSMA < longSMA {
			return Sell
		}
		return Hold
	}
}

// breakout buys a close above the highest high of the previous period
// candles and sells a close below the lowest low.
func breakout(period int) SignalGenerator {
	return func(candles []models.Candle, index int) Signal {
		if index < period {
			return Hold
		}
		high, low := candles[index-period].High, candles[index-period].Low
		for i := index - period + 1; i < index; i++ {
			if candles[i].High > high {
				high = candles[i].High
			}
			if candles[i].Low < low {
				low = candles[i].Low
			}
		}
		c := candles[index].Close
		switch {
		case c > high:
			return Buy
		case c < low:
			return Sell
		}
		return Hold
	}
}

// insideCandle trades the break of a mother bar: candles[index-2] is the
// mother, candles[index-1] must lie within its range, and candles[index]
// closing beyond the mother's range gives the signal.
func insideCandle(candles []models.Candle, index int) Signal {
	if index < 2 {
		return Hold
	}
	mother, inside := candles[index-2], candles[index-1]
	if inside.High > mother.High || inside.Low < mother.Low {
		return Hold
	}
	c := candles[index].Close
	switch {
	case c > mother.High:
		return Buy
	case c < mother.Low:
		return Sell
	}
	return Hold
}

func sma(candles []models.Candle, index, period int) float64 {
	if index < period-1 {
		return 0
	}
	var sum float64
	for i := index - period + 1; i <= index; i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}
