package trading

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"virtual-trader/internal/catalog"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

var propertySymbols = []string{"BTCUSD", "AAPL", "EURUSD", "XAUUSD", "USDJPY"}

func propertyPrices() staticPrices {
	c := catalog.Default()
	prices := staticPrices{}
	for _, s := range propertySymbols {
		inst, _ := c.Get(s)
		prices[s] = inst.ReferencePrice
	}
	return prices
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Property: after any sequence of opens, closes and price moves,
// equity == balance + sum(unrealized P&L of open trades) and
// freeMargin == equity - margin.
func TestProperty_EquityIdentityHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("equity equals balance plus open P&L", prop.ForAll(
		func(ops []int, moves []float64, volumes []float64) bool {
			prices := propertyPrices()
			acct := newTestAccount(prices, nil)

			for i, op := range ops {
				symbol := propertySymbols[i%len(propertySymbols)]
				switch op {
				case 0:
					dir := models.DirectionBuy
					if i%2 == 1 {
						dir = models.DirectionSell
					}
					_, _ = acct.OpenTrade(OrderRequest{Symbol: symbol, Direction: dir, Volume: volumes[i], Leverage: float64(1 + i%3)})
				case 1:
					open := acct.Trades(models.TradeOpen)
					if len(open) > 0 {
						_, _ = acct.CloseTrade(open[i%len(open)].ID)
					}
				default:
					prices[symbol] = prices[symbol] * moves[i]
					acct.Revalue()
				}

				p := acct.Portfolio()
				sum := 0.0
				for _, tr := range acct.Trades(models.TradeOpen) {
					sum += tr.PnL
				}
				if !approxEqual(p.Equity, p.Balance+sum) {
					t.Logf("equity %.6f != balance %.6f + pnl %.6f", p.Equity, p.Balance, sum)
					return false
				}
				if !approxEqual(p.FreeMargin, p.Equity-p.Margin) {
					t.Logf("freeMargin %.6f != equity %.6f - margin %.6f", p.FreeMargin, p.Equity, p.Margin)
					return false
				}
				if p.Margin < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, 2)),
		gen.SliceOfN(40, gen.Float64Range(0.98, 1.02)),
		gen.SliceOfN(40, gen.Float64Range(0.001, 0.05)),
	))

	properties.TestingRun(t)
}

// Property: an order whose required margin exceeds free margin is rejected
// and leaves the trade list and the portfolio unchanged.
func TestProperty_InsufficientMarginRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("over-sized orders never mutate state", prop.ForAll(
		func(balance, volume float64, sell bool) bool {
			prices := staticPrices{"BTCUSD": 43250.75}
			acct := NewAccount(AccountConfig{
				UserID:         "user-1",
				InitialBalance: balance,
				Instruments:    catalog.Default(),
				Prices:         prices,
			})

			dir := models.DirectionBuy
			if sell {
				dir = models.DirectionSell
			}
			required := RequiredMargin(volume, 1, 43250.75, 1)
			before := acct.Portfolio()

			_, err := acct.OpenTrade(OrderRequest{Symbol: "BTCUSD", Direction: dir, Volume: volume})
			if required <= balance {
				return err == nil
			}
			return errors.Is(err, errors.ErrInsufficientMargin) &&
				len(acct.Trades("")) == 0 &&
				acct.Portfolio() == before
		},
		gen.Float64Range(100, 50000),
		gen.Float64Range(0.001, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: closing a trade a second time fails and never credits the
// ledger twice; the first close realizes the documented formula.
func TestProperty_CloseOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("second close is an error and a no-op", prop.ForAll(
		func(idx int, move, volume, leverage float64, sell bool) bool {
			symbol := propertySymbols[idx]
			prices := propertyPrices()
			acct := NewAccount(AccountConfig{
				UserID:         "user-1",
				InitialBalance: 1e9,
				Instruments:    catalog.Default(),
				Prices:         prices,
			})

			dir := models.DirectionBuy
			if sell {
				dir = models.DirectionSell
			}
			trade, err := acct.OpenTrade(OrderRequest{Symbol: symbol, Direction: dir, Volume: volume, Leverage: leverage})
			if err != nil {
				return false
			}

			prices[symbol] = trade.OpenPrice * move
			closed, err := acct.CloseTrade(trade.ID)
			if err != nil || closed.FinalPnL == nil || closed.ClosePrice == nil || closed.CloseTime == nil {
				return false
			}

			unit := catalog.Default().UnitMultiplier(symbol)
			want := (*closed.ClosePrice - closed.OpenPrice) * dir.Sign() * volume * unit * leverage
			if !approxEqual(*closed.FinalPnL, want) {
				return false
			}

			after := acct.Portfolio()
			_, err = acct.CloseTrade(trade.ID)
			if !errors.Is(err, errors.ErrTradeClosed) {
				return false
			}
			p := acct.Portfolio()
			profitOrLoss := (p.TotalProfit == 0) || (p.TotalLoss == 0)
			return p == after && p.Margin == 0 && profitOrLoss
		},
		gen.IntRange(0, len(propertySymbols)-1),
		gen.Float64Range(0.9, 1.1),
		gen.Float64Range(0.01, 2),
		gen.Float64Range(1, 50),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
