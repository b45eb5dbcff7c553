package trading

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// DefaultInitialBalance is the starting balance of a new portfolio.
const DefaultInitialBalance = 10000.0

// marginEpsilon absorbs floating point residue when the last trade closes.
const marginEpsilon = 1e-9

// AccountConfig holds configuration for an account.
type AccountConfig struct {
	UserID          string
	InitialBalance  float64
	DefaultLeverage float64
	Instruments     InstrumentSource
	Prices          PriceSource
	Sink            ChangeSink
	Clock           func() time.Time
	NewID           func() string
}

// Account is the portfolio ledger of one user together with its trade set.
// All mutations are serialized by the account mutex.
type Account struct {
	userID          string
	initialBalance  float64
	defaultLeverage float64
	instruments     InstrumentSource
	prices          PriceSource
	sink            ChangeSink
	now             func() time.Time
	newID           func() string

	portfolio models.Portfolio
	trades    []*models.Trade
	byID      map[string]*models.Trade

	mu sync.Mutex
}

// NewAccount creates an account with a freshly funded portfolio.
func NewAccount(cfg AccountConfig) *Account {
	initial := cfg.InitialBalance
	if initial <= 0 {
		initial = DefaultInitialBalance
	}
	leverage := cfg.DefaultLeverage
	if leverage < 1 {
		leverage = 1
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = utils.NewID
	}
	var sink ChangeSink = discardSink{}
	if cfg.Sink != nil {
		sink = cfg.Sink
	}

	return &Account{
		userID:          cfg.UserID,
		initialBalance:  initial,
		defaultLeverage: leverage,
		instruments:     cfg.Instruments,
		prices:          cfg.Prices,
		sink:            sink,
		now:             clock,
		newID:           newID,
		portfolio:       models.NewPortfolio(cfg.UserID, initial, clock().UTC()),
		byID:            make(map[string]*models.Trade),
	}
}

// UserID returns the owner of the account.
func (a *Account) UserID() string {
	return a.userID
}

// Portfolio returns a copy of the ledger.
func (a *Account) Portfolio() models.Portfolio {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.portfolio
}

// Trades returns copies of the trades with the given status, newest first.
// An empty status returns every trade.
func (a *Account) Trades(status models.TradeStatus) []models.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Trade, 0, len(a.trades))
	for i := len(a.trades) - 1; i >= 0; i-- {
		t := a.trades[i]
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// Trade returns a copy of a single trade.
func (a *Account) Trade(id string) (models.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.byID[id]
	if !ok {
		return models.Trade{}, fmt.Errorf("%w: %s", errors.ErrTradeNotFound, id)
	}
	return t.Clone(), nil
}

// HasOpen reports whether any open trade is in symbol. An empty symbol
// matches every open trade.
func (a *Account) HasOpen(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.trades {
		if t.IsOpen() && (symbol == "" || t.Symbol == symbol) {
			return true
		}
	}
	return false
}

// Snapshot returns the portfolio and its open trades.
func (a *Account) Snapshot() models.PortfolioSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Account) snapshotLocked() models.PortfolioSnapshot {
	open := make([]models.Trade, 0)
	for _, t := range a.trades {
		if t.IsOpen() {
			open = append(open, t.Clone())
		}
	}
	return models.PortfolioSnapshot{
		UserID:     a.userID,
		Portfolio:  a.portfolio,
		OpenTrades: open,
		Timestamp:  a.now().UTC(),
	}
}

// ============================================================================
// Order entry
// ============================================================================

// OpenTrade validates req and opens a trade at the current price. Orders
// whose required margin exceeds free margin are rejected with
// ErrInsufficientMargin and leave the account untouched.
func (a *Account) OpenTrade(req OrderRequest) (models.Trade, error) {
	symbol, direction, leverage, err := a.validate(req)
	if err != nil {
		return models.Trade{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	price, ok := a.price(symbol)
	if !ok {
		return models.Trade{}, errors.NewOrderError("", symbol, "open", "no price for symbol", errors.ErrNoPrice)
	}

	unit := a.instruments.UnitMultiplier(symbol)
	required := RequiredMargin(req.Volume, unit, price, leverage)
	if required > a.portfolio.FreeMargin {
		return models.Trade{}, errors.NewOrderError("", symbol, "open",
			fmt.Sprintf("required margin %.2f exceeds free margin %.2f", required, a.portfolio.FreeMargin),
			errors.ErrInsufficientMargin)
	}

	now := a.now().UTC()
	t := &models.Trade{
		ID:           a.newID(),
		UserID:       a.userID,
		Symbol:       symbol,
		Direction:    direction,
		Volume:       req.Volume,
		Leverage:     leverage,
		OpenPrice:    price,
		CurrentPrice: price,
		OpenTime:     now,
		Status:       models.TradeOpen,
		StopLoss:     copyFloat(req.StopLoss),
		TakeProfit:   copyFloat(req.TakeProfit),
		Margin:       required,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.trades = append(a.trades, t)
	a.byID[t.ID] = t

	a.portfolio.Margin += required
	a.recomputeLocked(now)

	inserted := t.Clone()
	portfolio := a.portfolio
	changes := []Change{
		{Kind: ChangeTradeInserted, UserID: a.userID, Trade: &inserted},
		{Kind: ChangePortfolioUpserted, UserID: a.userID, Portfolio: &portfolio},
	}
	changes = append(changes, a.positionChangeLocked(symbol, direction, now))
	a.sink.Record(changes...)

	return t.Clone(), nil
}

func (a *Account) validate(req OrderRequest) (string, models.Direction, float64, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return "", "", 0, errors.NewValidationError("symbol", req.Symbol, "is required")
	}
	if a.instruments == nil || !a.instruments.Has(symbol) {
		return "", "", 0, errors.NewValidationError("symbol", req.Symbol, "unknown instrument")
	}

	direction, ok := models.ParseDirection(string(req.Direction))
	if !ok {
		return "", "", 0, errors.NewValidationError("type", req.Direction, "must be BUY or SELL")
	}

	if !positiveFinite(req.Volume) {
		return "", "", 0, errors.NewValidationError("volume", req.Volume, "must be greater than zero")
	}

	leverage := req.Leverage
	if leverage == 0 {
		leverage = a.defaultLeverage
	}
	if !(leverage >= 1 && leverage <= models.MaxLeverage) {
		return "", "", 0, errors.NewValidationError("leverage", req.Leverage,
			fmt.Sprintf("must be between 1 and %g", models.MaxLeverage))
	}

	if req.StopLoss != nil && !positiveFinite(*req.StopLoss) {
		return "", "", 0, errors.NewValidationError("stopLoss", *req.StopLoss, "must be a positive price")
	}
	if req.TakeProfit != nil && !positiveFinite(*req.TakeProfit) {
		return "", "", 0, errors.NewValidationError("takeProfit", *req.TakeProfit, "must be a positive price")
	}

	return symbol, direction, leverage, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// ============================================================================
// Position closer
// ============================================================================

// CloseTrade realizes the P&L of an open trade at the current price.
// Unknown ids return ErrTradeNotFound and closed trades ErrTradeClosed;
// neither touches the ledger.
func (a *Account) CloseTrade(id string) (models.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.byID[id]
	if !ok {
		return models.Trade{}, errors.NewOrderError(id, "", "close", "unknown trade", errors.ErrTradeNotFound)
	}
	if !t.IsOpen() {
		return models.Trade{}, errors.NewOrderError(id, t.Symbol, "close", "trade is not open", errors.ErrTradeClosed)
	}

	price, ok := a.price(t.Symbol)
	if !ok {
		price = t.CurrentPrice
	}

	now := a.now().UTC()
	a.closeLocked(t, price, models.CloseManual, now)
	a.recomputeLocked(now)
	a.sink.Record(a.closeChangesLocked([]*models.Trade{t}, now)...)

	return t.Clone(), nil
}

// CloseAll closes every open trade at current prices.
func (a *Account) CloseAll() []models.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	var closed []*models.Trade
	for _, t := range a.trades {
		if !t.IsOpen() {
			continue
		}
		price, ok := a.price(t.Symbol)
		if !ok {
			price = t.CurrentPrice
		}
		a.closeLocked(t, price, models.CloseManual, now)
		closed = append(closed, t)
	}
	if len(closed) == 0 {
		return nil
	}
	a.recomputeLocked(now)
	a.sink.Record(a.closeChangesLocked(closed, now)...)

	return cloneAll(closed)
}

func (a *Account) closeLocked(t *models.Trade, price float64, reason string, now time.Time) {
	unit := a.instruments.UnitMultiplier(t.Symbol)
	pnl := UnrealizedPnL(t.Direction, t.OpenPrice, price, t.Volume, unit, t.Leverage)

	closeTime := now
	t.Status = models.TradeClosed
	t.CurrentPrice = price
	t.PnL = pnl
	t.PnLPercent = UnrealizedPnLPercent(t.OpenPrice, price)
	t.CloseTime = &closeTime
	t.ClosePrice = models.Float(price)
	t.FinalPnL = models.Float(pnl)
	t.CloseReason = reason
	t.UpdatedAt = now

	a.portfolio.Balance += pnl
	a.portfolio.Margin -= t.Margin
	if a.portfolio.Margin < marginEpsilon {
		a.portfolio.Margin = 0
	}
	switch {
	case pnl > 0:
		a.portfolio.TotalProfit += pnl
	case pnl < 0:
		a.portfolio.TotalLoss += -pnl
	}
}

func (a *Account) closeChangesLocked(closed []*models.Trade, now time.Time) []Change {
	changes := make([]Change, 0, len(closed)*2+1)
	type posKey struct {
		symbol    string
		direction models.Direction
	}
	seen := make(map[posKey]bool)
	for _, t := range closed {
		updated := t.Clone()
		changes = append(changes, Change{Kind: ChangeTradeUpdated, UserID: a.userID, Trade: &updated})
	}
	portfolio := a.portfolio
	changes = append(changes, Change{Kind: ChangePortfolioUpserted, UserID: a.userID, Portfolio: &portfolio})
	for _, t := range closed {
		k := posKey{t.Symbol, t.Direction}
		if seen[k] {
			continue
		}
		seen[k] = true
		changes = append(changes, a.positionChangeLocked(t.Symbol, t.Direction, now))
	}
	return changes
}

// ============================================================================
// Lifecycle
// ============================================================================

// Hydrate replaces the account state with rows loaded from storage. A nil
// portfolio keeps the default ledger and records it for persistence.
func (a *Account) Hydrate(portfolio *models.Portfolio, trades []models.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	var changes []Change

	if portfolio != nil {
		a.portfolio = *portfolio
		a.portfolio.UserID = a.userID
		if a.portfolio.InitialBalance > 0 {
			a.initialBalance = a.portfolio.InitialBalance
		}
	} else {
		a.portfolio = models.NewPortfolio(a.userID, a.initialBalance, now)
	}

	sorted := make([]models.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	a.trades = a.trades[:0]
	a.byID = make(map[string]*models.Trade, len(sorted))
	margin := 0.0
	for i := range sorted {
		t := sorted[i].Clone()
		if t.Leverage < 1 {
			t.Leverage = 1
		}
		if t.IsOpen() {
			if t.Margin <= 0 {
				t.Margin = RequiredMargin(t.Volume, a.instruments.UnitMultiplier(t.Symbol), t.OpenPrice, t.Leverage)
			}
			margin += t.Margin
		}
		a.trades = append(a.trades, &t)
		a.byID[t.ID] = &t
	}
	a.portfolio.Margin = margin

	a.valueLocked()
	a.recomputeLocked(now)

	if portfolio == nil {
		p := a.portfolio
		changes = append(changes, Change{Kind: ChangePortfolioUpserted, UserID: a.userID, Portfolio: &p})
	}
	if len(changes) > 0 {
		a.sink.Record(changes...)
	}
}

// Reset drops every trade and restores the initial balance.
func (a *Account) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	var changes []Change
	for _, pos := range a.positionsLocked(now) {
		p := pos
		changes = append(changes, Change{Kind: ChangePositionDeleted, UserID: a.userID, Position: &p})
	}
	for _, t := range a.trades {
		deleted := t.Clone()
		changes = append(changes, Change{Kind: ChangeTradeDeleted, UserID: a.userID, Trade: &deleted})
	}

	created := a.portfolio.CreatedAt
	a.trades = nil
	a.byID = make(map[string]*models.Trade)
	a.portfolio = models.NewPortfolio(a.userID, a.initialBalance, now)
	if !created.IsZero() {
		a.portfolio.CreatedAt = created
	}

	p := a.portfolio
	changes = append(changes, Change{Kind: ChangePortfolioUpserted, UserID: a.userID, Portfolio: &p})
	a.sink.Record(changes...)
}

// Checkpoint records the current valuation of the portfolio, open trades
// and positions so the row store catches up with price movements.
func (a *Account) Checkpoint() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	p := a.portfolio
	changes := []Change{{Kind: ChangePortfolioUpserted, UserID: a.userID, Portfolio: &p}}
	for _, t := range a.trades {
		if t.IsOpen() {
			updated := t.Clone()
			changes = append(changes, Change{Kind: ChangeTradeUpdated, UserID: a.userID, Trade: &updated})
		}
	}
	for _, pos := range a.positionsLocked(now) {
		pp := pos
		changes = append(changes, Change{Kind: ChangePositionUpserted, UserID: a.userID, Position: &pp})
	}
	a.sink.Record(changes...)
}

func (a *Account) price(symbol string) (float64, bool) {
	if a.prices == nil {
		return 0, false
	}
	p, ok := a.prices.Price(symbol)
	if !ok || p <= 0 || math.IsNaN(p) {
		return 0, false
	}
	return p, true
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneAll(trades []*models.Trade) []models.Trade {
	out := make([]models.Trade, len(trades))
	for i, t := range trades {
		out[i] = t.Clone()
	}
	return out
}
