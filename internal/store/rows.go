package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// executor hides the driver behind the SQL repositories.
type executor interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args []any, each func(rowScanner) error) error
	isNoRows(err error) bool
	isDuplicate(err error) bool
}

// ============================================================================
// Dialects
// ============================================================================

// numCell is a scan target for a numeric column.
type numCell interface {
	target() any
	float() float64
	ptr() *float64
}

type dialect struct {
	placeholder func(n int) string
	num         func(v float64) any
	optNum      func(v *float64) any
	newNum      func() numCell
}

// sqliteDialect stores numbers as REAL.
var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	num:         func(v float64) any { return v },
	optNum: func(v *float64) any {
		if v == nil {
			return nil
		}
		return *v
	},
	newNum: func() numCell { return &floatCell{} },
}

// postgresDialect stores numbers as NUMERIC through shopspring/decimal.
var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	num:         pgNum,
	optNum: func(v *float64) any {
		if v == nil {
			return decimal.NullDecimal{}
		}
		if !finite(*v) {
			return nonFinite(*v)
		}
		return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
	},
	newNum: func() numCell { return &decimalCell{} },
}

// nonFinite marks a NaN or infinite argument that NUMERIC cannot hold.
type nonFinite float64

func pgNum(v float64) any {
	if !finite(v) {
		return nonFinite(v)
	}
	return decimal.NewFromFloat(v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkArgs rejects rows carrying NaN or infinite numbers. The error wraps
// ErrInvalidInput so the outbox drops the op instead of retrying it.
func checkArgs(args []any) error {
	for i, a := range args {
		var v float64
		switch n := a.(type) {
		case nonFinite:
			v = float64(n)
		case float64:
			if finite(n) {
				continue
			}
			v = n
		default:
			continue
		}
		return fmt.Errorf("%w: argument %d is %v", errors.ErrInvalidInput, i+1, v)
	}
	return nil
}

type floatCell struct{ v sql.NullFloat64 }

func (c *floatCell) target() any { return &c.v }
func (c *floatCell) float() float64 { return c.v.Float64 }
func (c *floatCell) ptr() *float64 {
	if !c.v.Valid {
		return nil
	}
	return models.Float(c.v.Float64)
}

type decimalCell struct{ v decimal.NullDecimal }

func (c *decimalCell) target() any { return &c.v }
func (c *decimalCell) float() float64 { return c.v.Decimal.InexactFloat64() }
func (c *decimalCell) ptr() *float64 {
	if !c.v.Valid {
		return nil
	}
	return models.Float(c.v.Decimal.InexactFloat64())
}

func (d dialect) cells(n int) []numCell {
	out := make([]numCell, n)
	for i := range out {
		out[i] = d.newNum()
	}
	return out
}

// ============================================================================
// Table specs
// ============================================================================

type tableSpec struct {
	name    string
	columns []string
	keys    []string
}

func (t tableSpec) selectSQL() string {
	return "SELECT " + strings.Join(t.columns, ", ") + " FROM " + t.name
}

func (t tableSpec) insertSQL(d dialect) string {
	ph := make([]string, len(t.columns))
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(t.columns, ", "), strings.Join(ph, ", "))
}

func (t tableSpec) upsertSQL(d dialect) string {
	var sets []string
	for _, c := range t.columns {
		if !t.isKey(c) {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		t.insertSQL(d), strings.Join(t.keys, ", "), strings.Join(sets, ", "))
}

// updateSQL sets every column; its arguments are the row values followed
// by the key values.
func (t tableSpec) updateSQL(d dialect) string {
	sets := make([]string, len(t.columns))
	for i, c := range t.columns {
		sets[i] = fmt.Sprintf("%s = %s", c, d.placeholder(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		t.name, strings.Join(sets, ", "), t.keyWhere(d, len(t.columns)+1))
}

func (t tableSpec) deleteSQL(d dialect) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", t.name, t.keyWhere(d, 1))
}

func (t tableSpec) keyWhere(d dialect, first int) string {
	conds := make([]string, len(t.keys))
	for i, k := range t.keys {
		conds[i] = fmt.Sprintf("%s = %s", k, d.placeholder(first+i))
	}
	return strings.Join(conds, " AND ")
}

func (t tableSpec) isKey(col string) bool {
	for _, k := range t.keys {
		if k == col {
			return true
		}
	}
	return false
}

var (
	tradesTable = tableSpec{
		name: TableTrades,
		columns: []string{
			"id", "user_id", "symbol", "type", "volume", "leverage", "open_price", "current_price",
			"open_time", "close_time", "pnl", "pnl_percent", "status", "stop_loss", "take_profit",
			"close_price", "final_pnl", "margin", "close_reason", "created_at", "updated_at",
		},
		keys: []string{"id"},
	}
	portfoliosTable = tableSpec{
		name: TablePortfolios,
		columns: []string{
			"user_id", "initial_balance", "balance", "equity", "margin", "free_margin",
			"margin_level", "pnl", "total_profit", "total_loss", "created_at", "updated_at",
		},
		keys: []string{"user_id"},
	}
	strategiesTable = tableSpec{
		name: TableStrategies,
		columns: []string{
			"id", "user_id", "name", "symbol", "type", "conditions", "enabled",
			"last_signal", "signal_count", "created_at", "updated_at",
		},
		keys: []string{"id"},
	}
	backtestsTable = tableSpec{
		name: TableBacktests,
		columns: []string{
			"id", "user_id", "strategy_id", "strategy_type", "symbol", "timeframe", "start_date",
			"end_date", "total_trades", "win_rate", "total_return", "max_drawdown", "profit_factor",
			"avg_win", "avg_loss", "created_at",
		},
		keys: []string{"id"},
	}
	positionsTable = tableSpec{
		name: TablePositions,
		columns: []string{
			"user_id", "symbol", "type", "volume", "average_price", "unrealized_pnl",
			"trade_count", "updated_at",
		},
		keys: []string{"user_id", "symbol", "type"},
	}
)

// ============================================================================
// Row mapping
// ============================================================================

func tradeArgs(d dialect, t *models.Trade) []any {
	return []any{
		t.ID, t.UserID, t.Symbol, string(t.Direction), d.num(t.Volume), d.num(t.Leverage),
		d.num(t.OpenPrice), d.num(t.CurrentPrice), t.OpenTime.UTC(), utcPtr(t.CloseTime),
		d.num(t.PnL), d.num(t.PnLPercent), string(t.Status), d.optNum(t.StopLoss),
		d.optNum(t.TakeProfit), d.optNum(t.ClosePrice), d.optNum(t.FinalPnL), d.num(t.Margin),
		t.CloseReason, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	}
}

func scanTrade(d dialect, row rowScanner) (models.Trade, error) {
	var t models.Trade
	var direction, status string
	n := d.cells(11)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &direction, n[0].target(), n[1].target(),
		n[2].target(), n[3].target(), &t.OpenTime, &t.CloseTime,
		n[4].target(), n[5].target(), &status, n[6].target(),
		n[7].target(), n[8].target(), n[9].target(), n[10].target(),
		&t.CloseReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Direction = models.Direction(direction)
	t.Status = models.TradeStatus(status)
	t.Volume, t.Leverage = n[0].float(), n[1].float()
	t.OpenPrice, t.CurrentPrice = n[2].float(), n[3].float()
	t.PnL, t.PnLPercent = n[4].float(), n[5].float()
	t.StopLoss, t.TakeProfit = n[6].ptr(), n[7].ptr()
	t.ClosePrice, t.FinalPnL = n[8].ptr(), n[9].ptr()
	t.Margin = n[10].float()
	return t, nil
}

func portfolioArgs(d dialect, p *models.Portfolio) []any {
	return []any{
		p.UserID, d.num(p.InitialBalance), d.num(p.Balance), d.num(p.Equity), d.num(p.Margin),
		d.num(p.FreeMargin), d.num(p.MarginLevel), d.num(p.PnL), d.num(p.TotalProfit),
		d.num(p.TotalLoss), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}
}

func scanPortfolio(d dialect, row rowScanner) (models.Portfolio, error) {
	var p models.Portfolio
	n := d.cells(9)
	err := row.Scan(
		&p.UserID, n[0].target(), n[1].target(), n[2].target(), n[3].target(),
		n[4].target(), n[5].target(), n[6].target(), n[7].target(),
		n[8].target(), &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.InitialBalance, p.Balance, p.Equity = n[0].float(), n[1].float(), n[2].float()
	p.Margin, p.FreeMargin, p.MarginLevel = n[3].float(), n[4].float(), n[5].float()
	p.PnL, p.TotalProfit, p.TotalLoss = n[6].float(), n[7].float(), n[8].float()
	return p, nil
}

func strategyArgs(_ dialect, s *models.Strategy) []any {
	return []any{
		s.ID, s.UserID, s.Name, s.Symbol, string(s.Type), s.Conditions, s.Enabled,
		utcPtr(s.LastSignal), s.SignalCount, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	}
}

func scanStrategy(_ dialect, row rowScanner) (models.Strategy, error) {
	var s models.Strategy
	var typ string
	err := row.Scan(
		&s.ID, &s.UserID, &s.Name, &s.Symbol, &typ, &s.Conditions, &s.Enabled,
		&s.LastSignal, &s.SignalCount, &s.CreatedAt, &s.UpdatedAt,
	)
	s.Type = models.StrategyType(typ)
	return s, err
}

func backtestArgs(d dialect, r *models.BacktestResult) []any {
	return []any{
		r.ID, r.UserID, r.StrategyID, r.StrategyType, r.Symbol, r.Timeframe, r.StartDate.UTC(),
		r.EndDate.UTC(), r.TotalTrades, d.num(r.WinRate), d.num(r.TotalReturn),
		d.num(r.MaxDrawdown), d.num(r.ProfitFactor), d.num(r.AvgWin), d.num(r.AvgLoss),
		r.CreatedAt.UTC(),
	}
}

func scanBacktest(d dialect, row rowScanner) (models.BacktestResult, error) {
	var r models.BacktestResult
	n := d.cells(6)
	err := row.Scan(
		&r.ID, &r.UserID, &r.StrategyID, &r.StrategyType, &r.Symbol, &r.Timeframe, &r.StartDate,
		&r.EndDate, &r.TotalTrades, n[0].target(), n[1].target(),
		n[2].target(), n[3].target(), n[4].target(), n[5].target(),
		&r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	r.WinRate, r.TotalReturn, r.MaxDrawdown = n[0].float(), n[1].float(), n[2].float()
	r.ProfitFactor, r.AvgWin, r.AvgLoss = n[3].float(), n[4].float(), n[5].float()
	return r, nil
}

func positionArgs(d dialect, p *models.Position) []any {
	return []any{
		p.UserID, p.Symbol, string(p.Direction), d.num(p.Volume), d.num(p.AveragePrice),
		d.num(p.UnrealizedPnL), p.TradeCount, p.UpdatedAt.UTC(),
	}
}

func scanPosition(d dialect, row rowScanner) (models.Position, error) {
	var p models.Position
	var direction string
	n := d.cells(3)
	err := row.Scan(
		&p.UserID, &p.Symbol, &direction, n[0].target(), n[1].target(),
		n[2].target(), &p.TradeCount, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Direction = models.Direction(direction)
	p.Volume, p.AveragePrice, p.UnrealizedPnL = n[0].float(), n[1].float(), n[2].float()
	return p, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// ============================================================================
// Generic SQL repository
// ============================================================================

type sqlRepo[T any] struct {
	x    executor
	d    dialect
	spec tableSpec
	args func(dialect, *T) []any
	key  func(*T) []any
	scan func(dialect, rowScanner) (T, error)
}

// cond is a column equality used by list.
type cond struct {
	column string
	value  any
}

func keyString(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(k)
	}
	return strings.Join(parts, "/")
}

func (r sqlRepo[T]) get(ctx context.Context, keys ...any) (*T, error) {
	query := r.spec.selectSQL() + " WHERE " + r.spec.keyWhere(r.d, 1)
	v, err := r.scan(r.d, r.x.queryRow(ctx, query, keys...))
	if err != nil {
		if r.x.isNoRows(err) {
			return nil, notFound(r.spec.name, keyString(keys))
		}
		return nil, errors.NewStoreError(r.spec.name, "get", keyString(keys), err)
	}
	return &v, nil
}

func (r sqlRepo[T]) list(ctx context.Context, conds []cond, orderBy string, limit int) ([]T, error) {
	query := r.spec.selectSQL()
	var where []string
	var args []any
	for _, c := range conds {
		args = append(args, c.value)
		where = append(where, fmt.Sprintf("%s = %s", c.column, r.d.placeholder(len(args))))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	out := make([]T, 0)
	err := r.x.query(ctx, query, args, func(row rowScanner) error {
		v, err := r.scan(r.d, row)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, errors.NewStoreError(r.spec.name, "list", "", err)
	}
	return out, nil
}

func (r sqlRepo[T]) insert(ctx context.Context, v *T) error {
	args := r.args(r.d, v)
	if err := checkArgs(args); err != nil {
		return errors.NewStoreError(r.spec.name, "insert", keyString(r.key(v)), err)
	}
	_, err := r.x.exec(ctx, r.spec.insertSQL(r.d), args...)
	if err != nil {
		key := keyString(r.key(v))
		if r.x.isDuplicate(err) {
			return duplicate(r.spec.name, key)
		}
		return errors.NewStoreError(r.spec.name, "insert", key, err)
	}
	return nil
}

func (r sqlRepo[T]) update(ctx context.Context, v *T) error {
	args := append(r.args(r.d, v), r.key(v)...)
	key := keyString(r.key(v))
	if err := checkArgs(args); err != nil {
		return errors.NewStoreError(r.spec.name, "update", key, err)
	}
	n, err := r.x.exec(ctx, r.spec.updateSQL(r.d), args...)
	if err != nil {
		return errors.NewStoreError(r.spec.name, "update", key, err)
	}
	if n == 0 {
		return missing(r.spec.name, "update", key)
	}
	return nil
}

func (r sqlRepo[T]) upsert(ctx context.Context, v *T) error {
	args := r.args(r.d, v)
	if err := checkArgs(args); err != nil {
		return errors.NewStoreError(r.spec.name, "upsert", keyString(r.key(v)), err)
	}
	if _, err := r.x.exec(ctx, r.spec.upsertSQL(r.d), args...); err != nil {
		return errors.NewStoreError(r.spec.name, "upsert", keyString(r.key(v)), err)
	}
	return nil
}

func (r sqlRepo[T]) delete(ctx context.Context, keys ...any) error {
	n, err := r.x.exec(ctx, r.spec.deleteSQL(r.d), keys...)
	if err != nil {
		return errors.NewStoreError(r.spec.name, "delete", keyString(keys), err)
	}
	if n == 0 {
		return missing(r.spec.name, "delete", keyString(keys))
	}
	return nil
}

// ============================================================================
// Typed SQL repositories shared by the SQLite and Postgres backends
// ============================================================================

type sqlTrades struct{ r sqlRepo[models.Trade] }

func newSQLTrades(x executor, d dialect) sqlTrades {
	return sqlTrades{sqlRepo[models.Trade]{
		x: x, d: d, spec: tradesTable, args: tradeArgs, scan: scanTrade,
		key: func(t *models.Trade) []any { return []any{t.ID} },
	}}
}

func (s sqlTrades) Get(ctx context.Context, id string) (*models.Trade, error) {
	return s.r.get(ctx, id)
}

func (s sqlTrades) List(ctx context.Context, f TradeFilter) ([]models.Trade, error) {
	var conds []cond
	if f.UserID != "" {
		conds = append(conds, cond{"user_id", f.UserID})
	}
	if f.Symbol != "" {
		conds = append(conds, cond{"symbol", f.Symbol})
	}
	if f.Status != "" {
		conds = append(conds, cond{"status", string(f.Status)})
	}
	return s.r.list(ctx, conds, "open_time DESC, id DESC", f.Limit)
}

func (s sqlTrades) Insert(ctx context.Context, t *models.Trade) error { return s.r.insert(ctx, t) }
func (s sqlTrades) Update(ctx context.Context, t *models.Trade) error { return s.r.update(ctx, t) }
func (s sqlTrades) Upsert(ctx context.Context, t *models.Trade) error { return s.r.upsert(ctx, t) }
func (s sqlTrades) Delete(ctx context.Context, id string) error { return s.r.delete(ctx, id) }

type sqlPortfolios struct{ r sqlRepo[models.Portfolio] }

func newSQLPortfolios(x executor, d dialect) sqlPortfolios {
	return sqlPortfolios{sqlRepo[models.Portfolio]{
		x: x, d: d, spec: portfoliosTable, args: portfolioArgs, scan: scanPortfolio,
		key: func(p *models.Portfolio) []any { return []any{p.UserID} },
	}}
}

func (s sqlPortfolios) Get(ctx context.Context, userID string) (*models.Portfolio, error) {
	return s.r.get(ctx, userID)
}

func (s sqlPortfolios) List(ctx context.Context) ([]models.Portfolio, error) {
	return s.r.list(ctx, nil, "user_id", 0)
}

func (s sqlPortfolios) Insert(ctx context.Context, p *models.Portfolio) error {
	return s.r.insert(ctx, p)
}

func (s sqlPortfolios) Update(ctx context.Context, p *models.Portfolio) error {
	return s.r.update(ctx, p)
}

func (s sqlPortfolios) Upsert(ctx context.Context, p *models.Portfolio) error {
	return s.r.upsert(ctx, p)
}

func (s sqlPortfolios) Delete(ctx context.Context, userID string) error {
	return s.r.delete(ctx, userID)
}

type sqlStrategies struct{ r sqlRepo[models.Strategy] }

func newSQLStrategies(x executor, d dialect) sqlStrategies {
	return sqlStrategies{sqlRepo[models.Strategy]{
		x: x, d: d, spec: strategiesTable, args: strategyArgs, scan: scanStrategy,
		key: func(s *models.Strategy) []any { return []any{s.ID} },
	}}
}

func (s sqlStrategies) Get(ctx context.Context, id string) (*models.Strategy, error) {
	return s.r.get(ctx, id)
}

func (s sqlStrategies) List(ctx context.Context, userID string) ([]models.Strategy, error) {
	var conds []cond
	if userID != "" {
		conds = append(conds, cond{"user_id", userID})
	}
	return s.r.list(ctx, conds, "created_at, id", 0)
}

func (s sqlStrategies) Insert(ctx context.Context, st *models.Strategy) error {
	return s.r.insert(ctx, st)
}

func (s sqlStrategies) Update(ctx context.Context, st *models.Strategy) error {
	return s.r.update(ctx, st)
}

func (s sqlStrategies) Upsert(ctx context.Context, st *models.Strategy) error {
	return s.r.upsert(ctx, st)
}

func (s sqlStrategies) Delete(ctx context.Context, id string) error { return s.r.delete(ctx, id) }

type sqlBacktests struct{ r sqlRepo[models.BacktestResult] }

func newSQLBacktests(x executor, d dialect) sqlBacktests {
	return sqlBacktests{sqlRepo[models.BacktestResult]{
		x: x, d: d, spec: backtestsTable, args: backtestArgs, scan: scanBacktest,
		key: func(r *models.BacktestResult) []any { return []any{r.ID} },
	}}
}

func (s sqlBacktests) Get(ctx context.Context, id string) (*models.BacktestResult, error) {
	return s.r.get(ctx, id)
}

func (s sqlBacktests) List(ctx context.Context, userID string) ([]models.BacktestResult, error) {
	var conds []cond
	if userID != "" {
		conds = append(conds, cond{"user_id", userID})
	}
	return s.r.list(ctx, conds, "created_at DESC, id DESC", 0)
}

func (s sqlBacktests) Insert(ctx context.Context, r *models.BacktestResult) error {
	return s.r.insert(ctx, r)
}

func (s sqlBacktests) Update(ctx context.Context, r *models.BacktestResult) error {
	return s.r.update(ctx, r)
}

func (s sqlBacktests) Upsert(ctx context.Context, r *models.BacktestResult) error {
	return s.r.upsert(ctx, r)
}

func (s sqlBacktests) Delete(ctx context.Context, id string) error { return s.r.delete(ctx, id) }

type sqlPositions struct{ r sqlRepo[models.Position] }

func newSQLPositions(x executor, d dialect) sqlPositions {
	return sqlPositions{sqlRepo[models.Position]{
		x: x, d: d, spec: positionsTable, args: positionArgs, scan: scanPosition,
		key: func(p *models.Position) []any { return []any{p.UserID, p.Symbol, string(p.Direction)} },
	}}
}

func (s sqlPositions) Get(ctx context.Context, k PositionKey) (*models.Position, error) {
	return s.r.get(ctx, k.UserID, k.Symbol, string(k.Direction))
}

func (s sqlPositions) List(ctx context.Context, userID string) ([]models.Position, error) {
	var conds []cond
	if userID != "" {
		conds = append(conds, cond{"user_id", userID})
	}
	return s.r.list(ctx, conds, "user_id, symbol, type", 0)
}

func (s sqlPositions) Insert(ctx context.Context, p *models.Position) error {
	return s.r.insert(ctx, p)
}

func (s sqlPositions) Update(ctx context.Context, p *models.Position) error {
	return s.r.update(ctx, p)
}

func (s sqlPositions) Upsert(ctx context.Context, p *models.Position) error {
	return s.r.upsert(ctx, p)
}

func (s sqlPositions) Delete(ctx context.Context, k PositionKey) error {
	return s.r.delete(ctx, k.UserID, k.Symbol, string(k.Direction))
}
