// Package client talks to a running vtrader server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/trading"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Unwrap maps the status back onto the domain sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return errors.ErrInvalidInput
	case http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case http.StatusNotFound:
		return errors.ErrNotFound
	case http.StatusConflict:
		return errors.ErrTradeClosed
	case http.StatusUnprocessableEntity:
		return errors.ErrInsufficientMargin
	case http.StatusServiceUnavailable:
		return errors.ErrServiceUnavailable
	}
	return nil
}

// Client is a bearer-authenticated API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for stream diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "client").Logger() }
}

// New creates a client for baseURL.
func New(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(ctx, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func unreachable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", errors.ErrServiceUnavailable, err)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

// ============================================================================
// Endpoints
// ============================================================================

// Portfolio returns the portfolio snapshot.
func (c *Client) Portfolio(ctx context.Context) (models.PortfolioSnapshot, error) {
	var out models.PortfolioSnapshot
	err := c.do(ctx, http.MethodGet, "/api/portfolio", nil, &out)
	return out, err
}

// Reset restores the initial balance and drops every trade.
func (c *Client) Reset(ctx context.Context) (models.Portfolio, error) {
	var out models.Portfolio
	err := c.do(ctx, http.MethodPost, "/api/portfolio/reset", nil, &out)
	return out, err
}

// Positions returns the open positions.
func (c *Client) Positions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// Trades lists trades, optionally filtered by status.
func (c *Client) Trades(ctx context.Context, status models.TradeStatus) ([]models.Trade, error) {
	path := "/api/trades"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []models.Trade
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// OpenTrade places a market order.
func (c *Client) OpenTrade(ctx context.Context, req trading.OrderRequest) (models.Trade, error) {
	var out models.Trade
	err := c.do(ctx, http.MethodPost, "/api/trades", req, &out)
	return out, err
}

// CloseTrade closes a trade at the current price.
func (c *Client) CloseTrade(ctx context.Context, id string) (models.Trade, error) {
	var out models.Trade
	err := c.do(ctx, http.MethodPost, "/api/trades/"+url.PathEscape(id)+"/close", nil, &out)
	return out, err
}

// Performance returns daily P&L and the summary.
func (c *Client) Performance(ctx context.Context) (models.Performance, error) {
	var out models.Performance
	err := c.do(ctx, http.MethodGet, "/api/performance", nil, &out)
	return out, err
}

// Instruments searches the catalog.
func (c *Client) Instruments(ctx context.Context, query string) ([]models.Instrument, error) {
	path := "/api/instruments"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var out []models.Instrument
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Strategies lists the user's strategies.
func (c *Client) Strategies(ctx context.Context) ([]models.Strategy, error) {
	var out []models.Strategy
	err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &out)
	return out, err
}

// CreateStrategy adds a strategy.
func (c *Client) CreateStrategy(ctx context.Context, in strategy.Input) (models.Strategy, error) {
	var out models.Strategy
	err := c.do(ctx, http.MethodPost, "/api/strategies", in, &out)
	return out, err
}

// ToggleStrategy flips a strategy's enabled flag.
func (c *Client) ToggleStrategy(ctx context.Context, id string) (models.Strategy, error) {
	var out models.Strategy
	err := c.do(ctx, http.MethodPatch, "/api/strategies/"+url.PathEscape(id)+"/toggle", nil, &out)
	return out, err
}

// DeleteStrategy removes a strategy.
func (c *Client) DeleteStrategy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/strategies/"+url.PathEscape(id), nil, nil)
}

// Backtests lists stored backtest results.
func (c *Client) Backtests(ctx context.Context) ([]models.BacktestResult, error) {
	var out []models.BacktestResult
	err := c.do(ctx, http.MethodGet, "/api/backtests", nil, &out)
	return out, err
}

// RunBacktest runs a backtest on the server.
func (c *Client) RunBacktest(ctx context.Context, cfg backtest.Config) (*backtest.Report, error) {
	var out backtest.Report
	if err := c.do(ctx, http.MethodPost, "/api/backtests", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Streaming
// ============================================================================

// StreamPortfolio reads the SSE snapshot stream and calls fn for every
// frame until ctx is done or the server closes the stream. Frames that do
// not decode are logged at debug and skipped.
func (c *Client) StreamPortfolio(ctx context.Context, fn func(models.PortfolioSnapshot)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/portfolio/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return unreachable(ctx, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	err = ReadEvents(resp.Body, func(data []byte) {
		var snap models.PortfolioSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Skipping undecodable stream frame")
			return
		}
		fn(snap)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ReadEvents splits an SSE body into blocks separated by blank lines and
// calls fn with the joined data: lines of each block.
func ReadEvents(r io.Reader, fn func(data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var data [][]byte
	flush := func() {
		if len(data) > 0 {
			fn(bytes.Join(data, []byte("\n")))
			data = data[:0]
		}
	}
	for sc.Scan() {
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))
		if len(line) == 0 {
			flush()
			continue
		}
		if v, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.Clone(bytes.TrimPrefix(v, []byte(" "))))
		}
	}
	flush()
	return sc.Err()
}
