package api

import (
	"net/http"
	"strings"

	"virtual-trader/internal/backtest"
	"virtual-trader/internal/errors"
	"virtual-trader/internal/models"
	"virtual-trader/internal/strategy"
	"virtual-trader/internal/trading"
)

// ============================================================================
// Portfolio
// ============================================================================

// GET /api/portfolio
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request, userID string) {
	snap, err := s.sessions.Snapshot(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// POST /api/portfolio/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.sessions.Reset(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /api/positions
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, userID string) {
	positions, err := s.sessions.Positions(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// ============================================================================
// Trades
// ============================================================================

// GET /api/trades?status=OPEN|CLOSED
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request, userID string) {
	var status models.TradeStatus
	if v := r.URL.Query().Get("status"); v != "" {
		status = models.TradeStatus(strings.ToUpper(v))
		if status != models.TradeOpen && status != models.TradeClosed {
			writeError(w, s.logger, errors.NewValidationError("status", v, "must be OPEN or CLOSED"))
			return
		}
	}
	trades, err := s.sessions.Trades(r.Context(), userID, status)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// POST /api/trades
func (s *Server) handleOpenTrade(w http.ResponseWriter, r *http.Request, userID string) {
	var req trading.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	t, err := s.sessions.OpenTrade(r.Context(), userID, req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// POST /api/trades/{id}/close
func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request, userID string) {
	t, err := s.sessions.CloseTrade(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /api/performance
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request, userID string) {
	perf, err := s.sessions.Performance(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// GET /api/instruments?q=
func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request, _ string) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	var out []models.Instrument
	if q == "" {
		out = s.instruments.All()
	} else {
		out = s.instruments.Search(q)
	}
	if out == nil {
		out = []models.Instrument{}
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// Strategies
// ============================================================================

func (s *Server) strategies(w http.ResponseWriter, r *http.Request, userID string) (*strategy.Book, bool) {
	sess, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return nil, false
	}
	return sess.Strategies, true
}

// GET /api/strategies
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request, userID string) {
	book, ok := s.strategies(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, book.List())
}

// POST /api/strategies
func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request, userID string) {
	var in strategy.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	book, ok := s.strategies(w, r, userID)
	if !ok {
		return
	}
	st, err := book.Create(in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// PUT /api/strategies/{id}
func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request, userID string) {
	var in strategy.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	book, ok := s.strategies(w, r, userID)
	if !ok {
		return
	}
	st, err := book.Update(r.PathValue("id"), in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PATCH /api/strategies/{id}/toggle
func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request, userID string) {
	book, ok := s.strategies(w, r, userID)
	if !ok {
		return
	}
	st, err := book.Toggle(r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DELETE /api/strategies/{id}
func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request, userID string) {
	book, ok := s.strategies(w, r, userID)
	if !ok {
		return
	}
	if err := book.Delete(r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Backtests
// ============================================================================

// GET /api/backtests
func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.sessions.Backtests(r.Context(), userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/backtests
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request, userID string) {
	var cfg backtest.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, s.logger, err)
		return
	}
	report, err := s.sessions.RunBacktest(r.Context(), userID, cfg)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}
