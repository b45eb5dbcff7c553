package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"virtual-trader/internal/models"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamSnapshots feeds send with the user's portfolio: once immediately,
// on every published snapshot, and at least every StreamInterval. It
// returns when ctx is done, the stream reaches StreamMaxDuration or send
// fails.
func (s *Server) streamSnapshots(ctx context.Context, userID string, send func(models.PortfolioSnapshot) error) error {
	var updates <-chan models.PortfolioSnapshot
	if s.snapshots != nil {
		ch := s.snapshots.Subscribe(userID)
		defer s.snapshots.Unsubscribe(userID, ch)
		updates = ch
	}

	first, err := s.sessions.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	if err := send(first); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.cfg.StreamMaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := send(snap); err != nil {
				return err
			}
		case <-ticker.C:
			snap, err := s.sessions.Snapshot(ctx, userID)
			if err != nil {
				return err
			}
			if err := send(snap); err != nil {
				return err
			}
		}
	}
}

// GET /api/portfolio/stream
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	// Resolve the session before committing to a 200.
	if _, err := s.sessions.Get(r.Context(), userID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.streamSnapshots(r.Context(), userID, func(snap models.PortfolioSnapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("Snapshot stream ended")
	}
}

// GET /api/portfolio/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if _, err := s.sessions.Get(r.Context(), userID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read loop only notices the peer going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.streamSnapshots(ctx, userID, func(snap models.PortfolioSnapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(snap)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("Websocket stream ended")
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
