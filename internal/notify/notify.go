// Package notify delivers trade and strategy notifications to email, SMS
// and webhook channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"virtual-trader/internal/config"
	"virtual-trader/internal/models"
	"virtual-trader/pkg/utils"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendTrade(ctx context.Context, event TradeEvent, trade models.Trade) error
	SendSignal(ctx context.Context, strategy models.Strategy) error
	SendError(ctx context.Context, err error, context string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	UserID    string
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade  NotificationType = "trade"
	NotificationSignal NotificationType = "signal"
	NotificationError  NotificationType = "error"
	NotificationInfo   NotificationType = "info"
)

// TradeEvent is the lifecycle step a trade notification reports.
type TradeEvent string

const (
	TradeOpened     TradeEvent = "opened"
	TradeClosed     TradeEvent = "closed"
	TradeStopLoss   TradeEvent = "stop_loss"
	TradeTakeProfit TradeEvent = "take_profit"
)

// EventForClose maps a trade's close reason to its notification event.
func EventForClose(reason string) TradeEvent {
	switch reason {
	case models.CloseStopLoss:
		return TradeStopLoss
	case models.CloseTakeProfit:
		return TradeTakeProfit
	default:
		return TradeClosed
	}
}

// MultiNotifier sends notifications to multiple channels concurrently.
// Channel failures are logged and joined into the returned error.
type MultiNotifier struct {
	channels []NotificationChannel
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewMultiNotifier builds the channels selected in cfg. A selected channel
// without credentials is replaced by a mock channel that only logs.
func NewMultiNotifier(cfg *config.Config, logger zerolog.Logger) *MultiNotifier {
	logger = logger.With().Str("component", "notify").Logger()
	mn := &MultiNotifier{logger: logger}

	n := cfg.Notifications
	if !n.Enabled {
		return mn
	}
	creds := cfg.Credentials

	if n.Email {
		if creds.HasSMTP() && n.EmailTo != "" {
			mn.channels = append(mn.channels, NewEmailNotifier(EmailConfig{
				Host:     creds.SMTPHost,
				Port:     creds.SMTPPort,
				Username: creds.SMTPUsername,
				Password: creds.SMTPPassword,
				From:     creds.SMTPFrom,
				To:       n.EmailTo,
			}))
		} else {
			mn.channels = append(mn.channels, NewMockNotifier("email", logger))
		}
	}
	if n.SMS {
		if creds.HasTwilio() && n.SMSTo != "" {
			mn.channels = append(mn.channels, NewSMSNotifier(SMSConfig{
				AccountSID: creds.TwilioAccountSID,
				AuthToken:  creds.TwilioAuthToken,
				From:       creds.TwilioFromNumber,
				To:         n.SMSTo,
			}))
		} else {
			mn.channels = append(mn.channels, NewMockNotifier("sms", logger))
		}
	}
	if n.Webhook {
		if creds.WebhookURL != "" {
			mn.channels = append(mn.channels, NewWebhookNotifier(creds.WebhookURL))
		} else {
			mn.channels = append(mn.channels, NewMockNotifier("webhook", logger))
		}
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the configured channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := make([]NotificationChannel, len(mn.channels))
	copy(channels, mn.channels)
	mn.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		ch := ch
		p.Go(func() error {
			if err := ch.Send(ctx, n); err != nil {
				mn.logger.Warn().Err(err).
					Str("channel", ch.Name()).
					Str("type", string(n.Type)).
					Msg("Notification delivery failed")
				return fmt.Errorf("%s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// SendTrade sends a trade notification.
func (mn *MultiNotifier) SendTrade(ctx context.Context, event TradeEvent, trade models.Trade) error {
	return mn.Send(ctx, TradeNotification(event, trade))
}

// SendSignal sends a strategy signal notification.
func (mn *MultiNotifier) SendSignal(ctx context.Context, strategy models.Strategy) error {
	return mn.Send(ctx, SignalNotification(strategy))
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "Error Occurred",
		Message: fmt.Sprintf("Context: %s\nError: %v\nTime: %s", errContext, err, time.Now().Format("15:04:05")),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// ============================================================================
// Message builders
// ============================================================================

// TradeNotification renders a trade event.
func TradeNotification(event TradeEvent, t models.Trade) Notification {
	var title string
	switch event {
	case TradeOpened:
		title = fmt.Sprintf("Trade Opened: %s %s", t.Direction, t.Symbol)
	case TradeStopLoss:
		title = fmt.Sprintf("Stop Loss Hit: %s %s", t.Direction, t.Symbol)
	case TradeTakeProfit:
		title = fmt.Sprintf("Take Profit Hit: %s %s", t.Direction, t.Symbol)
	default:
		title = fmt.Sprintf("Trade Closed: %s %s", t.Direction, t.Symbol)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\nType: %s\nVolume: %g\nLeverage: %gx\nOpen: %g",
		t.Symbol, t.Direction, t.Volume, t.Leverage, t.OpenPrice)

	data := map[string]interface{}{
		"event":      string(event),
		"trade_id":   t.ID,
		"symbol":     t.Symbol,
		"type":       string(t.Direction),
		"volume":     t.Volume,
		"leverage":   t.Leverage,
		"open_price": t.OpenPrice,
	}
	if t.ClosePrice != nil {
		fmt.Fprintf(&sb, "\nClose: %g", *t.ClosePrice)
		data["close_price"] = *t.ClosePrice
	}
	if t.FinalPnL != nil {
		fmt.Fprintf(&sb, "\nP&L: %s", utils.FormatPnL(*t.FinalPnL))
		data["pnl"] = *t.FinalPnL
	}

	return Notification{
		Type:    NotificationTrade,
		UserID:  t.UserID,
		Title:   title,
		Message: sb.String(),
		Data:    data,
	}
}

// SignalNotification renders a strategy signal.
func SignalNotification(s models.Strategy) Notification {
	at := time.Now()
	if s.LastSignal != nil {
		at = *s.LastSignal
	}
	return Notification{
		Type:   NotificationSignal,
		UserID: s.UserID,
		Title:  fmt.Sprintf("Strategy Signal: %s", s.Name),
		Message: fmt.Sprintf("Strategy %q (%s) triggered on %s at %s.\nConditions: %s",
			s.Name, s.Type, s.Symbol, at.UTC().Format(time.RFC3339), s.Conditions),
		Data: map[string]interface{}{
			"strategy_id":  s.ID,
			"symbol":       s.Symbol,
			"type":         string(s.Type),
			"signal_count": s.SignalCount,
		},
		Timestamp: at,
	}
}

// ============================================================================
// No-op
// ============================================================================

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing.
func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error {
	return nil
}

// SendTrade does nothing.
func (n *NoOpNotifier) SendTrade(ctx context.Context, event TradeEvent, trade models.Trade) error {
	return nil
}

// SendSignal does nothing.
func (n *NoOpNotifier) SendSignal(ctx context.Context, strategy models.Strategy) error {
	return nil
}

// SendError does nothing.
func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error {
	return nil
}
