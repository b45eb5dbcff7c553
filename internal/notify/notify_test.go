package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual-trader/internal/config"
	"virtual-trader/internal/models"
)

type recordingChannel struct {
	name    string
	err     error
	enabled bool

	mu   sync.Mutex
	sent []Notification
}

func (r *recordingChannel) Name() string    { return r.name }
func (r *recordingChannel) IsEnabled() bool { return r.enabled }

func (r *recordingChannel) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func closedTrade() models.Trade {
	closeAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Trade{
		ID:         "t-1",
		UserID:     "alice",
		Symbol:     "BTCUSD",
		Direction:  models.DirectionBuy,
		Volume:     0.5,
		Leverage:   2,
		OpenPrice:  40000,
		ClosePrice: models.Float(41000),
		FinalPnL:   models.Float(1000),
		CloseTime:  &closeAt,
		Status:     models.TradeClosed,
	}
}

func TestMultiNotifier_FansOutToEnabledChannels(t *testing.T) {
	mn := &MultiNotifier{logger: zerolog.Nop()}
	a := &recordingChannel{name: "a", enabled: true}
	b := &recordingChannel{name: "b", enabled: true}
	off := &recordingChannel{name: "off", enabled: false}
	mn.AddChannel(a)
	mn.AddChannel(b)
	mn.AddChannel(off)

	require.NoError(t, mn.SendTrade(context.Background(), TradeOpened, closedTrade()))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, off.count())
	assert.False(t, a.sent[0].Timestamp.IsZero())
	assert.Equal(t, "alice", a.sent[0].UserID)
}

func TestMultiNotifier_JoinsChannelErrors(t *testing.T) {
	var logs bytes.Buffer
	mn := &MultiNotifier{logger: zerolog.New(&logs)}
	good := &recordingChannel{name: "good", enabled: true}
	bad := &recordingChannel{name: "bad", enabled: true, err: errors.New("boom")}
	mn.AddChannel(good)
	mn.AddChannel(bad)

	err := mn.Send(context.Background(), Notification{Type: NotificationInfo, Title: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, 1, good.count())
	assert.Contains(t, logs.String(), "Notification delivery failed")
}

func TestNewMultiNotifier_FallsBackToMockChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Enabled = true
	cfg.Notifications.Email = true
	cfg.Notifications.SMS = true
	cfg.Notifications.Webhook = true

	var logs bytes.Buffer
	mn := NewMultiNotifier(cfg, zerolog.New(&logs))
	assert.Equal(t, []string{"email", "sms", "webhook"}, mn.Channels())

	require.NoError(t, mn.SendSignal(context.Background(), models.Strategy{ID: "s1", UserID: "alice", Name: "Breakout", Symbol: "AAPL"}))
	assert.Equal(t, 3, strings.Count(logs.String(), "Mock delivery"))
}

func TestNewMultiNotifier_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Enabled = false
	mn := NewMultiNotifier(cfg, zerolog.Nop())
	assert.Empty(t, mn.Channels())
	assert.NoError(t, mn.Send(context.Background(), Notification{Title: "x"}))
}

func TestNewMultiNotifier_RealChannelsWithCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications = config.NotificationConfig{
		Enabled: true, Email: true, SMS: true, Webhook: true,
		EmailTo: "alice@example.com", SMSTo: "+15551234567",
	}
	cfg.Credentials = config.Credentials{
		SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUsername: "u", SMTPPassword: "p",
		TwilioAccountSID: "AC1", TwilioAuthToken: "tok", TwilioFromNumber: "+15550000000",
		WebhookURL: "http://hooks.example.com",
	}

	mn := NewMultiNotifier(cfg, zerolog.Nop())
	require.Len(t, mn.channels, 3)
	assert.IsType(t, &EmailNotifier{}, mn.channels[0])
	assert.IsType(t, &SMSNotifier{}, mn.channels[1])
	assert.IsType(t, &WebhookNotifier{}, mn.channels[2])
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(srv.URL)
	require.True(t, w.IsEnabled())
	require.NoError(t, w.Send(context.Background(), TradeNotification(TradeStopLoss, closedTrade())))

	assert.Equal(t, "trade", got["type"])
	assert.Equal(t, "alice", got["userId"])
	assert.Equal(t, "Stop Loss Hit: BUY BTCUSD", got["title"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSMSNotifier_PostsTwilioForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551112222", r.PostForm.Get("To"))
		assert.Equal(t, "+15553334444", r.PostForm.Get("From"))
		assert.Equal(t, "Trade Closed: BUY BTCUSD: Symbol: BTCUSD", r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSMSNotifier(SMSConfig{
		AccountSID: "AC123", AuthToken: "secret",
		From: "+15553334444", To: "+15551112222",
		BaseURL: srv.URL,
	})
	require.True(t, s.IsEnabled())
	require.NoError(t, s.Send(context.Background(), TradeNotification(TradeClosed, closedTrade())))
}

func TestSMSNotifier_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":20003}`))
	}))
	defer srv.Close()

	s := NewSMSNotifier(SMSConfig{AccountSID: "AC", AuthToken: "x", From: "1", To: "2", BaseURL: srv.URL})
	err := s.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "20003")
}

func TestSMSBody_Truncates(t *testing.T) {
	body := smsBody(Notification{Title: strings.Repeat("x", 200)})
	assert.Len(t, body, 160)
	assert.True(t, strings.HasSuffix(body, "..."))
}

func TestTradeNotification_IncludesCloseDetails(t *testing.T) {
	n := TradeNotification(TradeTakeProfit, closedTrade())
	assert.Equal(t, NotificationTrade, n.Type)
	assert.Equal(t, "Take Profit Hit: BUY BTCUSD", n.Title)
	assert.Contains(t, n.Message, "Close: 41000")
	assert.Equal(t, 1000.0, n.Data["pnl"])
	assert.Equal(t, "t-1", n.Data["trade_id"])

	open := closedTrade()
	open.ClosePrice, open.FinalPnL, open.Status = nil, nil, models.TradeOpen
	n = TradeNotification(TradeOpened, open)
	assert.NotContains(t, n.Data, "pnl")
	assert.NotContains(t, n.Message, "Close:")
}

func TestEventForClose(t *testing.T) {
	assert.Equal(t, TradeStopLoss, EventForClose(models.CloseStopLoss))
	assert.Equal(t, TradeTakeProfit, EventForClose(models.CloseTakeProfit))
	assert.Equal(t, TradeClosed, EventForClose(models.CloseManual))
}

func TestBuildEmail(t *testing.T) {
	msg := buildEmail("from@x", "to@x", Notification{Title: "Hello", Message: "Body", Data: map[string]interface{}{"k": 1}})
	assert.True(t, strings.HasPrefix(msg, "From: from@x\r\nTo: to@x\r\nSubject: Hello\r\n"))
	assert.Contains(t, msg, "\r\n\r\nBody")
	assert.Contains(t, msg, `"k": 1`)
}
