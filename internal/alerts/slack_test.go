package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	failN    int
	calls    int
	srv      *httptest.Server
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	w := &webhook{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.calls++
		if w.failN > 0 {
			w.failN--
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.messages = append(w.messages, msg)
		_, _ = rw.Write([]byte("ok"))
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *webhook) received() []SlackMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SlackMessage(nil), w.messages...)
}

func (w *webhook) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.WebhookURL = url
	cfg.Channel = "#trading-alerts"
	cfg.RetryBaseMs = 10
	return cfg
}

func newTestSlack(t *testing.T, cfg Config) *Slack {
	t.Helper()
	s := NewSlack(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBreakerOpenIsDelivered(t *testing.T) {
	hook := newWebhook(t)
	s := newTestSlack(t, testConfig(hook.srv.URL))

	s.Notify(BreakerTransition(risk.Transition{
		From:   risk.StateClosed,
		To:     risk.StateOpen,
		Reason: "order_failure count 6 exceeds limit 5 in 10m",
		At:     time.Date(2025, 3, 10, 15, 4, 5, 0, time.UTC),
	}))

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := hook.received()[0]
	assert.Equal(t, "#trading-alerts", msg.Channel)
	assert.Contains(t, msg.Text, "Circuit breaker OPEN")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "danger", msg.Attachments[0].Color)
	assert.Equal(t, "Reason", msg.Attachments[0].Fields[0].Title)
	assert.Equal(t, "15:04:05 UTC", msg.Attachments[0].Fields[1].Value)
}

func TestDuplicatesWithinWindowAreDropped(t *testing.T) {
	hook := newWebhook(t)
	s := newTestSlack(t, testConfig(hook.srv.URL))

	halt := LoopHalted(errors.New("FATAL: credentials revoked"))
	s.Notify(halt)
	s.Notify(halt)
	s.Notify(LoopHalted(errors.New("CRITICAL: margin call")))

	require.Eventually(t, func() bool { return len(hook.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, hook.received(), 2)
}

func TestDedupeWindowExpires(t *testing.T) {
	hook := newWebhook(t)
	s := newTestSlack(t, testConfig(hook.srv.URL))
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	a := Alert{Kind: "trade", Title: "BUY AAPL"}
	s.Notify(a)
	now = now.Add(61 * time.Second)
	s.Notify(a)

	require.Eventually(t, func() bool { return len(hook.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRateLimitSparesCritical(t *testing.T) {
	hook := newWebhook(t)
	cfg := testConfig(hook.srv.URL)
	cfg.RateLimitPerMin = 2
	s := newTestSlack(t, cfg)

	s.Notify(Alert{Kind: "trade", Title: "one"})
	s.Notify(Alert{Kind: "trade", Title: "two"})
	s.Notify(Alert{Kind: "trade", Title: "three"})
	s.Notify(LoopHalted(errors.New("FATAL: halted")))

	require.Eventually(t, func() bool { return len(hook.received()) == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	var titles []string
	for _, m := range hook.received() {
		titles = append(titles, m.Text)
	}
	assert.NotContains(t, titles, "📈 three")
}

func TestRetriesUntilDelivered(t *testing.T) {
	hook := newWebhook(t)
	hook.failN = 2
	s := newTestSlack(t, testConfig(hook.srv.URL))

	s.Notify(Alert{Kind: "trade", Title: "retry me"})

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, hook.callCount())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	hook := newWebhook(t)
	hook.failN = 10
	s := newTestSlack(t, testConfig(hook.srv.URL))

	s.Notify(Alert{Kind: "trade", Title: "never"})

	require.Eventually(t, func() bool { return hook.callCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, hook.callCount())
	assert.Empty(t, hook.received())
}

func TestDisabledIsSilent(t *testing.T) {
	hook := newWebhook(t)
	cfg := testConfig(hook.srv.URL)
	cfg.Enabled = false
	s := newTestSlack(t, cfg)

	s.Notify(LoopHalted(errors.New("FATAL")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, hook.callCount())
}

func TestTradeAlerts(t *testing.T) {
	_, ok := Trade(events.TradeExecuted{Symbol: "AAPL", Side: "buy", Qty: 10, Price: 150})
	assert.False(t, ok, "regular entries are not paged")

	a, ok := Trade(events.TradeExecuted{Symbol: "AAPL", Side: "buy", Qty: 10, Price: 150, IsDiamond: true, Confidence: 0.8, StrategyID: "momentum"})
	require.True(t, ok)
	assert.Equal(t, "💎 Diamond entry: BUY AAPL 10 @ 150.00", a.Title)
	assert.Contains(t, a.Fields, Field{"Confidence", "0.80"})

	a, ok = Trade(events.TradeExecuted{Symbol: "AAPL", Side: "sell", Qty: 10, Price: 140, IsExit: true, Reason: "stop_loss"})
	require.True(t, ok)
	assert.Equal(t, "Exit: SELL AAPL 10 @ 140.00", a.Title)
	assert.Contains(t, a.Fields, Field{"Reason", "stop_loss"})
}

func TestFollowTradesForwardsFromBus(t *testing.T) {
	hook := newWebhook(t)
	s := newTestSlack(t, testConfig(hook.srv.URL))
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.FollowTrades(ctx, bus)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.TradeExecuted{Symbol: "MSFT", Side: "buy", Qty: 2, Price: 400, IsDiamond: true})
	bus.Publish(events.TradeExecuted{Symbol: "MSFT", Side: "buy", Qty: 1, Price: 400})

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, hook.received()[0].Text, "Diamond entry: BUY MSFT")

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBreakerHookRaisesAlerts(t *testing.T) {
	hook := newWebhook(t)
	s := newTestSlack(t, testConfig(hook.srv.URL))

	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	cb := risk.NewCircuitBreaker(risk.DefaultCircuitBreakerConfig(), func() time.Time { return now })
	cb.OnTransition(func(tr risk.Transition) { s.Notify(BreakerTransition(tr)) })

	for i := 0; i <= risk.DefaultCircuitBreakerConfig().MaxOrderFailures; i++ {
		cb.RecordFailure(risk.CategoryOrderFailure, nil)
	}
	cb.Reset("ops", "broker recovered")

	require.Eventually(t, func() bool { return len(hook.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, hook.received()[0].Text, "OPEN")
	assert.Contains(t, hook.received()[1].Text, "closed")
}
