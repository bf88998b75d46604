package autoloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/discovery"
	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/execution"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// flakyBroker fails OpenOrders on demand.
type flakyBroker struct {
	*adapters.PaperBroker
	ordersErr error
}

func (b *flakyBroker) OpenOrders(ctx context.Context) ([]adapters.Order, error) {
	if b.ordersErr != nil {
		return nil, b.ordersErr
	}
	return b.PaperBroker.OpenOrders(ctx)
}

type harness struct {
	quotes  *adapters.StaticQuotes
	paper   *adapters.PaperBroker
	broker  *flakyBroker
	scanner *adapters.StaticScanner
	scorer  *adapters.ScriptedScorer
	health  *adapters.StaticHealth
	breaker *risk.CircuitBreaker
	daily   *portfolio.Manager
	ledger  *execution.Ledger
	stops   *risk.StopBook
	bus     *events.Bus
	limits  portfolio.CapitalLimits
	config  Config
	store   *store.Store
	rand    float64
	onHalt  func(error)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		quotes:  adapters.NewStaticQuotes(),
		scanner: adapters.NewStaticScanner(),
		scorer:  adapters.NewScriptedScorer(),
		health:  adapters.NewStaticHealth(),
		breaker: risk.NewCircuitBreaker(risk.DefaultCircuitBreakerConfig(), clock),
		stops:   risk.NewStopBook(clock),
		bus:     events.NewBus(),
		limits:  portfolio.DefaultCapitalLimits(),
		config:  DefaultConfig(),
		rand:    1,
	}
	h.paper = adapters.NewPaperBroker(h.quotes, 100_000, 0)
	h.paper.SetClock(clock)
	h.broker = &flakyBroker{PaperBroker: h.paper}
	h.daily = portfolio.NewManager(nil, clock)
	h.ledger = execution.NewLedger(nil)
	return h
}

// withStore backs daily stats, the ledger and breaker state with badger.
func (h *harness) withStore(st *store.Store) {
	h.store = st
	h.daily = portfolio.NewManager(st, clock)
	h.ledger = execution.NewLedger(st)
}

func (h *harness) quote(symbol string, last float64) {
	h.quotes.Set(adapters.Quote{Symbol: symbol, Last: last, Bid: last - 0.005, Ask: last + 0.005, Volume: 2_000_000, Timestamp: now})
}

func (h *harness) loop(t *testing.T) *Loop {
	t.Helper()
	cooldown := risk.NewCooldownTracker(risk.DefaultCooldownConfig(), clock)
	vol := risk.NewVolatilityCalculator(risk.DefaultVolatilityConfig())
	exec := execution.New(execution.DefaultConfig(), execution.Deps{
		Broker:  h.broker,
		Breaker: h.breaker,
		Daily:   h.daily,
		Limits:  h.limits,
		Ledger:  h.ledger,
		Events:  h.bus,
		Stops:   h.stops,
		Now:     clock,
	})
	d := Deps{
		Broker:      h.broker,
		Quotes:      h.quotes,
		Health:      h.health,
		Performance: &adapters.StaticPerformance{},
		Breaker:     h.breaker,
		Gate:        risk.NewGate(risk.DefaultGateConfig(), vol),
		Volatility:  vol,
		Daily:       h.daily,
		Limits:      h.limits,
		Allocator:   portfolio.NewAllocator(portfolio.DefaultAllocatorConfig()),
		Discovery:   discovery.New(discovery.DefaultConfig(), h.scanner, h.quotes, cooldown),
		Generator:   decision.NewGenerator(decision.DefaultSignalConfig(), risk.DefaultSizingConfig(), risk.DefaultCostConfig(), h.scorer, cooldown),
		Coordinator: decision.NewCoordinator(),
		Executor:    exec,
		Exits:       exits.NewSupervisor(exits.DefaultConfig(), h.broker, h.quotes, h.ledger, clock),
		Ledger:      h.ledger,
		Stops:       h.stops,
		Now:         clock,
		Rand:        func() float64 { return h.rand },
		OnHalt:      h.onHalt,
	}
	if h.store != nil {
		d.Store = h.store
	}
	l, err := New(h.config, d)
	require.NoError(t, err)
	return l
}

func (h *harness) diamond(symbol string, price float64) {
	h.quote(symbol, price)
	h.scorer.Set(symbol, "", &adapters.ScoreDecision{Side: adapters.SideBuy, Score: 0.8, Confidence: 0.8})
}

func TestNoCandidatesIsIdleWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	l := h.loop(t)

	for i := 0; i < 2; i++ {
		st, err := l.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "IDLE: NO_SIGNALS", st.String())
	}
	assert.Empty(t, h.paper.Submitted())
	assert.Empty(t, h.paper.Canceled())
	assert.Zero(t, h.daily.Stats().TradesExecuted)
	assert.True(t, l.Info().LastRun.IsZero())
}

func TestDiamondFlowsThroughToExecution(t *testing.T) {
	h := newHarness(t)
	h.diamond("DIAM", 4)
	h.scanner.SetList(adapters.ListDiamonds, adapters.ScanResult{Symbol: "DIAM", Score: 0.75, Price: 4, Headline: "FDA approval"})
	feed, unsubscribe := h.bus.Subscribe(4)
	defer unsubscribe()

	l := h.loop(t)
	st, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindCompleted, st.Kind)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, now, l.Info().LastRun)

	orders := h.paper.Submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, "DIAM", orders[0].Symbol)
	assert.Equal(t, adapters.SideBuy, orders[0].Side)
	assert.NotEmpty(t, orders[0].ClientOrderID)

	entry, ok := h.ledger.Entry("DIAM")
	require.True(t, ok)
	assert.True(t, entry.IsDiamond)
	assert.Equal(t, 1, h.daily.Stats().TradesExecuted)

	ev := <-feed
	assert.Equal(t, "DIAM", ev.Symbol)

	req := h.scorer.Requests()
	require.NotEmpty(t, req)
	assert.InDelta(t, 0.9, req[0].Confidence, 1e-9, "diamond confidence is boosted and capped")
}

func TestHighValueTierSkipsRegular(t *testing.T) {
	h := newHarness(t)
	var results []adapters.ScanResult
	for _, s := range []string{"AAA", "BBB", "CCC"} {
		h.diamond(s, 4)
		results = append(results, adapters.ScanResult{Symbol: s, Score: 0.7, Price: 4})
	}
	h.scanner.SetList(adapters.ListDiamonds, results...)

	_, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.scanner.Calls(adapters.ListDiamonds))
	assert.Zero(t, h.scanner.Calls(adapters.ListDynamic))
	assert.Zero(t, h.scanner.Calls(adapters.ListPennyMovers))
}

func TestRegularTierConsultedWhenHighValueIsThin(t *testing.T) {
	h := newHarness(t)
	h.diamond("ONE", 4)
	h.scanner.SetList(adapters.ListDiamonds, adapters.ScanResult{Symbol: "ONE", Score: 0.7, Price: 4})
	// ONE again from a scanner list must not be evaluated twice.
	h.scanner.SetList(adapters.ListDynamic, adapters.ScanResult{Symbol: "ONE", Score: 0.5, Price: 4})

	_, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.scanner.Calls(adapters.ListDynamic))
	assert.Len(t, h.paper.Submitted(), 1)
}

func TestBreakerOpenBlocksEverything(t *testing.T) {
	h := newHarness(t)
	h.quote("WIN", 20)
	h.paper.SetPosition("WIN", 10, 10)
	for i := 0; i < 6; i++ {
		h.breaker.RecordFailure(risk.CategoryOrderFailure, nil)
	}

	st, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsBlocked())
	assert.True(t, strings.HasPrefix(st.String(), "BLOCKED:circuit_breaker"))
	assert.Empty(t, h.paper.Submitted(), "an open breaker skips exits too")
}

func TestUnhealthyBlocks(t *testing.T) {
	h := newHarness(t)
	h.health.Set(adapters.HealthStatus{Status: adapters.HealthFailed, Reason: "broker: 503"}, nil)

	st, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BLOCKED:unhealthy: broker: 503", st.String())
}

func TestDailyTradeLimitCancelsPendingBuys(t *testing.T) {
	h := newHarness(t)
	h.limits.MaxDailyTrades = 2
	require.NoError(t, h.daily.RecordTrade(100))
	require.NoError(t, h.daily.RecordTrade(100))
	h.paper.AddOpenOrder(adapters.Order{ID: "buy-1", Symbol: "ACME", Side: adapters.SideBuy, Qty: 10})
	h.paper.AddOpenOrder(adapters.Order{ID: "sell-1", Symbol: "HELD", Side: adapters.SideSell, Qty: 5})
	h.scanner.SetList(adapters.ListDiamonds, adapters.ScanResult{Symbol: "DIAM", Score: 0.9, Price: 4})

	st, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DAILY_TRADE_LIMIT", st.String())
	assert.True(t, st.IsBlocked())
	assert.Equal(t, []string{"buy-1"}, h.paper.Canceled())
	assert.Zero(t, h.scanner.Calls(adapters.ListDiamonds), "no signal generation past a ceiling")
	assert.Equal(t, 2, h.daily.Stats().TradesExecuted)
}

func TestExitsRunEveryCycle(t *testing.T) {
	h := newHarness(t)
	h.quote("WIN", 11.6)
	h.paper.SetPosition("WIN", 50, 10)
	h.ledger.Record("WIN", exits.Entry{StrategyID: "news_catalyst", IsDiamond: true, EnteredAt: now.Add(-time.Hour)})
	h.stops.RegisterStop("WIN", 10, 5, true)

	l := h.loop(t)
	st, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle(IdleNoSignals), st)
	assert.Empty(t, l.Info().Stops, "exit fill clears the stop")

	orders := h.paper.Submitted()
	require.Len(t, orders, 1)
	assert.Equal(t, adapters.SideSell, orders[0].Side)
	assert.Equal(t, "strong_profit_15pct", orders[0].Metadata["exit_reason"])
	_, ok := h.ledger.Entry("WIN")
	assert.False(t, ok)
	assert.Zero(t, h.daily.Stats().TradesExecuted)
}

func TestPurgeCancelsStaleAndDuplicateOrders(t *testing.T) {
	h := newHarness(t)
	h.rand = 0
	h.paper.AddOpenOrder(adapters.Order{ID: "a-stale", Symbol: "A", Side: adapters.SideBuy, CreatedAt: now.Add(-2 * time.Hour)})
	h.paper.AddOpenOrder(adapters.Order{ID: "b-old", Symbol: "B", Side: adapters.SideBuy, CreatedAt: now.Add(-10 * time.Minute)})
	h.paper.AddOpenOrder(adapters.Order{ID: "b-new", Symbol: "B", Side: adapters.SideBuy, CreatedAt: now.Add(-5 * time.Minute)})

	_, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a-stale", "b-old"}, h.paper.Canceled())

	open, err := h.paper.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "b-new", open[0].ID)
}

func TestPurgeKeepsExitSellBehindNewerBuy(t *testing.T) {
	h := newHarness(t)
	h.rand = 0
	h.paper.AddOpenOrder(adapters.Order{ID: "c-sell", Symbol: "C", Side: adapters.SideSell, CreatedAt: now.Add(-20 * time.Minute)})
	h.paper.AddOpenOrder(adapters.Order{ID: "c-buy-old", Symbol: "C", Side: adapters.SideBuy, CreatedAt: now.Add(-15 * time.Minute)})
	h.paper.AddOpenOrder(adapters.Order{ID: "c-buy", Symbol: "C", Side: adapters.SideBuy, CreatedAt: now.Add(-10 * time.Minute)})

	_, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c-buy-old"}, h.paper.Canceled())
}

func TestNoPurgeWhenDiceSayNo(t *testing.T) {
	h := newHarness(t)
	h.rand = 0.5
	h.paper.AddOpenOrder(adapters.Order{ID: "a-stale", Symbol: "A", Side: adapters.SideBuy, CreatedAt: now.Add(-2 * time.Hour)})

	_, err := h.loop(t).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.paper.Canceled())
}

func TestErrorsAreSwallowedUnlessFatal(t *testing.T) {
	h := newHarness(t)
	l := h.loop(t)

	h.broker.ordersErr = errors.New("orders: 503 service unavailable")
	st, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindError, st.Kind)
	assert.Contains(t, st.String(), "ERROR:open orders: orders: 503")

	var apiErrors int
	for _, ev := range h.breaker.Events() {
		if ev.Type == risk.EventFailureRecorded && ev.Data["category"] == risk.CategoryAPIError {
			apiErrors++
		}
	}
	assert.Equal(t, 1, apiErrors)

	h.broker.ordersErr = errors.New("CRITICAL: account restricted")
	st, err = l.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, KindError, st.Kind)
	assert.Equal(t, "open orders: CRITICAL: account restricted", l.Info().LastError)
}

func TestCanceledCycleIsNotABrokerFailure(t *testing.T) {
	h := newHarness(t)
	l := h.loop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.broker.ordersErr = ctx.Err()

	st, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindStopped, st.Kind)
	assert.Empty(t, l.Info().LastError)
	for _, ev := range h.breaker.Events() {
		assert.NotEqual(t, risk.EventFailureRecorded, ev.Type, "cancellation fed to the breaker")
	}
	assert.Equal(t, risk.StateClosed, h.breaker.State())
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	l := h.loop(t)

	require.True(t, l.Start(context.Background()))
	assert.False(t, l.Start(context.Background()), "already running")
	require.Eventually(t, func() bool { return l.Info().Cycles >= 1 }, 2*time.Second, 5*time.Millisecond)

	l.Stop()
	assert.False(t, l.Running())
	assert.Equal(t, KindStopped, l.Status().Kind)
	l.Stop()
}

func TestStartDisabledIsNoop(t *testing.T) {
	h := newHarness(t)
	h.config.Enabled = false
	l := h.loop(t)
	assert.False(t, l.Start(context.Background()))
	assert.False(t, l.Running())
}

func TestFatalErrorStopsTimer(t *testing.T) {
	h := newHarness(t)
	h.broker.ordersErr = errors.New("FATAL: credentials revoked")
	halted := make(chan error, 1)
	h.onHalt = func(err error) { halted <- err }
	l := h.loop(t)

	require.True(t, l.Start(context.Background()))
	select {
	case err := <-halted:
		assert.Contains(t, err.Error(), "credentials revoked")
	case <-time.After(2 * time.Second):
		t.Fatal("OnHalt not called")
	}
	assert.False(t, l.Running())
	assert.Equal(t, KindError, l.Status().Kind)
	l.Stop()
}

func TestStateSurvivesRestart(t *testing.T) {
	st, err := store.Open(store.OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t)
	h.withStore(st)
	l := h.loop(t)
	require.NoError(t, h.daily.RecordTrade(250))
	h.ledger.Record("KEEP", exits.Entry{StrategyID: "momentum", EnteredAt: now})
	for i := 0; i < 6; i++ {
		h.breaker.RecordFailure(risk.CategoryOrderFailure, nil)
	}
	status, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsBlocked())

	h2 := newHarness(t)
	h2.withStore(st)
	h2.loop(t)
	assert.Equal(t, risk.StateOpen, h2.breaker.State())
	assert.Equal(t, 1, h2.daily.Stats().TradesExecuted)
	assert.InDelta(t, 250, h2.daily.Stats().CapitalDeployed, 1e-9)
	_, ok := h2.ledger.Entry("KEEP")
	assert.True(t, ok)
}

func TestResetBreakerPersists(t *testing.T) {
	st, err := store.Open(store.OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t)
	h.withStore(st)
	l := h.loop(t)
	for i := 0; i < 6; i++ {
		h.breaker.RecordFailure(risk.CategoryOrderFailure, nil)
	}
	require.Equal(t, risk.StateOpen, h.breaker.State())

	l.ResetBreaker("ops", "broker recovered")
	assert.Equal(t, risk.StateClosed, h.breaker.State())

	var snap risk.BreakerSnapshot
	require.NoError(t, st.GetJSON(store.KeyCircuitBreaker, &snap))
	assert.Equal(t, risk.StateClosed, snap.State)
}

func TestResetBreakerRebasesEquityLevels(t *testing.T) {
	h := newHarness(t)
	l := h.loop(t)
	// Yesterday's peak was twice the current paper equity.
	h.daily.ObserveEquity(200_000)

	st, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(st.String(), "BLOCKED:circuit_breaker"), st.String())
	require.Equal(t, risk.StateOpen, h.breaker.State())

	l.ResetBreaker("ops", "loss acknowledged")
	st, err = l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle(IdleNoSignals), st)
	assert.Equal(t, risk.StateClosed, h.breaker.State())
	assert.Equal(t, 100_000.0, h.daily.Stats().PeakEquity)
}

func TestCooldownExpiryRebasesEquityLevels(t *testing.T) {
	h := newHarness(t)
	at := now
	h.breaker = risk.NewCircuitBreaker(risk.DefaultCircuitBreakerConfig(), func() time.Time { return at })
	l := h.loop(t)
	h.daily.ObserveEquity(200_000)

	st, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsBlocked())

	at = at.Add(16 * time.Minute)
	st, err = l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle(IdleNoSignals), st)
	assert.Equal(t, risk.StateClosed, h.breaker.State())

	st, err = l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle(IdleNoSignals), st, "stays closed once rebased")
}

func TestInfoReportsLiveStops(t *testing.T) {
	h := newHarness(t)
	h.quote("HELD", 10)
	h.paper.SetPosition("HELD", 10, 10)
	h.stops.RegisterStop("HELD", 10, 10, false)
	h.stops.RegisterStop("GONE", 20, 10, false)
	l := h.loop(t)

	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	stops := l.Info().Stops
	require.Len(t, stops, 1)
	assert.Equal(t, "HELD", stops[0].Symbol)
	assert.InDelta(t, 9.0, stops[0].TriggerPrice, 1e-9)
}

func TestStatusStrings(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{Kind: KindStopped}, "STOPPED"},
		{Status{Kind: KindRunning}, "RUNNING"},
		{Blocked("unhealthy"), "BLOCKED:unhealthy"},
		{Status{Kind: KindAllocating}, "ALLOCATING"},
		{Status{Kind: KindGenerating}, "GENERATING_SIGNALS"},
		{Status{Kind: KindCoordinating}, "COORDINATING"},
		{Status{Kind: KindValidating}, "VALIDATING_RISKS"},
		{Executing(3), "EXECUTING 3 TRADES"},
		{Status{Kind: KindCompleted, Count: 2}, "COMPLETED"},
		{Failed(errors.New("boom")), "ERROR:boom"},
		{Idle(IdleNoSignals), "IDLE: NO_SIGNALS"},
		{Idle(IdleNoWinners), "IDLE: NO_WINNERS"},
		{Status{Kind: KindCapitalLimit}, "CAPITAL_LIMIT_REACHED"},
		{Status{Kind: KindInsufficientCash}, "INSUFFICIENT_CASH"},
		{Status{Kind: KindDailyTradeLimit}, "DAILY_TRADE_LIMIT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("timeout")))
	assert.True(t, IsFatal(errors.New("CRITICAL: margin call")))
	assert.True(t, IsFatal(errors.Join(errors.New("wrapped"), ErrFatal)))
}
