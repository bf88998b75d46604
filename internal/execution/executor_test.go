package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/outbox"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type memSink struct {
	mu   sync.Mutex
	recs []outbox.Record
	err  error
}

func (m *memSink) Record(_ context.Context, rec outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

type fixture struct {
	quotes  *adapters.StaticQuotes
	broker  *adapters.PaperBroker
	breaker *risk.CircuitBreaker
	daily   *portfolio.Manager
	ledger  *Ledger
	audit   *memSink
	bus     *events.Bus
	stops   *risk.StopBook
	limits  portfolio.CapitalLimits
}

func newFixture(symbols ...string) *fixture {
	f := &fixture{
		quotes:  adapters.NewStaticQuotes(),
		breaker: risk.NewCircuitBreaker(risk.DefaultCircuitBreakerConfig(), clock),
		daily:   portfolio.NewManager(nil, clock),
		ledger:  NewLedger(nil),
		audit:   &memSink{},
		bus:     events.NewBus(),
		stops:   risk.NewStopBook(clock),
		limits:  portfolio.DefaultCapitalLimits(),
	}
	for _, s := range symbols {
		f.quotes.Set(adapters.Quote{Symbol: s, Last: 10, Bid: 9.99, Ask: 10.01, Timestamp: now})
	}
	f.broker = adapters.NewPaperBroker(f.quotes, 100_000, 0)
	f.broker.SetClock(clock)
	return f
}

func (f *fixture) executor() *Executor {
	return New(DefaultConfig(), Deps{
		Broker:  f.broker,
		Breaker: f.breaker,
		Daily:   f.daily,
		Limits:  f.limits,
		Ledger:  f.ledger,
		Audit:   f.audit,
		Events:  f.bus,
		Stops:   f.stops,
		Now:     clock,
	})
}

func intent(symbol string, side adapters.Side, qty float64) decision.ValidatedIntent {
	return decision.ValidatedIntent{
		Intent: decision.Intent{
			Signal: decision.Signal{
				Symbol:     symbol,
				Side:       side,
				Qty:        qty,
				Price:      10,
				StrategyID: "momentum",
				Confidence: 0.7,
				StopPct:    10,
			},
			Rank:         1,
			Coordination: map[string]string{"won_by": "only_candidate"},
		},
		ValidatedQty: qty,
		RiskAudit:    []risk.AuditEntry{{Check: "broker_health", Passed: true, QtyBefore: qty, QtyAfter: qty}},
	}
}

func TestExecuteSubmitsAndRecords(t *testing.T) {
	f := newFixture("ACME", "BETA")
	feed, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	rep := f.executor().Execute(context.Background(), []decision.ValidatedIntent{
		intent("ACME", adapters.SideBuy, 10),
		intent("BETA", adapters.SideBuy, 5),
	}, map[string]bool{})

	require.Equal(t, 2, rep.Submitted)
	a, b := rep.Outcomes[0], rep.Outcomes[1]
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.InDelta(t, 10.01, a.Price, 1e-9)

	orders := f.broker.Submitted()
	require.Len(t, orders, 2)
	assert.Equal(t, a.IdempotencyKey, orders[0].ClientOrderID)
	assert.Equal(t, a.IdempotencyKey, orders[0].Metadata["idempotency_key"])
	assert.Equal(t, "only_candidate", orders[0].Metadata["won_by"])
	assert.Equal(t, "momentum", orders[0].StrategyID)

	stats := f.daily.Stats()
	assert.Equal(t, 2, stats.TradesExecuted)
	assert.InDelta(t, 150.15, stats.CapitalDeployed, 1e-9)

	entry, ok := f.ledger.Entry("ACME")
	require.True(t, ok)
	assert.Equal(t, now, entry.EnteredAt)
	stops := f.stops.All()
	require.Len(t, stops, 2)
	assert.Equal(t, "ACME", stops[0].Symbol)
	assert.InDelta(t, 9.009, stops[0].TriggerPrice, 1e-9)

	ev := <-feed
	assert.Equal(t, events.TypeTradeExecuted, ev.Type)
	assert.Equal(t, "ACME", ev.Symbol)
	assert.False(t, ev.IsExit)

	require.Len(t, f.audit.recs, 4)
	assert.Equal(t, outbox.TypeDecision, f.audit.recs[0].Type)
	assert.NotNil(t, f.audit.recs[0].RiskAudit)
	assert.Equal(t, outbox.TypeOrder, f.audit.recs[1].Type)
	assert.Equal(t, orders[0].ID, f.audit.recs[1].OrderID)
}

func TestExecuteFailuresFeedBreakerAndContinue(t *testing.T) {
	syms := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	f := newFixture(syms...)
	f.broker.FailNext(1, 500)

	rep := f.executor().Execute(context.Background(), []decision.ValidatedIntent{
		intent("A", adapters.SideBuy, 1),
		intent("B", adapters.SideBuy, 1),
	}, nil)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Submitted)
	assert.Equal(t, StatusFailed, rep.Outcomes[0].Status)

	var sawContext bool
	for _, ev := range f.breaker.Events() {
		if ev.Type == risk.EventFailureRecorded && ev.Data["status"] == 500 && ev.Data["symbol"] == "A" {
			sawContext = true
		}
	}
	assert.True(t, sawContext, "failure context carries symbol and http status")

	// One failure above plus four more reaches the limit of five without
	// exceeding it; the sixth trips the breaker.
	f.broker.FailNext(5, 503)
	var batch []decision.ValidatedIntent
	for _, s := range syms[2:] {
		batch = append(batch, intent(s, adapters.SideBuy, 1))
	}
	rep = f.executor().Execute(context.Background(), batch, nil)
	assert.Equal(t, 5, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.True(t, strings.HasPrefix(rep.Outcomes[5].Reason, "circuit_open"))
	assert.ErrorIs(t, rep.Outcomes[5].Err, risk.ErrCircuitOpen)
	assert.NotErrorIs(t, rep.Outcomes[0].Err, risk.ErrCircuitOpen)
	assert.Equal(t, risk.StateOpen, f.breaker.State())
}

func TestExecuteGuards(t *testing.T) {
	f := newFixture("ACME", "BETA", "HELD")
	f.limits.MaxDailyTrades = 1

	reduce := intent("HELD", adapters.SideSell, 3)
	reduce.HasPosition = true
	f.broker.SetPosition("HELD", 3, 9)

	pending := map[string]bool{"ACME": true}
	rep := f.executor().Execute(context.Background(), []decision.ValidatedIntent{
		intent("ACME", adapters.SideBuy, 1),
		intent("BETA", adapters.SideBuy, 1),
		intent("BETA2", adapters.SideBuy, 1),
		reduce,
	}, pending)

	require.Len(t, rep.Outcomes, 4)
	assert.Equal(t, "pending_buy", rep.Outcomes[0].Reason)
	assert.Equal(t, StatusSubmitted, rep.Outcomes[1].Status)
	assert.Equal(t, string(portfolio.BreachDailyTrades), rep.Outcomes[2].Reason)
	assert.Equal(t, StatusSubmitted, rep.Outcomes[3].Status, "reducing sells are not daily-limited")
	assert.True(t, pending["BETA"])
	assert.Equal(t, 1, f.daily.Stats().TradesExecuted)
}

func TestExecuteExits(t *testing.T) {
	f := newFixture("WIN")
	f.broker.SetPosition("WIN", 50, 8)
	f.stops.RegisterStop("WIN", 8, 10, true)
	f.ledger.Record("WIN", exits.Entry{StrategyID: "news_catalyst", IsDiamond: true, EnteredAt: now.Add(-time.Hour)})
	feed, unsubscribe := f.bus.Subscribe(1)
	defer unsubscribe()

	rep := f.executor().ExecuteExits(context.Background(), []exits.Exit{{
		Symbol: "WIN", Side: adapters.SideSell, Qty: 50, Price: 10, Reason: "strong_profit_15pct",
		PnLPct: 25, PeakPct: 25, IsDiamond: true, Confidence: 0.99, StrategyID: "news_catalyst",
	}})

	require.Equal(t, 1, rep.Submitted)
	_, ok := f.ledger.Entry("WIN")
	assert.False(t, ok)
	assert.Empty(t, f.stops.All(), "stop cleared with the position")
	assert.Zero(t, f.daily.Stats().TradesExecuted, "exits do not count against the daily limit")

	ev := <-feed
	assert.True(t, ev.IsExit)
	assert.Equal(t, "strong_profit_15pct", ev.Reason)
	assert.Equal(t, outbox.TypeExit, f.audit.recs[0].Type)
	assert.Equal(t, "25.00", f.broker.Submitted()[0].Metadata["pnl_pct"])
}

func TestAuditFailureDoesNotBlock(t *testing.T) {
	f := newFixture("ACME")
	f.audit.err = errors.New("disk full")
	rep := f.executor().Execute(context.Background(), []decision.ValidatedIntent{intent("ACME", adapters.SideBuy, 1)}, nil)
	assert.Equal(t, 1, rep.Submitted)
}

func TestLedgerExposureAndReconcile(t *testing.T) {
	l := NewLedger(nil)
	l.Record("A", exits.Entry{StrategyID: "momentum", EnteredAt: now})
	l.Record("A", exits.Entry{StrategyID: "momentum", IsDiamond: true, EnteredAt: now.Add(time.Hour)})
	l.Record("B", exits.Entry{StrategyID: "news_catalyst", EnteredAt: now})

	e, _ := l.Entry("A")
	assert.Equal(t, now, e.EnteredAt, "adds keep the first entry time")
	assert.True(t, e.IsDiamond)

	positions := []adapters.Position{
		{Symbol: "A", Qty: 10, MarketValue: 100},
		{Symbol: "C", Qty: 5, MarketValue: 50},
	}
	assert.Equal(t, map[string]float64{"momentum": 100, "unknown": 50}, l.StrategyExposure(positions))

	l.Reconcile(positions)
	_, ok := l.Entry("B")
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}
