package main

import (
	"fmt"
	"io"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/alerts"
	"github.com/Rajchodisetti/autotrader/internal/autoloop"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/control"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/discovery"
	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/execution"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/journal"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/outbox"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

// collaborators are the external systems the loop talks to.
type collaborators struct {
	broker      adapters.Broker
	quotes      adapters.QuotesAdapter
	scanner     adapters.Scanner
	scorer      adapters.Scorer
	performance adapters.PerformanceSource
	health      adapters.HealthChecker
}

// app is one fully wired process.
type app struct {
	cfg     config.Root
	store   *store.Store
	bus     *events.Bus
	loop    *autoloop.Loop
	server  *control.Server
	alerts  *alerts.Slack
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			observ.Error("close_failed", err, nil)
		}
	}
}

func newCollaborators(cfg config.Root, now func() time.Time) collaborators {
	var c collaborators
	probeQuotes := true
	if cfg.Mode == config.ModeLive {
		broker := adapters.NewHTTPBroker(cfg.Broker)
		c.broker = broker
		c.quotes = adapters.NewCachedQuotes(adapters.NewHTTPQuotes(cfg.QuotesHTTP()), cfg.QuoteCache, now)
	} else {
		quotes := adapters.NewStaticQuotes()
		quotes.StampOnRead(now)
		prices := map[string]float64{}
		for _, pq := range cfg.Paper.Quotes {
			q := pq.Quote(now())
			quotes.Set(q)
			prices[q.Symbol] = q.Last
		}
		paper := adapters.NewPaperBroker(quotes, cfg.Paper.StartingCash, cfg.Paper.SlippageBps)
		paper.SetClock(now)
		for sym, qty := range cfg.Paper.Positions {
			sym = adapters.NormalizeSymbol(sym)
			if px, ok := prices[sym]; ok && qty != 0 {
				paper.SetPosition(sym, qty, px)
			}
		}
		c.broker, c.quotes = paper, quotes
		probeQuotes = quotes.Has(cfg.Volatility.Benchmark)
	}

	if cfg.Gateway.BaseURL != "" {
		gw := adapters.NewHTTPGateway(cfg.Gateway)
		c.scanner, c.scorer, c.performance = gw, gw, gw
	} else {
		// Paper mode without a gateway: nothing is discovered and every
		// strategy gets the allocator's fallback weight.
		c.scanner = adapters.NewStaticScanner()
		c.scorer = adapters.NewScriptedScorer()
		c.performance = &adapters.StaticPerformance{}
	}

	probes := []adapters.Probe{adapters.BrokerProbe(c.broker)}
	if probeQuotes {
		probes = append(probes, adapters.QuotesProbe(c.quotes, cfg.Volatility.Benchmark))
	}
	c.health = adapters.NewCompositeHealth(probes...)
	return c
}

func openStore(cfg config.Root) (*store.Store, error) {
	return store.Open(store.OpenOptions{Path: cfg.Store.Path, InMemory: cfg.Store.InMemory})
}

// openAudit builds the decision-audit sink: the JSONL outbox plus, when
// configured, the SQLite journal.
func openAudit(cfg config.Root) (outbox.Sink, []io.Closer, error) {
	var (
		sinks   outbox.MultiSink
		closers []io.Closer
	)
	if cfg.Audit.OutboxPath != "" {
		ob, err := outbox.New(cfg.Audit.OutboxPath, cfg.Audit.DedupeWindowSecs)
		if err != nil {
			return nil, nil, fmt.Errorf("open outbox: %w", err)
		}
		sinks = append(sinks, ob)
	}
	if cfg.Audit.JournalPath != "" {
		j, err := journal.Open(cfg.Audit.JournalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open journal: %w", err)
		}
		sinks = append(sinks, j)
		closers = append(closers, j)
	}
	if len(sinks) == 0 {
		return outbox.Discard{}, nil, nil
	}
	return sinks, closers, nil
}

func newApp(cfg config.Root, c collaborators) (*app, error) {
	now := time.Now
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st, bus: events.NewBus(), closers: []io.Closer{st}}

	audit, closers, err := openAudit(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closers...)

	a.alerts = alerts.NewSlack(cfg.Alerts)
	a.closers = append(a.closers, a.alerts)

	breaker := risk.NewCircuitBreaker(cfg.CircuitBreaker, now)
	breaker.OnTransition(func(tr risk.Transition) { a.alerts.Notify(alerts.BreakerTransition(tr)) })
	cooldown := risk.NewCooldownTracker(cfg.Cooldown, now)
	vol := risk.NewVolatilityCalculator(cfg.Volatility)
	daily := portfolio.NewManager(st, now)
	ledger := execution.NewLedger(st)
	stops := risk.NewStopBook(now)

	executor := execution.New(cfg.Execution, execution.Deps{
		Broker:  c.broker,
		Breaker: breaker,
		Daily:   daily,
		Limits:  cfg.Capital,
		Ledger:  ledger,
		Audit:   audit,
		Events:  a.bus,
		Stops:   stops,
		Now:     now,
	})

	generator := decision.NewGenerator(cfg.Signals, cfg.Sizing, cfg.EV, c.scorer, cooldown).
		WithSizer(risk.NewOptimalSizer(cfg.Sizing))

	a.loop, err = autoloop.New(cfg.Loop, autoloop.Deps{
		Broker:      c.broker,
		Quotes:      c.quotes,
		Health:      c.health,
		Performance: c.performance,
		Breaker:     breaker,
		Gate:        risk.NewGate(cfg.RiskGate, vol),
		Volatility:  vol,
		Daily:       daily,
		Limits:      cfg.Capital,
		Allocator:   portfolio.NewAllocator(cfg.Allocator),
		Discovery:   discovery.New(cfg.Discovery, c.scanner, c.quotes, cooldown),
		Generator:   generator,
		Coordinator: decision.NewCoordinator(),
		Executor:    executor,
		Exits:       exits.NewSupervisor(cfg.Exits, c.broker, c.quotes, ledger, now),
		Ledger:      ledger,
		Stops:       stops,
		Store:       st,
		Now:         now,
		OnHalt:      func(err error) { a.alerts.Notify(alerts.LoopHalted(err)) },
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.server = control.New(cfg.Control, a.loop, a.bus)

	observ.Log("autotrader_wired", map[string]any{
		"mode":     cfg.Mode,
		"interval": cfg.Loop.IntervalSec,
		"store":    cfg.Store.Path,
		"gateway":  cfg.Gateway.BaseURL != "",
		"alerts":   cfg.Alerts.Enabled,
	})
	return a, nil
}
