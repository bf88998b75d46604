package autoloop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/discovery"
	"github.com/Rajchodisetti/autotrader/internal/execution"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// cycle runs the pipeline once. A returned status is a terminal outcome; a
// returned error is unexpected and becomes ERROR.
func (l *Loop) cycle(ctx context.Context) (Status, error) {
	wasOpen := l.d.Breaker.State() == risk.StateOpen
	if d := l.d.Breaker.CanExecute(); !d.Allowed {
		return Blocked("circuit_breaker: " + d.Reason), nil
	}
	if wasOpen {
		// Healed by cooldown.
		l.rebaseEquity("cooldown_expired")
	}

	if l.d.Health != nil {
		hctx, cancel := context.WithTimeout(ctx, l.callTimeout())
		h, err := l.d.Health.Health(hctx)
		cancel()
		if err != nil {
			return Status{}, fmt.Errorf("health check: %w", err)
		}
		if !h.Healthy() {
			return Blocked("unhealthy: " + h.Reason), nil
		}
	}

	if l.d.Rand() < l.config.PurgeProbability {
		l.purgePending(ctx)
	}

	l.superviseExits(ctx)

	orders, err := l.openOrders(ctx)
	if err != nil {
		return Status{}, err
	}
	pendingBuys := map[string]bool{}
	for _, o := range orders {
		if o.Side == adapters.SideBuy {
			pendingBuys[o.Symbol] = true
		}
	}

	now := l.d.Now()
	if l.d.Daily.RollIfNewDay(now) {
		observ.Log("daily_stats_rolled", map[string]any{"date": l.d.Daily.Stats().Date})
	}

	acct, positions, err := l.accountState(ctx)
	if err != nil {
		return Status{}, err
	}
	l.d.Ledger.Reconcile(positions)
	if l.d.Stops != nil {
		held := make(map[string]bool, len(positions))
		for _, p := range positions {
			held[p.Symbol] = true
		}
		if n := l.d.Stops.Retain(held); n > 0 {
			observ.Log("stops_pruned", map[string]any{"count": n})
		}
	}

	drawdown, dailyLoss := l.d.Daily.ObserveEquity(acct.Equity)
	l.d.Breaker.RecordLevel(risk.CategoryDrawdown, drawdown)
	l.d.Breaker.RecordLevel(risk.CategoryDailyLoss, dailyLoss)
	if d := l.d.Breaker.CanExecute(); !d.Allowed {
		return Blocked("circuit_breaker: " + d.Reason), nil
	}

	if breach := l.d.Daily.Check(l.d.Limits, acct); breach != portfolio.BreachNone {
		canceled := l.cancelBuys(ctx, orders)
		observ.Warn("capital_ceiling_breached", map[string]any{
			"breach":          string(breach),
			"market_value":    acct.MarketValue,
			"cash":            acct.Cash,
			"trades_executed": l.d.Daily.Stats().TradesExecuted,
			"canceled":        canceled,
		})
		return Status{Kind: Kind(breach)}, nil
	}

	regime := l.regime(ctx)

	l.setStatus(Status{Kind: KindAllocating})
	perf, pnlPct := l.performance(ctx)
	plan := l.d.Allocator.Allocate(perf, acct, l.d.Limits, regime)

	l.setStatus(Status{Kind: KindGenerating})
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}
	signals := l.generate(ctx, plan, acct, held, pendingBuys, pnlPct)
	if len(signals) == 0 {
		return Idle(IdleNoSignals), nil
	}

	l.setStatus(Status{Kind: KindCoordinating})
	intents, reasons := l.d.Coordinator.Coordinate(signals, l.d.Allocator.Deployable(acct, l.d.Limits, regime))
	for _, r := range reasons {
		if r.Dropped != "" {
			observ.Log("intent_dropped", map[string]any{"symbol": r.Symbol, "strategy": r.Winner, "reason": r.Dropped})
		}
	}
	if len(intents) == 0 {
		return Idle(IdleNoWinners), nil
	}

	l.setStatus(Status{Kind: KindValidating})
	rc := &risk.RiskContext{
		Account:          acct,
		Positions:        make(map[string]adapters.Position, len(positions)),
		Health:           l.health(ctx),
		Regime:           regime,
		StrategyExposure: l.d.Ledger.StrategyExposure(positions),
		MaxTotalCapital:  l.d.Limits.MaxTotalCapital,
		MaxPerTrade:      l.d.Limits.MaxPerTrade,
		MinCashBuffer:    l.d.Limits.MinCashBuffer,
		Now:              now,
	}
	for _, p := range positions {
		rc.Positions[p.Symbol] = p
	}
	validated := l.validate(ctx, rc, intents)
	if len(validated) == 0 {
		return Blocked("all_intents_rejected"), nil
	}

	l.setStatus(Executing(len(validated)))
	rep := l.d.Executor.Execute(ctx, validated, pendingBuys)
	return Status{Kind: KindCompleted, Count: rep.Submitted}, nil
}

func (l *Loop) openOrders(ctx context.Context) ([]adapters.Order, error) {
	cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	orders, err := l.d.Broker.OpenOrders(cctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	pending := orders[:0]
	for _, o := range orders {
		if o.IsPending() {
			pending = append(pending, o)
		}
	}
	return pending, nil
}

func (l *Loop) accountState(ctx context.Context) (adapters.Account, []adapters.Position, error) {
	cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	acct, err := l.d.Broker.Account(cctx)
	if err != nil {
		return adapters.Account{}, nil, fmt.Errorf("account: %w", err)
	}
	positions, err := l.d.Broker.Positions(cctx)
	if err != nil {
		return adapters.Account{}, nil, fmt.Errorf("positions: %w", err)
	}
	observ.SetGauge("account_equity", acct.Equity, nil)
	observ.SetGauge("account_cash", acct.Cash, nil)
	return acct, positions, nil
}

// health re-reads health for the gate's broker check. A failed read is
// treated as degraded; the cycle-level gate already passed.
func (l *Loop) health(ctx context.Context) adapters.HealthStatus {
	if l.d.Health == nil {
		return adapters.HealthStatus{Status: adapters.HealthHealthy}
	}
	hctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	h, err := l.d.Health.Health(hctx)
	if err != nil {
		return adapters.HealthStatus{Status: adapters.HealthDegraded, Reason: err.Error()}
	}
	return h
}

func (l *Loop) regime(ctx context.Context) risk.Regime {
	if l.d.Quotes == nil {
		return l.d.Volatility.Classify(0, false)
	}
	qctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	q, err := l.d.Quotes.GetQuote(qctx, l.d.Volatility.Benchmark())
	if err != nil || q == nil {
		return l.d.Volatility.Classify(0, false)
	}
	return l.d.Volatility.Classify(q.ChangePct, true)
}

// performance returns strategy stats and portfolio P&L. Failures degrade to
// the allocator's fallback weights and a neutral multiplier.
func (l *Loop) performance(ctx context.Context) ([]adapters.StrategyPerformance, float64) {
	if l.d.Performance == nil {
		return nil, 0
	}
	pctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	perf, err := l.d.Performance.StrategyPerformance(pctx)
	if err != nil {
		observ.Warn("strategy_performance_unavailable", map[string]any{"error": err.Error()})
		perf = nil
	}
	pnl, err := l.d.Performance.PortfolioPnLPct(pctx)
	if err != nil {
		observ.Warn("portfolio_pnl_unavailable", map[string]any{"error": err.Error()})
		pnl = 0
	}
	return perf, pnl
}

// generate runs the high-value tier against every allocated strategy and
// consults the regular tier only when it found too few signals.
func (l *Loop) generate(ctx context.Context, plan portfolio.Plan, acct adapters.Account, held, pendingBuys map[string]bool, pnlPct float64) []decision.Signal {
	if l.d.Discovery == nil || l.d.Generator == nil {
		return nil
	}
	sc := decision.SizingContext{
		Equity:          acct.Equity,
		PortfolioPnLPct: pnlPct,
		RiskCapPct:      l.d.Discovery.RiskCapPct(acct.Equity),
	}
	ex := discovery.Exclusions{Held: held, PendingBuys: pendingBuys}
	budget := l.d.Generator.MaxSignals()

	high := l.d.Discovery.HighValue(ctx, ex, acct.Equity)
	signals := l.d.Generator.Generate(ctx, high, plan, held, sc, budget)
	observ.Log("high_value_tier", map[string]any{"candidates": len(high), "signals": len(signals)})

	threshold := l.d.Discovery.SkipThreshold()
	if threshold > 0 && len(signals) >= threshold {
		observ.IncCounter("regular_tier_skipped_total", nil)
		return signals
	}
	remaining := 0
	if budget > 0 {
		remaining = budget - len(signals)
		if remaining <= 0 {
			return signals
		}
	}

	seen := make(map[string]bool, len(high))
	for _, c := range high {
		seen[c.Symbol] = true
	}
	ex.Seen = seen
	regular := l.d.Discovery.Regular(ctx, ex, acct.Equity)
	more := l.d.Generator.Generate(ctx, regular, plan, held, sc, remaining)
	observ.Log("regular_tier", map[string]any{"candidates": len(regular), "signals": len(more)})
	return append(signals, more...)
}

// validate runs each winning intent through the gate against fresh quotes.
func (l *Loop) validate(ctx context.Context, rc *risk.RiskContext, intents []decision.Intent) []decision.ValidatedIntent {
	quotes := map[string]*adapters.Quote{}
	if l.d.Quotes != nil {
		symbols := make([]string, 0, len(intents))
		for _, in := range intents {
			symbols = append(symbols, in.Symbol)
		}
		qctx, cancel := context.WithTimeout(ctx, l.callTimeout())
		q, err := l.d.Quotes.GetQuotes(qctx, symbols)
		cancel()
		if err != nil {
			observ.Warn("gate_quotes_failed", map[string]any{"error": err.Error(), "symbols": len(symbols)})
		} else {
			quotes = q
		}
	}

	var out []decision.ValidatedIntent
	for _, in := range intents {
		res := l.d.Gate.Validate(rc, risk.TradeRequest{
			Symbol:     in.Symbol,
			Side:       in.Side,
			Qty:        in.Qty,
			Price:      in.Price,
			StrategyID: in.StrategyID,
			IsDiamond:  in.IsDiamond,
		}, quotes[in.Symbol])
		if !res.Accepted {
			continue
		}
		out = append(out, decision.ValidatedIntent{Intent: in, ValidatedQty: res.Qty, RiskAudit: res.Audit})
	}
	observ.Log("risk_validation", map[string]any{"intents": len(intents), "accepted": len(out)})
	return out
}

// superviseExits closes positions whose exit rules fired. It never fails the
// cycle.
func (l *Loop) superviseExits(ctx context.Context) {
	if l.d.Exits == nil {
		return
	}
	list, err := l.d.Exits.Evaluate(ctx)
	if err != nil {
		observ.Warn("exit_supervision_failed", map[string]any{"error": err.Error()})
		return
	}
	if len(list) == 0 {
		return
	}
	rep := l.d.Executor.ExecuteExits(ctx, list)
	for _, o := range rep.Outcomes {
		if o.Status == execution.StatusSubmitted {
			l.d.Exits.Closed(o.Symbol)
		}
	}
}

// purgePending cancels pending orders older than the stale age and, per
// symbol and side, every pending order but the newest.
func (l *Loop) purgePending(ctx context.Context) int {
	orders, err := l.openOrders(ctx)
	if err != nil {
		observ.Warn("pending_purge_failed", map[string]any{"error": err.Error()})
		return 0
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })

	staleAfter := time.Duration(l.config.StaleOrderMinutes) * time.Minute
	now := l.d.Now()
	type key struct {
		symbol string
		side   adapters.Side
	}
	seen := map[key]bool{}
	var stale, dupes int
	for _, o := range orders {
		k := key{o.Symbol, o.Side}
		reason := ""
		switch {
		case staleAfter > 0 && now.Sub(o.CreatedAt) > staleAfter:
			reason = "stale"
			stale++
		case seen[k]:
			reason = "duplicate"
			dupes++
		}
		seen[k] = true
		if reason == "" {
			continue
		}
		l.cancelOrder(ctx, o, reason)
	}
	observ.Log("pending_orders_purged", map[string]any{"stale": stale, "duplicates": dupes, "checked": len(orders)})
	return stale + dupes
}

// cancelBuys cancels pending buy orders so no further capital is committed.
func (l *Loop) cancelBuys(ctx context.Context, orders []adapters.Order) int {
	n := 0
	for _, o := range orders {
		if o.Side != adapters.SideBuy {
			continue
		}
		if l.cancelOrder(ctx, o, "ceiling_breached") {
			n++
		}
	}
	return n
}

func (l *Loop) cancelOrder(ctx context.Context, o adapters.Order, reason string) bool {
	cctx, cancel := context.WithTimeout(ctx, l.callTimeout())
	defer cancel()
	if err := l.d.Broker.CancelOrder(cctx, o.ID); err != nil {
		observ.Warn("order_cancel_failed", map[string]any{"order_id": o.ID, "symbol": o.Symbol, "reason": reason, "error": err.Error()})
		return false
	}
	observ.IncCounter("orders_canceled_total", map[string]string{"reason": reason})
	observ.Log("order_canceled", map[string]any{"order_id": o.ID, "symbol": o.Symbol, "side": string(o.Side), "reason": reason})
	return true
}
