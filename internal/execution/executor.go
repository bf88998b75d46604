package execution

import (
	"context"
	"strconv"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/events"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/outbox"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// Config controls order construction.
type Config struct {
	OrderType      string `yaml:"order_type"`
	TimeInForce    string `yaml:"time_in_force"`
	AuditTimeoutMs int    `yaml:"audit_timeout_ms"`
}

func DefaultConfig() Config {
	return Config{OrderType: "market", TimeInForce: "day", AuditTimeoutMs: 2000}
}

// Outcome statuses.
const (
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Outcome is the result of one order attempt.
type Outcome struct {
	Symbol         string        `json:"symbol"`
	Side           adapters.Side `json:"side"`
	Qty            float64       `json:"qty"`
	Price          float64       `json:"price,omitempty"`
	OrderID        string        `json:"order_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Status         string        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Err            error         `json:"-"`
}

// Report summarizes one batch.
type Report struct {
	Outcomes  []Outcome `json:"outcomes"`
	Submitted int       `json:"submitted"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusSubmitted:
		r.Submitted++
	case StatusFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Deps are the executor's collaborators. Nil optional fields get no-op
// defaults.
type Deps struct {
	Broker  adapters.Broker
	Breaker *risk.CircuitBreaker
	Daily   *portfolio.Manager
	Limits  portfolio.CapitalLimits
	Ledger  *Ledger
	Audit   outbox.Sink            // optional
	Events  events.Publisher       // optional
	Stops   risk.StopLossRegistrar // optional
	Now     func() time.Time       // optional
}

// Executor turns validated intents and exits into broker orders.
type Executor struct {
	config  Config
	broker  adapters.Broker
	breaker *risk.CircuitBreaker
	daily   *portfolio.Manager
	limits  portfolio.CapitalLimits
	ledger  *Ledger
	audit   outbox.Sink
	events  events.Publisher
	stops   risk.StopLossRegistrar
	now     func() time.Time
}

func New(config Config, d Deps) *Executor {
	e := &Executor{
		config:  config,
		broker:  d.Broker,
		breaker: d.Breaker,
		daily:   d.Daily,
		limits:  d.Limits,
		ledger:  d.Ledger,
		audit:   d.Audit,
		events:  d.Events,
		stops:   d.Stops,
		now:     d.Now,
	}
	if e.audit == nil {
		e.audit = outbox.Discard{}
	}
	if e.stops == nil {
		e.stops = risk.NoopStops{}
	}
	if e.ledger == nil {
		e.ledger = NewLedger(nil)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// order is the executor's common view of an entry or an exit.
type order struct {
	symbol       string
	side         adapters.Side
	qty          float64
	price        float64
	strategyID   string
	confidence   float64
	isDiamond    bool
	isExit       bool
	entry        bool // opens or adds to exposure
	stopPct      float64
	ev           float64
	reason       string
	coordination map[string]string
	riskAudit    any
}

// Execute submits validated intents in order. pendingBuys holds symbols
// with a resting buy order and is updated with new pending buys. A single
// order failure never aborts the batch; an open breaker does.
func (e *Executor) Execute(ctx context.Context, intents []decision.ValidatedIntent, pendingBuys map[string]bool) Report {
	var rep Report
	for i, in := range intents {
		o := order{
			symbol:       in.Symbol,
			side:         in.Side,
			qty:          in.ValidatedQty,
			price:        in.Price,
			strategyID:   in.StrategyID,
			confidence:   in.Confidence,
			isDiamond:    in.IsDiamond,
			entry:        in.ConsumesCapital(),
			stopPct:      in.StopPct,
			ev:           in.EV.AfterCost,
			coordination: in.Coordination,
			riskAudit:    in.RiskAudit,
		}

		if reason := e.blocked(); reason != "" {
			for _, rest := range intents[i:] {
				rep.add(Outcome{Symbol: rest.Symbol, Side: rest.Side, Qty: rest.ValidatedQty, Status: StatusSkipped, Reason: reason, Err: risk.ErrCircuitOpen})
			}
			break
		}
		if o.side == adapters.SideBuy && pendingBuys[o.symbol] {
			rep.add(e.skip(o, "pending_buy"))
			continue
		}
		if o.entry && e.daily != nil && e.limits.MaxDailyTrades > 0 &&
			e.daily.Stats().TradesExecuted >= e.limits.MaxDailyTrades {
			rep.add(e.skip(o, string(portfolio.BreachDailyTrades)))
			continue
		}

		out := e.submit(ctx, o)
		if out.Status == StatusSubmitted && o.side == adapters.SideBuy && pendingBuys != nil {
			pendingBuys[o.symbol] = true
		}
		rep.add(out)
	}
	e.logBatch("entries", rep)
	return rep
}

// ExecuteExits submits closing orders. Exits skip the pending-buy and
// daily-limit guards but still respect an open breaker.
func (e *Executor) ExecuteExits(ctx context.Context, list []exits.Exit) Report {
	var rep Report
	for i, ex := range list {
		if reason := e.blocked(); reason != "" {
			for _, rest := range list[i:] {
				rep.add(Outcome{Symbol: rest.Symbol, Side: rest.Side, Qty: rest.Qty, Status: StatusSkipped, Reason: reason, Err: risk.ErrCircuitOpen})
			}
			break
		}
		rep.add(e.submit(ctx, order{
			symbol:     ex.Symbol,
			side:       ex.Side,
			qty:        ex.Qty,
			price:      ex.Price,
			strategyID: ex.StrategyID,
			confidence: ex.Confidence,
			isDiamond:  ex.IsDiamond,
			isExit:     true,
			reason:     ex.Reason,
			coordination: map[string]string{
				"exit_reason": ex.Reason,
				"pnl_pct":     formatPct(ex.PnLPct),
				"peak_pct":    formatPct(ex.PeakPct),
			},
		}))
	}
	e.logBatch("exits", rep)
	return rep
}

func (e *Executor) blocked() string {
	if e.breaker == nil {
		return ""
	}
	if d := e.breaker.CanExecute(); !d.Allowed {
		return "circuit_open: " + d.Reason
	}
	return ""
}

func (e *Executor) skip(o order, reason string) Outcome {
	observ.IncCounter("orders_skipped_total", map[string]string{"reason": reason})
	observ.Log("order_skipped", map[string]any{"symbol": o.symbol, "side": string(o.side), "qty": o.qty, "reason": reason})
	return Outcome{Symbol: o.symbol, Side: o.side, Qty: o.qty, Status: StatusSkipped, Reason: reason}
}

func (e *Executor) submit(ctx context.Context, o order) Outcome {
	key := outbox.NewIdempotencyKey()
	recType := outbox.TypeDecision
	if o.isExit {
		recType = outbox.TypeExit
	}
	e.record(ctx, outbox.Record{
		Type:           recType,
		Symbol:         o.symbol,
		Side:           string(o.side),
		Qty:            o.qty,
		Price:          o.price,
		StrategyID:     o.strategyID,
		Confidence:     o.confidence,
		IsDiamond:      o.isDiamond,
		ExpectedValue:  o.ev,
		IdempotencyKey: key,
		Reason:         o.reason,
		Metadata:       o.coordination,
		RiskAudit:      o.riskAudit,
	})

	md := make(map[string]string, len(o.coordination)+1)
	for k, v := range o.coordination {
		md[k] = v
	}
	md["idempotency_key"] = key

	start := e.now()
	placed, err := e.broker.SubmitOrder(ctx, adapters.OrderRequest{
		Symbol:        o.symbol,
		Side:          o.side,
		Qty:           o.qty,
		Type:          e.config.OrderType,
		TimeInForce:   e.config.TimeInForce,
		ClientOrderID: key,
		StrategyID:    o.strategyID,
		Metadata:      md,
	})
	observ.RecordDuration("order_submit_duration_seconds", e.now().Sub(start), nil)
	if err != nil {
		return e.failed(ctx, o, key, err)
	}

	price := o.price
	if placed.FilledAvgPrice > 0 {
		price = placed.FilledAvgPrice
	}
	e.record(ctx, outbox.Record{
		Type:           outbox.TypeOrder,
		Symbol:         o.symbol,
		Side:           string(o.side),
		Qty:            o.qty,
		Price:          price,
		StrategyID:     o.strategyID,
		IdempotencyKey: key,
		OrderID:        placed.ID,
		Status:         placed.Status,
		Reason:         o.reason,
	})

	now := e.now()
	switch {
	case o.isExit:
		e.ledger.Remove(o.symbol)
		e.stops.ClearStop(o.symbol)
	case o.entry:
		e.ledger.Record(o.symbol, exits.Entry{StrategyID: o.strategyID, IsDiamond: o.isDiamond, EnteredAt: now, Price: price})
		if o.side == adapters.SideBuy {
			e.stops.RegisterStop(o.symbol, price, o.stopPct, o.isDiamond)
		}
		if e.daily != nil {
			if err := e.daily.RecordTrade(o.qty * price); err != nil {
				observ.Error("daily_stats_save_failed", err, map[string]any{"symbol": o.symbol})
			}
		}
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	if e.events != nil {
		e.events.Publish(events.TradeExecuted{
			Type:          events.TypeTradeExecuted,
			OrderID:       placed.ID,
			ClientOrderID: key,
			Symbol:        o.symbol,
			Side:          string(o.side),
			Qty:           o.qty,
			Price:         price,
			StrategyID:    o.strategyID,
			Confidence:    o.confidence,
			IsDiamond:     o.isDiamond,
			IsExit:        o.isExit,
			Reason:        o.reason,
			Timestamp:     now,
			Coordination:  o.coordination,
		})
	}

	observ.IncCounter("orders_submitted_total", map[string]string{"side": string(o.side), "exit": boolLabel(o.isExit)})
	observ.Log("order_submitted", map[string]any{
		"symbol":          o.symbol,
		"side":            string(o.side),
		"qty":             o.qty,
		"price":           price,
		"strategy":        o.strategyID,
		"order_id":        placed.ID,
		"status":          placed.Status,
		"idempotency_key": key,
		"exit":            o.isExit,
	})
	return Outcome{
		Symbol:         o.symbol,
		Side:           o.side,
		Qty:            o.qty,
		Price:          price,
		OrderID:        placed.ID,
		IdempotencyKey: key,
		Status:         StatusSubmitted,
		Reason:         o.reason,
	}
}

func (e *Executor) failed(ctx context.Context, o order, key string, err error) Outcome {
	status, body := adapters.ErrorContext(err)
	if e.breaker != nil {
		e.breaker.RecordFailure(risk.CategoryOrderFailure, map[string]any{
			"symbol": o.symbol,
			"side":   string(o.side),
			"qty":    o.qty,
			"status": status,
			"body":   body,
		})
	}
	e.record(ctx, outbox.Record{
		Type:           outbox.TypeOrder,
		Symbol:         o.symbol,
		Side:           string(o.side),
		Qty:            o.qty,
		StrategyID:     o.strategyID,
		IdempotencyKey: key,
		Status:         StatusFailed,
		Reason:         err.Error(),
	})
	observ.IncCounter("orders_failed_total", map[string]string{"side": string(o.side), "exit": boolLabel(o.isExit)})
	observ.Error("order_failed", err, map[string]any{
		"symbol":      o.symbol,
		"side":        string(o.side),
		"qty":         o.qty,
		"http_status": status,
		"body":        body,
	})
	return Outcome{
		Symbol:         o.symbol,
		Side:           o.side,
		Qty:            o.qty,
		IdempotencyKey: key,
		Status:         StatusFailed,
		Reason:         err.Error(),
		Err:            err,
	}
}

// record writes to the audit sink on a bounded context; failures are logged only.
func (e *Executor) record(ctx context.Context, rec outbox.Record) {
	timeout := time.Duration(e.config.AuditTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rec.Timestamp = e.now().UTC()
	if err := e.audit.Record(actx, rec); err != nil {
		observ.IncCounter("audit_failures_total", map[string]string{"type": rec.Type})
		observ.Warn("audit_record_failed", map[string]any{"symbol": rec.Symbol, "type": rec.Type, "error": err.Error()})
	}
}

func (e *Executor) logBatch(kind string, rep Report) {
	if len(rep.Outcomes) == 0 {
		return
	}
	observ.Log("execution_batch", map[string]any{
		"kind":      kind,
		"submitted": rep.Submitted,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
	})
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
