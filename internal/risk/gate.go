package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// GateConfig configures the per-trade risk checks.
type GateConfig struct {
	MaxQuoteAgeSec     int               `yaml:"max_quote_age_sec"`
	MaxPriceDriftPct   float64           `yaml:"max_price_drift_pct"`
	MaxOpenPositions   int               `yaml:"max_open_positions"`
	RejectExtremeVol   bool              `yaml:"reject_extreme_vol"`
	HighVolSizeFactor  float64           `yaml:"high_vol_size_factor"`
	MaxStrategyHeatPct float64           `yaml:"max_strategy_heat_pct"`
	MaxBucketPct       float64           `yaml:"max_bucket_pct"`
	VaRZ               float64           `yaml:"var_z"`
	DailyVaRBudgetPct  float64           `yaml:"daily_var_budget_pct"`
	AllowShort         bool              `yaml:"allow_short"`
	Buckets            map[string]string `yaml:"buckets"`
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxQuoteAgeSec:     60,
		MaxPriceDriftPct:   5,
		MaxOpenPositions:   10,
		RejectExtremeVol:   true,
		HighVolSizeFactor:  0.5,
		MaxStrategyHeatPct: 25,
		MaxBucketPct:       30,
		VaRZ:               1.65,
		DailyVaRBudgetPct:  2,
	}
}

// TradeRequest is one winning intent as seen by the gate.
type TradeRequest struct {
	Symbol     string
	Side       adapters.Side
	Qty        float64
	Price      float64
	StrategyID string
	IsDiamond  bool
}

// AuditEntry records one check's effect on the trade.
type AuditEntry struct {
	Check     string  `json:"check"`
	Passed    bool    `json:"passed"`
	QtyBefore float64 `json:"qty_before"`
	QtyAfter  float64 `json:"qty_after"`
	Note      string  `json:"note,omitempty"`
}

// GateResult is ACCEPT with a routed quantity, or REJECT with a reason.
type GateResult struct {
	Accepted bool         `json:"accepted"`
	Qty      float64      `json:"routed_qty"`
	Reason   string       `json:"reason,omitempty"`
	Audit    []AuditEntry `json:"risk_audit"`
}

// RiskContext is the account and market state for one cycle. Accepted
// trades commit their notional here so later trades see less headroom.
type RiskContext struct {
	Account          adapters.Account
	Positions        map[string]adapters.Position
	Health           adapters.HealthStatus
	Regime           Regime
	StrategyExposure map[string]float64 // open notional per strategy
	MaxTotalCapital  float64
	MaxPerTrade      float64
	MinCashBuffer    float64
	Now              time.Time

	committed           float64
	committedByStrategy map[string]float64
	committedByBucket   map[string]float64
	committedVaR        float64
	accepted            int
}

// Committed returns notional accepted so far this cycle.
func (rc *RiskContext) Committed() float64 { return rc.committed }

func (rc *RiskContext) positionNotionals() map[string]float64 {
	out := make(map[string]float64, len(rc.Positions))
	for sym, p := range rc.Positions {
		out[sym] = p.MarketValue
	}
	return out
}

// review is the mutable state of one trade passing through the checks.
type review struct {
	req   TradeRequest
	qty   float64
	price float64
	quote *adapters.Quote
}

func (r *review) notional() float64 { return r.qty * r.price }

// shrinkTo lowers qty so notional fits maxNotional.
func (r *review) shrinkTo(maxNotional float64) {
	if r.notional() <= maxNotional {
		return
	}
	if maxNotional <= 0 {
		r.qty = 0
		return
	}
	r.qty = math.Floor(maxNotional/r.price + 1e-9)
}

// RiskCheck is one gate in the chain. A false result rejects the trade;
// a check may also shrink the reviewed quantity.
type RiskCheck interface {
	Name() string
	Priority() int // Lower number = evaluated first
	Evaluate(rc *RiskContext, r *review) (bool, string)
}

type checkFunc struct {
	name     string
	priority int
	fn       func(rc *RiskContext, r *review) (bool, string)
}

func (c checkFunc) Name() string  { return c.name }
func (c checkFunc) Priority() int { return c.priority }

func (c checkFunc) Evaluate(rc *RiskContext, r *review) (bool, string) { return c.fn(rc, r) }

// Gate validates trades against account state and risk budgets.
type Gate struct {
	config  GateConfig
	vol     *VolatilityCalculator
	buckets *CorrelationBuckets
	checks  []RiskCheck
}

func NewGate(config GateConfig, vol *VolatilityCalculator) *Gate {
	if vol == nil {
		vol = NewVolatilityCalculator(VolatilityConfig{})
	}
	g := &Gate{config: config, vol: vol, buckets: NewCorrelationBuckets(config.Buckets)}
	g.checks = g.defaultChecks()
	sort.SliceStable(g.checks, func(i, j int) bool { return g.checks[i].Priority() < g.checks[j].Priority() })
	return g
}

// Validate runs every check in order. The routed quantity never exceeds
// the requested quantity.
func (g *Gate) Validate(rc *RiskContext, req TradeRequest, quote *adapters.Quote) GateResult {
	r := &review{req: req, qty: math.Floor(req.Qty), price: req.Price, quote: quote}
	res := GateResult{}

	if r.qty <= 0 || r.price <= 0 {
		return g.reject(req, res, "invalid_size", "non-positive qty or price")
	}

	for _, check := range g.checks {
		before := r.qty
		ok, note := check.Evaluate(rc, r)
		if ok && r.qty <= 0 {
			ok = false
			if note == "" {
				note = "no headroom"
			}
		}
		res.Audit = append(res.Audit, AuditEntry{
			Check:     check.Name(),
			Passed:    ok,
			QtyBefore: before,
			QtyAfter:  r.qty,
			Note:      note,
		})
		if !ok {
			return g.reject(req, res, check.Name(), note)
		}
	}

	g.commit(rc, r)
	res.Accepted = true
	res.Qty = r.qty
	observ.IncCounter("risk_gate_decisions_total", map[string]string{"result": "accept"})
	if r.qty < req.Qty {
		observ.IncCounter("risk_gate_shrinks_total", nil)
	}
	return res
}

func (g *Gate) reject(req TradeRequest, res GateResult, check, note string) GateResult {
	res.Accepted = false
	res.Qty = 0
	res.Reason = check
	if note != "" {
		res.Reason = check + ": " + note
	}
	observ.IncCounter("risk_gate_decisions_total", map[string]string{"result": "reject", "check": check})
	observ.Log("risk_gate_reject", map[string]any{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"strategy": req.StrategyID,
		"qty":      req.Qty,
		"reason":   res.Reason,
	})
	return res
}

func (g *Gate) commit(rc *RiskContext, r *review) {
	n := r.notional()
	if rc.committedByStrategy == nil {
		rc.committedByStrategy = map[string]float64{}
	}
	if rc.committedByBucket == nil {
		rc.committedByBucket = map[string]float64{}
	}
	rc.committed += n
	rc.committedByStrategy[r.req.StrategyID] += n
	rc.committedByBucket[g.buckets.Bucket(r.req.Symbol)] += n
	rc.committedVaR += g.config.VaRZ * g.vol.Sigma(rc.Regime) * n
	rc.accepted++
}

func (g *Gate) defaultChecks() []RiskCheck {
	return []RiskCheck{
		checkFunc{"broker_health", 10, func(rc *RiskContext, r *review) (bool, string) {
			if !rc.Health.Healthy() {
				return false, rc.Health.Reason
			}
			return true, rc.Health.Status
		}},
		checkFunc{"side_policy", 20, func(rc *RiskContext, r *review) (bool, string) {
			if r.req.Side != adapters.SideSell {
				return true, ""
			}
			if pos, ok := rc.Positions[r.req.Symbol]; ok && pos.Qty > 0 {
				if r.qty > pos.Qty {
					r.qty = pos.Qty
				}
				return true, "reduce"
			}
			if !g.config.AllowShort {
				return false, "short selling disabled"
			}
			return true, "short"
		}},
		checkFunc{"quote_freshness", 30, func(rc *RiskContext, r *review) (bool, string) {
			if r.quote == nil {
				return false, "no quote"
			}
			age := r.quote.Age(rc.Now)
			if age > time.Duration(g.config.MaxQuoteAgeSec)*time.Second {
				return false, fmt.Sprintf("quote %s old", age.Round(time.Second))
			}
			return true, ""
		}},
		checkFunc{"price_drift", 40, func(rc *RiskContext, r *review) (bool, string) {
			last := r.quote.Last
			drift := math.Abs(last-r.req.Price) / r.req.Price * 100
			if drift > g.config.MaxPriceDriftPct {
				return false, fmt.Sprintf("price drifted %.2f%%", drift)
			}
			r.price = last
			return true, ""
		}},
		checkFunc{"max_open_positions", 50, func(rc *RiskContext, r *review) (bool, string) {
			open := len(rc.Positions) + rc.accepted
			if g.config.MaxOpenPositions > 0 && open >= g.config.MaxOpenPositions {
				return false, fmt.Sprintf("%d positions open", open)
			}
			return true, ""
		}},
		checkFunc{"volatility_regime", 60, func(rc *RiskContext, r *review) (bool, string) {
			switch rc.Regime {
			case RegimeExtreme:
				if g.config.RejectExtremeVol {
					return false, "extreme volatility"
				}
			case RegimeHigh:
				if g.config.HighVolSizeFactor > 0 && g.config.HighVolSizeFactor < 1 {
					r.qty = math.Floor(r.qty * g.config.HighVolSizeFactor)
				}
			}
			return true, string(rc.Regime)
		}},
		checkFunc{"per_trade_cap", 70, func(rc *RiskContext, r *review) (bool, string) {
			if rc.MaxPerTrade > 0 {
				r.shrinkTo(rc.MaxPerTrade)
			}
			return true, ""
		}},
		checkFunc{"cash_buffer", 80, func(rc *RiskContext, r *review) (bool, string) {
			avail := rc.Account.Cash - rc.MinCashBuffer - rc.committed
			r.shrinkTo(avail)
			return true, fmt.Sprintf("available %.2f", avail)
		}},
		checkFunc{"total_capital", 90, func(rc *RiskContext, r *review) (bool, string) {
			if rc.MaxTotalCapital <= 0 {
				return true, ""
			}
			avail := rc.MaxTotalCapital - rc.Account.MarketValue - rc.committed
			r.shrinkTo(avail)
			return true, fmt.Sprintf("available %.2f", avail)
		}},
		checkFunc{"strategy_heat", 100, func(rc *RiskContext, r *review) (bool, string) {
			if g.config.MaxStrategyHeatPct <= 0 || rc.Account.Equity <= 0 {
				return true, ""
			}
			limit := rc.Account.Equity * g.config.MaxStrategyHeatPct / 100
			used := rc.StrategyExposure[r.req.StrategyID] + rc.committedByStrategy[r.req.StrategyID]
			r.shrinkTo(limit - used)
			return true, fmt.Sprintf("heat %.2f of %.2f", used, limit)
		}},
		checkFunc{"correlation_bucket", 110, func(rc *RiskContext, r *review) (bool, string) {
			if g.config.MaxBucketPct <= 0 || rc.Account.Equity <= 0 {
				return true, ""
			}
			headroom := g.buckets.Headroom(r.req.Symbol, rc.Account.Equity, g.config.MaxBucketPct, rc.positionNotionals(), rc.committedByBucket)
			r.shrinkTo(headroom)
			return true, g.buckets.Bucket(r.req.Symbol)
		}},
		checkFunc{"daily_var", 120, func(rc *RiskContext, r *review) (bool, string) {
			if g.config.DailyVaRBudgetPct <= 0 || rc.Account.Equity <= 0 {
				return true, ""
			}
			perDollar := g.config.VaRZ * g.vol.Sigma(rc.Regime)
			existing := perDollar * rc.Account.MarketValue
			remaining := rc.Account.Equity*g.config.DailyVaRBudgetPct/100 - existing - rc.committedVaR
			if perDollar > 0 {
				r.shrinkTo(remaining / perDollar)
			}
			return true, fmt.Sprintf("var budget remaining %.2f", remaining)
		}},
	}
}
