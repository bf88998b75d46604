package decision

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// SignalConfig holds the signal generation policy.
type SignalConfig struct {
	DiamondConfidenceBoost float64 `yaml:"diamond_confidence_boost"`
	DiamondConfidenceCap   float64 `yaml:"diamond_confidence_cap"`
	DiamondSentimentNudge  float64 `yaml:"diamond_sentiment_nudge"`
	PerformanceBoost       float64 `yaml:"performance_boost"`
	PerformanceWinRate     float64 `yaml:"performance_win_rate"` // trailing win rate above which the boost applies
	ExpectedMovePct        float64 `yaml:"expected_move_pct"`
	DiamondExpectedMovePct float64 `yaml:"diamond_expected_move_pct"`
	StopPct                float64 `yaml:"stop_pct"`
	DiamondStopPct         float64 `yaml:"diamond_stop_pct"`
	EVFloor                float64 `yaml:"ev_floor"`
	DiamondBypassEV        bool    `yaml:"diamond_bypass_ev"`
	MaxSignalsPerCycle     int     `yaml:"max_signals_per_cycle"`
	ScoreTimeoutSec        int     `yaml:"score_timeout_sec"`
}

func DefaultSignalConfig() SignalConfig {
	return SignalConfig{
		DiamondConfidenceBoost: 0.2,
		DiamondConfidenceCap:   0.9,
		DiamondSentimentNudge:  0.3,
		PerformanceBoost:       0.05,
		PerformanceWinRate:     0.6,
		ExpectedMovePct:        10,
		DiamondExpectedMovePct: 15,
		StopPct:                10,
		DiamondStopPct:         5,
		EVFloor:                -20,
		DiamondBypassEV:        true,
		MaxSignalsPerCycle:     10,
		ScoreTimeoutSec:        5,
	}
}

// SizingContext is the account state signals are sized against.
type SizingContext struct {
	Equity          float64
	PortfolioPnLPct float64
	RiskCapPct      float64 // constrained-mode ceiling on per-trade risk, 0 = none
}

// Generator asks the scorer about each (candidate, strategy) pair and keeps
// the best sized, EV-positive-enough signal per symbol.
type Generator struct {
	config   SignalConfig
	sizing   risk.SizingConfig
	sizer    risk.OptimalSizer
	costs    risk.CostConfig
	scorer   adapters.Scorer
	cooldown *risk.CooldownTracker
}

func NewGenerator(config SignalConfig, sizing risk.SizingConfig, costs risk.CostConfig, scorer adapters.Scorer, cooldown *risk.CooldownTracker) *Generator {
	return &Generator{
		config:   config,
		sizing:   sizing,
		sizer:    risk.NewOptimalSizer(sizing),
		costs:    costs,
		scorer:   scorer,
		cooldown: cooldown,
	}
}

// WithSizer overrides the optimal sizer.
func (g *Generator) WithSizer(s risk.OptimalSizer) *Generator {
	if s != nil {
		g.sizer = s
	}
	return g
}

// MaxSignals is the per-cycle signal budget, 0 = unlimited.
func (g *Generator) MaxSignals() int { return g.config.MaxSignalsPerCycle }

// Generate returns at most one signal per symbol, in candidate order. It
// stops early once limit symbols have signals (limit <= 0 means no limit)
// or ctx is done.
func (g *Generator) Generate(ctx context.Context, cands []Candidate, plan portfolio.Plan, held map[string]bool, sc SizingContext, limit int) []Signal {
	strategies := plan.Active()
	if len(strategies) == 0 || len(cands) == 0 {
		return nil
	}

	var out []Signal
	for _, cand := range cands {
		if ctx.Err() != nil {
			break
		}
		if limit > 0 && len(out) >= limit {
			observ.Debug("signal_generation_capped", map[string]any{"signals": len(out)})
			break
		}

		var proposals []Signal
		failed := false
		for _, alloc := range strategies {
			sig, ok, err := g.evaluate(ctx, cand, alloc, held[cand.Symbol], sc)
			if err != nil {
				failed = true
				continue
			}
			if ok {
				proposals = append(proposals, sig)
			}
		}

		if len(proposals) == 0 {
			if g.cooldown != nil {
				g.cooldown.RecordFailure(cand.Symbol)
			}
			observ.IncCounter("signal_outcomes_total", map[string]string{"outcome": outcome(failed)})
			continue
		}
		if g.cooldown != nil {
			g.cooldown.RecordSuccess(cand.Symbol)
		}
		best := pickBest(proposals)
		observ.IncCounter("signal_outcomes_total", map[string]string{"outcome": "signal"})
		out = append(out, best)
	}
	return out
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "no_signal"
}

// evaluate scores, sizes and EV-checks one pair. ok=false with a nil error
// means the pair produced no signal.
func (g *Generator) evaluate(ctx context.Context, cand Candidate, alloc portfolio.Allocation, hasPosition bool, sc SizingContext) (Signal, bool, error) {
	req := adapters.ScoreRequest{
		Symbol:      cand.Symbol,
		StrategyID:  alloc.StrategyID,
		HasPosition: hasPosition,
		Source:      cand.Source,
		Confidence:  cand.Confidence,
		Price:       cand.Price,
		Bid:         cand.Bid,
		Ask:         cand.Ask,
		Volume:      cand.Volume,
		SpreadBps:   cand.SpreadBps,
		ChangePct:   cand.ChangePct,
		IsDiamond:   cand.IsDiamond,
		Metadata:    cand.Metadata,
	}
	req.SentimentNudge = cand.Sentiment
	if cand.IsDiamond {
		req.Confidence = math.Min(cand.Confidence+g.config.DiamondConfidenceBoost, g.config.DiamondConfidenceCap)
		req.SentimentNudge += g.config.DiamondSentimentNudge
	}
	if alloc.WinRate24h > g.config.PerformanceWinRate {
		req.PerformanceBoost = g.config.PerformanceBoost
	}

	sctx := ctx
	if g.config.ScoreTimeoutSec > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, time.Duration(g.config.ScoreTimeoutSec)*time.Second)
		defer cancel()
	}
	dec, err := g.scorer.Score(sctx, req)
	if err != nil {
		if errors.Is(err, adapters.ErrNoDecision) {
			return Signal{}, false, nil
		}
		observ.Warn("score_failed", map[string]any{"symbol": cand.Symbol, "strategy": alloc.StrategyID, "error": err.Error()})
		return Signal{}, false, err
	}
	if dec == nil || (dec.Side != adapters.SideBuy && dec.Side != adapters.SideSell) {
		return Signal{}, false, nil
	}

	confidence := dec.Confidence
	if confidence <= 0 {
		confidence = req.Confidence + req.PerformanceBoost
	}
	confidence = math.Max(0, math.Min(1, confidence))

	movePct, stopPct := g.config.ExpectedMovePct, g.config.StopPct
	if cand.IsDiamond {
		movePct, stopPct = g.config.DiamondExpectedMovePct, g.config.DiamondStopPct
	}

	in := risk.SizeInput{
		Equity:          sc.Equity,
		Price:           cand.Price,
		IsDiamond:       cand.IsDiamond,
		PortfolioPnLPct: sc.PortfolioPnLPct,
		StrategyCapital: alloc.Capital,
		RiskCapPct:      sc.RiskCapPct,
		Confidence:      confidence,
		ExpectedMovePct: movePct,
		StopPct:         stopPct,
	}
	size := g.sizer.Size(in, g.sizing.BaseSize(in))
	if size.Qty <= 0 {
		observ.Debug("signal_rejected", map[string]any{"symbol": cand.Symbol, "strategy": alloc.StrategyID, "reason": "zero_size", "method": size.Method})
		observ.IncCounter("signal_rejections_total", map[string]string{"reason": "zero_size"})
		return Signal{}, false, nil
	}

	ev := risk.ExpectedValue(risk.EVInput{
		Price:           cand.Price,
		SpreadBps:       cand.SpreadBps,
		Qty:             size.Qty,
		Confidence:      confidence,
		ExpectedMovePct: movePct,
		StopPct:         stopPct,
		Costs:           g.costs,
	})
	bypass := cand.IsDiamond && g.config.DiamondBypassEV
	if !bypass && ev.AfterCost <= g.config.EVFloor {
		observ.Debug("signal_rejected", map[string]any{"symbol": cand.Symbol, "strategy": alloc.StrategyID, "reason": "ev_floor", "ev": ev.AfterCost})
		observ.IncCounter("signal_rejections_total", map[string]string{"reason": "ev_floor"})
		return Signal{}, false, nil
	}

	return Signal{
		Symbol:          cand.Symbol,
		Side:            dec.Side,
		Qty:             size.Qty,
		Price:           cand.Price,
		StrategyID:      alloc.StrategyID,
		Confidence:      confidence,
		IsDiamond:       cand.IsDiamond,
		HasPosition:     hasPosition,
		ExpectedMovePct: movePct,
		StopPct:         stopPct,
		EV:              ev,
		Size:            size,
		Source:          cand.Source,
		Tier:            cand.Tier,
		Metadata:        cand.Metadata,
	}, true, nil
}

// pickBest keeps the highest-confidence proposal and records the rest as
// alternatives.
func pickBest(proposals []Signal) Signal {
	best := 0
	for i := 1; i < len(proposals); i++ {
		if better(proposals[i], proposals[best]) {
			best = i
		}
	}
	winner := proposals[best]
	for i, p := range proposals {
		if i == best {
			continue
		}
		winner.Alternatives = append(winner.Alternatives, Alternative{
			StrategyID: p.StrategyID,
			Side:       p.Side,
			Confidence: p.Confidence,
			AfterCost:  p.EV.AfterCost,
		})
	}
	return winner
}

func better(a, b Signal) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.EV.AfterCost != b.EV.AfterCost {
		return a.EV.AfterCost > b.EV.AfterCost
	}
	return a.StrategyID < b.StrategyID
}
