package decision

import (
	"math"
	"sort"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// Coordinator picks one winner per symbol and stops the cycle from
// committing the same capital twice.
type Coordinator struct{}

func NewCoordinator() *Coordinator { return &Coordinator{} }

// Coordinate ranks signals (diamonds first, then confidence, after-cost EV
// and strategy id) and keeps winners while their cumulative notional fits
// deployable. Signals that reduce an existing position never consume
// capital.
func (c *Coordinator) Coordinate(signals []Signal, deployable float64) ([]Intent, []Reason) {
	bySymbol := make(map[string]Signal, len(signals))
	for _, s := range signals {
		cur, ok := bySymbol[s.Symbol]
		if !ok {
			bySymbol[s.Symbol] = s
			continue
		}
		// duplicates fold into alternatives
		if better(s, cur) {
			s.Alternatives = append(s.Alternatives, asAlternative(cur))
			s.Alternatives = append(s.Alternatives, cur.Alternatives...)
			bySymbol[s.Symbol] = s
		} else {
			cur.Alternatives = append(cur.Alternatives, asAlternative(s))
			bySymbol[s.Symbol] = cur
		}
	}

	ranked := make([]Signal, 0, len(bySymbol))
	for _, s := range bySymbol {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool { return rankBefore(ranked[i], ranked[j]) })

	var (
		intents   []Intent
		reasons   []Reason
		committed float64
	)
	for _, s := range ranked {
		reason := explain(s)
		if s.ConsumesCapital() {
			if committed+s.Notional() > deployable {
				reason.Dropped = "capital_exhausted"
				reasons = append(reasons, reason)
				observ.IncCounter("coordinator_drops_total", map[string]string{"reason": "capital_exhausted"})
				observ.Log("coordinator_drop", map[string]any{
					"symbol":     s.Symbol,
					"strategy":   s.StrategyID,
					"notional":   s.Notional(),
					"committed":  committed,
					"deployable": deployable,
				})
				continue
			}
			committed += s.Notional()
		}
		reasons = append(reasons, reason)
		intents = append(intents, Intent{
			Signal:       s,
			Rank:         len(intents) + 1,
			Coordination: reason.Metadata(),
		})
		if reason.Conflict {
			observ.IncCounter("coordinator_conflicts_total", nil)
		}
	}

	observ.Log("coordination_complete", map[string]any{
		"signals":    len(signals),
		"winners":    len(intents),
		"committed":  committed,
		"deployable": deployable,
	})
	return intents, reasons
}

func rankBefore(a, b Signal) bool {
	if a.IsDiamond != b.IsDiamond {
		return a.IsDiamond
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.EV.AfterCost != b.EV.AfterCost {
		return a.EV.AfterCost > b.EV.AfterCost
	}
	if a.StrategyID != b.StrategyID {
		return a.StrategyID < b.StrategyID
	}
	return a.Symbol < b.Symbol
}

func asAlternative(s Signal) Alternative {
	return Alternative{StrategyID: s.StrategyID, Side: s.Side, Confidence: s.Confidence, AfterCost: s.EV.AfterCost}
}

// explain builds the audit reason for a winner against its alternatives.
func explain(s Signal) Reason {
	r := Reason{
		Symbol:       s.Symbol,
		Winner:       s.StrategyID,
		Alternatives: s.Alternatives,
		WonBy:        "only_candidate",
	}
	if len(s.Alternatives) == 0 {
		return r
	}

	runner := s.Alternatives[0]
	for _, alt := range s.Alternatives[1:] {
		if alt.Confidence > runner.Confidence ||
			(alt.Confidence == runner.Confidence && alt.AfterCost > runner.AfterCost) {
			runner = alt
		}
	}
	for _, alt := range s.Alternatives {
		if alt.Side != s.Side {
			r.Conflict = true
		}
	}
	r.RunnerUp = runner.StrategyID
	r.ConfidenceMargin = math.Round((s.Confidence-runner.Confidence)*1e4) / 1e4

	switch {
	case s.Confidence != runner.Confidence:
		r.WonBy = "confidence"
	case s.EV.AfterCost != runner.AfterCost:
		r.WonBy = "expected_value"
	default:
		r.WonBy = "strategy_id"
	}
	return r
}
