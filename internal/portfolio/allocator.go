package portfolio

import (
	"math"
	"sort"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// AllocatorConfig controls how deployable capital is split across strategies.
type AllocatorConfig struct {
	StrategyIDs      []string `yaml:"strategy_ids"` // fallback set when performance is unavailable
	MinTrades        int      `yaml:"min_trades"`   // below this, a strategy scores PriorScore
	PriorScore       float64  `yaml:"prior_score"`
	MaxWeight        float64  `yaml:"max_weight"`
	HighVolFactor    float64  `yaml:"high_vol_factor"`
	ExtremeVolFactor float64  `yaml:"extreme_vol_factor"`
}

func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		StrategyIDs:      []string{"momentum", "mean_reversion", "news_catalyst"},
		MinTrades:        5,
		PriorScore:       0.5,
		MaxWeight:        0.5,
		HighVolFactor:    0.7,
		ExtremeVolFactor: 0.4,
	}
}

// Allocation is one strategy's share of the cycle's capital.
type Allocation struct {
	StrategyID string  `json:"strategy_id"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Capital    float64 `json:"capital"`
	WinRate24h float64 `json:"win_rate_24h"`
}

// Plan is the allocator output for one cycle.
type Plan struct {
	Deployable  float64      `json:"deployable"`
	Regime      risk.Regime  `json:"regime"`
	Allocations []Allocation `json:"allocations"` // weight desc, then strategy id
	Fallback    bool         `json:"fallback,omitempty"`
}

// Capital returns the capital allocated to id, 0 when absent.
func (p Plan) Capital(id string) float64 {
	for _, a := range p.Allocations {
		if a.StrategyID == id {
			return a.Capital
		}
	}
	return 0
}

// WinRate returns the trailing win rate recorded for id.
func (p Plan) WinRate(id string) float64 {
	for _, a := range p.Allocations {
		if a.StrategyID == id {
			return a.WinRate24h
		}
	}
	return 0
}

// Active returns allocations with positive capital.
func (p Plan) Active() []Allocation {
	out := make([]Allocation, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		if a.Capital > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Allocator turns strategy performance into per-strategy capital.
type Allocator struct {
	config AllocatorConfig
}

func NewAllocator(config AllocatorConfig) *Allocator {
	def := DefaultAllocatorConfig()
	if config.MaxWeight <= 0 || config.MaxWeight > 1 {
		config.MaxWeight = def.MaxWeight
	}
	if config.PriorScore <= 0 {
		config.PriorScore = def.PriorScore
	}
	if config.HighVolFactor <= 0 {
		config.HighVolFactor = def.HighVolFactor
	}
	if config.ExtremeVolFactor <= 0 {
		config.ExtremeVolFactor = def.ExtremeVolFactor
	}
	return &Allocator{config: config}
}

// Deployable is the capital the cycle may still commit: the smaller of the
// total-capital headroom and cash above the buffer, scaled by regime.
func (a *Allocator) Deployable(acct adapters.Account, limits CapitalLimits, regime risk.Regime) float64 {
	headroom := acct.Cash - limits.MinCashBuffer
	if limits.MaxTotalCapital > 0 {
		headroom = math.Min(headroom, limits.MaxTotalCapital-acct.MarketValue)
	}
	if headroom <= 0 {
		return 0
	}
	return headroom * a.regimeFactor(regime)
}

func (a *Allocator) regimeFactor(r risk.Regime) float64 {
	switch r {
	case risk.RegimeHigh:
		return a.config.HighVolFactor
	case risk.RegimeExtreme:
		return a.config.ExtremeVolFactor
	}
	return 1
}

// Allocate computes the plan. A nil or empty perf falls back to equal
// weights over the configured strategy ids.
func (a *Allocator) Allocate(perf []adapters.StrategyPerformance, acct adapters.Account, limits CapitalLimits, regime risk.Regime) Plan {
	plan := Plan{Deployable: a.Deployable(acct, limits, regime), Regime: regime}

	if len(perf) == 0 {
		plan.Fallback = true
		for _, id := range a.config.StrategyIDs {
			perf = append(perf, adapters.StrategyPerformance{StrategyID: id, Enabled: true})
		}
	}

	scores := make(map[string]float64, len(perf))
	winRates := make(map[string]float64, len(perf))
	for _, p := range perf {
		if p.StrategyID == "" {
			continue
		}
		winRates[p.StrategyID] = p.WinRate24h
		scores[p.StrategyID] = a.score(p, plan.Fallback)
	}

	weights := capWeights(normalize(scores), a.config.MaxWeight)
	for id, w := range weights {
		plan.Allocations = append(plan.Allocations, Allocation{
			StrategyID: id,
			Score:      scores[id],
			Weight:     w,
			Capital:    w * plan.Deployable,
			WinRate24h: winRates[id],
		})
	}
	sort.Slice(plan.Allocations, func(i, j int) bool {
		ai, aj := plan.Allocations[i], plan.Allocations[j]
		if ai.Weight != aj.Weight {
			return ai.Weight > aj.Weight
		}
		return ai.StrategyID < aj.StrategyID
	})

	for _, al := range plan.Allocations {
		observ.SetGauge("strategy_allocation_usd", al.Capital, map[string]string{"strategy": al.StrategyID})
	}
	observ.SetGauge("deployable_capital_usd", plan.Deployable, nil)
	observ.Debug("allocation_computed", map[string]any{
		"deployable":  plan.Deployable,
		"regime":      string(regime),
		"strategies":  len(plan.Allocations),
		"fallback":    plan.Fallback,
		"allocations": plan.Allocations,
	})
	return plan
}

func (a *Allocator) score(p adapters.StrategyPerformance, fallback bool) float64 {
	if !p.Enabled {
		return 0
	}
	if fallback || p.Trades24h < a.config.MinTrades {
		return a.config.PriorScore
	}
	return 0.5*clamp01(p.WinRate24h) + 0.5*clamp01(p.Fitness)
}

func normalize(scores map[string]float64) map[string]float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		if total > 0 {
			out[id] = s / total
		} else {
			out[id] = 0
		}
	}
	return out
}

// capWeights clips weights at limit and hands the excess to the uncapped
// strategies pro rata until none exceeds it. When fewer than 1/limit
// strategies have weight, the cap is raised to an equal split.
func capWeights(w map[string]float64, limit float64) map[string]float64 {
	positive := 0
	for _, v := range w {
		if v > 0 {
			positive++
		}
	}
	if positive == 0 {
		return w
	}
	if float64(positive)*limit < 1 {
		limit = 1 / float64(positive)
	}

	capped := map[string]bool{}
	for iter := 0; iter < len(w); iter++ {
		excess, freeTotal := 0.0, 0.0
		for id, v := range w {
			if v > limit+1e-12 {
				excess += v - limit
				w[id] = limit
				capped[id] = true
			}
		}
		if excess <= 1e-12 {
			break
		}
		for id, v := range w {
			if !capped[id] && v > 0 {
				freeTotal += v
			}
		}
		if freeTotal <= 0 {
			break
		}
		for id, v := range w {
			if !capped[id] && v > 0 {
				w[id] = v + excess*v/freeTotal
			}
		}
	}
	return w
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
