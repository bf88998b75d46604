package risk

import (
	"math"
)

// SizingConfig holds the risk-budget sizing parameters (percent of equity).
type SizingConfig struct {
	RiskPerTradePct        float64     `yaml:"risk_per_trade_pct"`
	DiamondRiskPerTradePct float64     `yaml:"diamond_risk_per_trade_pct"`
	MaxPositionPct         float64     `yaml:"max_position_pct"`
	DiamondMaxPositionPct  float64     `yaml:"diamond_max_position_pct"`
	MinMultiplier          float64     `yaml:"min_multiplier"`
	MaxMultiplier          float64     `yaml:"max_multiplier"`
	Kelly                  KellyConfig `yaml:"kelly"`
}

type KellyConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Fraction float64 `yaml:"fraction"`
}

func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		RiskPerTradePct:        1,
		DiamondRiskPerTradePct: 2,
		MaxPositionPct:         5,
		DiamondMaxPositionPct:  10,
		MinMultiplier:          0.5,
		MaxMultiplier:          1.5,
		Kelly:                  KellyConfig{Enabled: false, Fraction: 0.25},
	}
}

// SizeInput is everything needed to size one signal.
type SizeInput struct {
	Equity          float64
	Price           float64
	IsDiamond       bool
	PortfolioPnLPct float64
	StrategyCapital float64 // allocated capital for the strategy, 0 = uncapped
	RiskCapPct      float64 // optional ceiling on risk per trade (constrained mode), 0 = none
	Confidence      float64
	ExpectedMovePct float64
	StopPct         float64
}

// SizeResult is the sized position.
type SizeResult struct {
	PositionValue float64 `json:"position_value"`
	MaxValue      float64 `json:"max_value"`
	Multiplier    float64 `json:"multiplier"`
	Qty           float64 `json:"qty"`
	Method        string  `json:"method"`
}

// PerformanceMultiplier scales risk with recent realized P&L, clamped to
// [MinMultiplier, MaxMultiplier].
func (c SizingConfig) PerformanceMultiplier(pnlPct float64) float64 {
	return clamp(1+pnlPct/10, c.MinMultiplier, c.MaxMultiplier)
}

// BaseSize computes equity x riskPerTrade x multiplier, capped by the max
// position value and the strategy allocation, in whole shares.
func (c SizingConfig) BaseSize(in SizeInput) SizeResult {
	if in.Equity <= 0 || in.Price <= 0 {
		return SizeResult{Method: "base"}
	}
	riskPct := c.RiskPerTradePct
	maxPct := c.MaxPositionPct
	if in.IsDiamond {
		riskPct = c.DiamondRiskPerTradePct
		maxPct = c.DiamondMaxPositionPct
	}
	if in.RiskCapPct > 0 && riskPct > in.RiskCapPct {
		riskPct = in.RiskCapPct
	}

	mult := c.PerformanceMultiplier(in.PortfolioPnLPct)
	value := in.Equity * riskPct / 100 * mult
	maxValue := in.Equity * maxPct / 100
	if value > maxValue {
		value = maxValue
	}
	if in.StrategyCapital > 0 && value > in.StrategyCapital {
		value = in.StrategyCapital
	}
	return SizeResult{
		PositionValue: value,
		MaxValue:      maxValue,
		Multiplier:    mult,
		Qty:           math.Floor(value/in.Price + 1e-9),
		Method:        "base",
	}
}

// OptimalSizer may override the base size. A non-positive Qty rejects the
// signal.
type OptimalSizer interface {
	Size(in SizeInput, base SizeResult) SizeResult
}

// NoopSizer keeps the base size.
type NoopSizer struct{}

func (NoopSizer) Size(_ SizeInput, base SizeResult) SizeResult { return base }

// KellySizer sizes with fractional Kelly: f = p - (1-p)/b where b is the
// reward/risk ratio of the expected move to the stop.
type KellySizer struct {
	Fraction float64
}

func (k KellySizer) Size(in SizeInput, base SizeResult) SizeResult {
	if in.StopPct <= 0 || in.ExpectedMovePct <= 0 || in.Price <= 0 {
		return SizeResult{Method: "kelly"}
	}
	p := clamp(in.Confidence, 0, 1)
	b := in.ExpectedMovePct / in.StopPct
	f := p - (1-p)/b
	if f <= 0 {
		return SizeResult{Method: "kelly", Multiplier: base.Multiplier, MaxValue: base.MaxValue}
	}
	value := in.Equity * f * k.Fraction
	if base.MaxValue > 0 && value > base.MaxValue {
		value = base.MaxValue
	}
	if in.StrategyCapital > 0 && value > in.StrategyCapital {
		value = in.StrategyCapital
	}
	return SizeResult{
		PositionValue: value,
		MaxValue:      base.MaxValue,
		Multiplier:    base.Multiplier,
		Qty:           math.Floor(value/in.Price + 1e-9),
		Method:        "kelly",
	}
}

// NewOptimalSizer returns the configured sizer.
func NewOptimalSizer(c SizingConfig) OptimalSizer {
	if c.Kelly.Enabled {
		f := c.Kelly.Fraction
		if f <= 0 {
			f = 0.25
		}
		return KellySizer{Fraction: f}
	}
	return NoopSizer{}
}
