package risk

import (
	"github.com/shopspring/decimal"
)

// CostConfig is the per-trade cost model used by the EV calculator.
type CostConfig struct {
	CommissionPerShare float64 `yaml:"commission_per_share"`
	SlippageBps        float64 `yaml:"slippage_bps"`
}

func DefaultCostConfig() CostConfig {
	return CostConfig{CommissionPerShare: 0, SlippageBps: 5}
}

// EVInput describes one candidate trade.
type EVInput struct {
	Price           float64
	SpreadBps       float64
	Qty             float64
	Confidence      float64 // probability the expected move is realized
	ExpectedMovePct float64
	StopPct         float64
	Costs           CostConfig
}

// EVResult is gross and after-cost expected value in dollars.
type EVResult struct {
	Notional  float64 `json:"notional"`
	Gross     float64 `json:"gross"`
	Costs     float64 `json:"costs"`
	AfterCost float64 `json:"after_cost"`
}

// ExpectedValue models a binary outcome: the expected move with probability
// p, the stop otherwise. Costs are one spread crossing, slippage on entry and
// exit, and commission on both legs. Results are rounded to cents.
func ExpectedValue(in EVInput) EVResult {
	if in.Price <= 0 || in.Qty <= 0 {
		return EVResult{}
	}
	p := clamp(in.Confidence, 0, 1)
	notional := in.Price * in.Qty

	gross := p*notional*in.ExpectedMovePct/100 - (1-p)*notional*in.StopPct/100
	costs := notional*in.SpreadBps/1e4 +
		2*notional*in.Costs.SlippageBps/1e4 +
		2*in.Costs.CommissionPerShare*in.Qty

	return EVResult{
		Notional:  cents(notional),
		Gross:     cents(gross),
		Costs:     cents(costs),
		AfterCost: cents(gross - costs),
	}
}

func cents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
