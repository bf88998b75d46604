package risk

import (
	"math"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// Regime is the prevailing market volatility bucket.
type Regime string

const (
	RegimeLow     Regime = "low"
	RegimeNormal  Regime = "normal"
	RegimeHigh    Regime = "high"
	RegimeExtreme Regime = "extreme"
)

// VolatilityConfig configures regime classification from the benchmark move.
type VolatilityConfig struct {
	Benchmark      string  `yaml:"benchmark"`        // symbol whose |change%| drives the regime
	LowBelowPct    float64 `yaml:"low_below_pct"`    // |chg| below this = low
	NormalBelowPct float64 `yaml:"normal_below_pct"` // below this = normal
	HighBelowPct   float64 `yaml:"high_below_pct"`   // below this = high, else extreme

	SigmaLow     float64 `yaml:"sigma_low"` // one-day sigma used for VaR
	SigmaNormal  float64 `yaml:"sigma_normal"`
	SigmaHigh    float64 `yaml:"sigma_high"`
	SigmaExtreme float64 `yaml:"sigma_extreme"`
}

func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		Benchmark:      "SPY",
		LowBelowPct:    0.5,
		NormalBelowPct: 1.5,
		HighBelowPct:   3.0,
		SigmaLow:       0.01,
		SigmaNormal:    0.02,
		SigmaHigh:      0.04,
		SigmaExtreme:   0.06,
	}
}

// VolatilityCalculator maps a benchmark move to a Regime and its sigma.
type VolatilityCalculator struct {
	config VolatilityConfig
}

// NewVolatilityCalculator creates a calculator; zero fields take defaults.
func NewVolatilityCalculator(config VolatilityConfig) *VolatilityCalculator {
	def := DefaultVolatilityConfig()
	if config.Benchmark == "" {
		config.Benchmark = def.Benchmark
	}
	if config.LowBelowPct == 0 {
		config.LowBelowPct = def.LowBelowPct
	}
	if config.NormalBelowPct == 0 {
		config.NormalBelowPct = def.NormalBelowPct
	}
	if config.HighBelowPct == 0 {
		config.HighBelowPct = def.HighBelowPct
	}
	if config.SigmaLow == 0 {
		config.SigmaLow = def.SigmaLow
	}
	if config.SigmaNormal == 0 {
		config.SigmaNormal = def.SigmaNormal
	}
	if config.SigmaHigh == 0 {
		config.SigmaHigh = def.SigmaHigh
	}
	if config.SigmaExtreme == 0 {
		config.SigmaExtreme = def.SigmaExtreme
	}
	return &VolatilityCalculator{config: config}
}

func (vc *VolatilityCalculator) Benchmark() string {
	return vc.config.Benchmark
}

// Classify buckets an absolute benchmark change percentage. ok=false means
// the benchmark was unavailable and yields RegimeNormal.
func (vc *VolatilityCalculator) Classify(changePct float64, ok bool) Regime {
	regime := RegimeNormal
	if ok {
		abs := math.Abs(changePct)
		switch {
		case abs < vc.config.LowBelowPct:
			regime = RegimeLow
		case abs < vc.config.NormalBelowPct:
			regime = RegimeNormal
		case abs < vc.config.HighBelowPct:
			regime = RegimeHigh
		default:
			regime = RegimeExtreme
		}
	}
	observ.SetGauge("volatility_regime", regimeToFloat(regime), nil)
	return regime
}

// Sigma returns the assumed one-day volatility for regime.
func (vc *VolatilityCalculator) Sigma(r Regime) float64 {
	switch r {
	case RegimeLow:
		return vc.config.SigmaLow
	case RegimeHigh:
		return vc.config.SigmaHigh
	case RegimeExtreme:
		return vc.config.SigmaExtreme
	}
	return vc.config.SigmaNormal
}

func regimeToFloat(r Regime) float64 {
	switch r {
	case RegimeLow:
		return 0
	case RegimeNormal:
		return 1
	case RegimeHigh:
		return 2
	case RegimeExtreme:
		return 3
	}
	return -1
}
