package risk

import (
	"math"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// CorrelationBuckets groups symbols that tend to move together. Unmapped
// symbols form their own bucket.
type CorrelationBuckets struct {
	bucketMap map[string]string // symbol -> bucket
}

func NewCorrelationBuckets(bucketMap map[string]string) *CorrelationBuckets {
	m := make(map[string]string, len(bucketMap))
	for k, v := range bucketMap {
		m[k] = v
	}
	return &CorrelationBuckets{bucketMap: m}
}

// Bucket returns the bucket for a given symbol
func (cb *CorrelationBuckets) Bucket(symbol string) string {
	if cb != nil {
		if b, ok := cb.bucketMap[symbol]; ok {
			return b
		}
	}
	return "sym:" + symbol
}

// Exposure sums absolute notional of every position in symbol's bucket.
func (cb *CorrelationBuckets) Exposure(symbol string, positions map[string]float64) float64 {
	target := cb.Bucket(symbol)
	total := 0.0
	for sym, notional := range positions {
		if cb.Bucket(sym) == target {
			total += math.Abs(notional)
		}
	}
	return total
}

// Headroom returns how much more notional symbol's bucket can take before
// reaching maxPct of equity. committed is notional already accepted this
// cycle, keyed by bucket.
func (cb *CorrelationBuckets) Headroom(symbol string, equity, maxPct float64, positions map[string]float64, committed map[string]float64) float64 {
	bucket := cb.Bucket(symbol)
	used := cb.Exposure(symbol, positions) + committed[bucket]
	limit := equity * maxPct / 100
	if equity > 0 {
		observ.SetGauge("bucket_exposure_pct", used/equity*100, map[string]string{"bucket": bucket})
	}
	return limit - used
}
