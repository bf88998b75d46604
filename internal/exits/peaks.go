package exits

import "sync"

// PeakTracker keeps the high-water unrealized P&L% per open position.
type PeakTracker struct {
	mu    sync.Mutex
	peaks map[string]float64
}

func NewPeakTracker() *PeakTracker {
	return &PeakTracker{peaks: map[string]float64{}}
}

// Update folds pnlPct into the symbol's peak and returns the peak. The peak
// never decreases while the symbol is tracked.
func (pt *PeakTracker) Update(symbol string, pnlPct float64) float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	peak, ok := pt.peaks[symbol]
	if !ok || pnlPct > peak {
		peak = pnlPct
		pt.peaks[symbol] = peak
	}
	return peak
}

func (pt *PeakTracker) Peak(symbol string) (float64, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.peaks[symbol]
	return p, ok
}

// Clear forgets a closed position.
func (pt *PeakTracker) Clear(symbol string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peaks, symbol)
}

// Retain drops every symbol not in held and returns how many were dropped.
func (pt *PeakTracker) Retain(held map[string]bool) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dropped := 0
	for sym := range pt.peaks {
		if !held[sym] {
			delete(pt.peaks, sym)
			dropped++
		}
	}
	return dropped
}

// Snapshot copies the current peaks.
func (pt *PeakTracker) Snapshot() map[string]float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make(map[string]float64, len(pt.peaks))
	for k, v := range pt.peaks {
		out[k] = v
	}
	return out
}
