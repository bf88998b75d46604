package risk

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// CooldownConfig controls how often a symbol may fail before it is benched.
type CooldownConfig struct {
	FailThreshold   int `yaml:"fail_threshold"`
	CooldownMinutes int `yaml:"cooldown_minutes"`
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{FailThreshold: 3, CooldownMinutes: 30}
}

// FailedSymbolRecord tracks repeated no-signal or error outcomes.
type FailedSymbolRecord struct {
	LastCheck time.Time `json:"last_check"`
	FailCount int       `json:"fail_count"`
}

// CooldownTracker skips symbols that keep failing for a cooldown window,
// then lets them be retried.
type CooldownTracker struct {
	mu      sync.Mutex
	config  CooldownConfig
	records map[string]FailedSymbolRecord
	now     func() time.Time
}

func NewCooldownTracker(config CooldownConfig, now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{
		config:  config,
		records: make(map[string]FailedSymbolRecord),
		now:     now,
	}
}

// RecordFailure increments the symbol's fail count.
func (ct *CooldownTracker) RecordFailure(symbol string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	rec := ct.records[symbol]
	rec.FailCount++
	rec.LastCheck = ct.now()
	ct.records[symbol] = rec

	if rec.FailCount == ct.config.FailThreshold {
		observ.IncCounter("symbol_cooldowns_total", nil)
		observ.Debug("symbol_cooldown_started", map[string]any{
			"symbol":     symbol,
			"fail_count": rec.FailCount,
			"minutes":    ct.config.CooldownMinutes,
		})
	}
}

// RecordSuccess forgets any failures for symbol.
func (ct *CooldownTracker) RecordSuccess(symbol string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.records, symbol)
}

// InCooldown reports whether symbol should be skipped. An expired record is
// cleared so the symbol is retried from zero.
func (ct *CooldownTracker) InCooldown(symbol string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	rec, ok := ct.records[symbol]
	if !ok || rec.FailCount < ct.config.FailThreshold {
		return false
	}
	window := time.Duration(ct.config.CooldownMinutes) * time.Minute
	if ct.now().Sub(rec.LastCheck) >= window {
		delete(ct.records, symbol)
		return false
	}
	return true
}

// Record returns the current record for symbol.
func (ct *CooldownTracker) Record(symbol string) (FailedSymbolRecord, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	rec, ok := ct.records[symbol]
	return rec, ok
}

// Len returns the number of tracked symbols.
func (ct *CooldownTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.records)
}
