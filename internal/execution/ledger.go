package execution

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

// Persister is the slice of the state store the ledger writes through.
type Persister interface {
	GetJSON(key string, v any) error
	PutJSON(key string, v any) error
}

// Ledger remembers how each open position was entered, so exits can tell
// diamonds apart and the risk gate can attribute exposure to strategies.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]exits.Entry
	store   Persister
}

func NewLedger(p Persister) *Ledger {
	return &Ledger{entries: map[string]exits.Entry{}, store: p}
}

// Load restores persisted entries. A missing key is an empty ledger.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := map[string]exits.Entry{}
	if err := l.store.GetJSON(store.KeyEntryLedger, &entries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load entry ledger: %w", err)
	}
	l.entries = entries
	return nil
}

func (l *Ledger) Entry(symbol string) (exits.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[symbol]
	return e, ok
}

// Record stores the entry for symbol. Adding to an existing position keeps
// the original entry time.
func (l *Ledger) Record(symbol string, e exits.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[symbol]; ok && !prev.EnteredAt.IsZero() {
		e.EnteredAt = prev.EnteredAt
		e.IsDiamond = e.IsDiamond || prev.IsDiamond
	}
	l.entries[symbol] = e
	l.saveUnsafe()
}

func (l *Ledger) Remove(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[symbol]; !ok {
		return
	}
	delete(l.entries, symbol)
	l.saveUnsafe()
}

// Reconcile forgets entries for symbols that are no longer held.
func (l *Ledger) Reconcile(positions []adapters.Position) {
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Qty != 0 {
			held[p.Symbol] = true
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := false
	for sym := range l.entries {
		if !held[sym] {
			delete(l.entries, sym)
			changed = true
		}
	}
	if changed {
		l.saveUnsafe()
	}
}

// StrategyExposure sums open market value by originating strategy.
// Positions without a known entry are attributed to "unknown".
func (l *Ledger) StrategyExposure(positions []adapters.Position) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[string]float64{}
	for _, p := range positions {
		id := "unknown"
		if e, ok := l.entries[p.Symbol]; ok && e.StrategyID != "" {
			id = e.StrategyID
		}
		out[id] += p.MarketValue
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) saveUnsafe() {
	if l.store == nil {
		return
	}
	if err := l.store.PutJSON(store.KeyEntryLedger, l.entries); err != nil {
		observ.Error("entry_ledger_save_failed", err, map[string]any{"entries": len(l.entries)})
	}
}
