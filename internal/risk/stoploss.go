package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// StopLossRegistrar receives a protective stop for each new long entry and
// is told when the position is closed.
type StopLossRegistrar interface {
	RegisterStop(symbol string, entryPrice, stopPct float64, isDiamond bool)
	ClearStop(symbol string)
}

// NoopStops discards stop registrations.
type NoopStops struct{}

func (NoopStops) RegisterStop(string, float64, float64, bool) {}
func (NoopStops) ClearStop(string)                            {}

// StopLevel is a registered stop for one position.
type StopLevel struct {
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entry_price"`
	TriggerPrice float64   `json:"trigger_price"`
	StopPct      float64   `json:"stop_pct"`
	Diamond      bool      `json:"diamond"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StopBook remembers stop levels by symbol. The control API reports them
// and they are cleared when the position closes.
type StopBook struct {
	mu    sync.Mutex
	stops map[string]StopLevel
	now   func() time.Time
}

func NewStopBook(now func() time.Time) *StopBook {
	if now == nil {
		now = time.Now
	}
	return &StopBook{stops: map[string]StopLevel{}, now: now}
}

func (sb *StopBook) RegisterStop(symbol string, entryPrice, stopPct float64, isDiamond bool) {
	if entryPrice <= 0 || stopPct <= 0 {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.stops[symbol] = StopLevel{
		Symbol:       symbol,
		EntryPrice:   entryPrice,
		TriggerPrice: entryPrice * (1 - stopPct/100),
		StopPct:      stopPct,
		Diamond:      isDiamond,
		RegisteredAt: sb.now(),
	}
	observ.IncCounter("stop_registrations_total", nil)
}

// ClearStop forgets the stop once the position is closed.
func (sb *StopBook) ClearStop(symbol string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, ok := sb.stops[symbol]; ok {
		delete(sb.stops, symbol)
		observ.IncCounter("stop_clears_total", nil)
	}
}

// Retain drops stops for symbols not in held and returns how many went.
func (sb *StopBook) Retain(held map[string]bool) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	n := 0
	for sym := range sb.stops {
		if !held[sym] {
			delete(sb.stops, sym)
			n++
		}
	}
	return n
}

// All returns the registered stops sorted by symbol.
func (sb *StopBook) All() []StopLevel {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]StopLevel, 0, len(sb.stops))
	for _, s := range sb.stops {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
