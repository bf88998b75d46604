package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

// CapitalLimits are the static ceilings for a run.
type CapitalLimits struct {
	MaxTotalCapital float64 `yaml:"max_total_capital"` // open market value ceiling
	MaxPerTrade     float64 `yaml:"max_per_trade"`
	MaxDailyTrades  int     `yaml:"max_daily_trades"`
	MinCashBuffer   float64 `yaml:"min_cash_buffer"`
}

func DefaultCapitalLimits() CapitalLimits {
	return CapitalLimits{
		MaxTotalCapital: 50_000,
		MaxPerTrade:     5_000,
		MaxDailyTrades:  20,
		MinCashBuffer:   1_000,
	}
}

// Breach names the ceiling that stopped a cycle. The values double as the
// loop status strings.
type Breach string

const (
	BreachNone        Breach = ""
	BreachCapital     Breach = "CAPITAL_LIMIT_REACHED"
	BreachCash        Breach = "INSUFFICIENT_CASH"
	BreachDailyTrades Breach = "DAILY_TRADE_LIMIT"
)

// DailyStats tracks per-day trading counters
type DailyStats struct {
	Date            string    `json:"date"` // YYYY-MM-DD, UTC
	TradesExecuted  int       `json:"trades_executed"`
	CapitalDeployed float64   `json:"capital_deployed"`
	StartEquity     float64   `json:"start_equity"`
	PeakEquity      float64   `json:"peak_equity"`
	LastReset       time.Time `json:"last_reset"`
}

// Persister is the slice of the state store used for daily stats.
type Persister interface {
	GetJSON(key string, v any) error
	PutJSON(key string, v any) error
}

// Manager owns DailyStats for one loop and persists every mutation.
type Manager struct {
	mu    sync.RWMutex
	stats DailyStats
	store Persister // nil keeps stats in memory only
	now   func() time.Time
}

// NewManager creates a manager for today. Call Load to pick up persisted
// counters.
func NewManager(p Persister, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	return &Manager{
		stats: DailyStats{Date: dayKey(t), LastReset: t},
		store: p,
		now:   now,
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Load restores persisted stats. A missing key keeps the fresh stats; stats
// from an earlier day are rolled over.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var s DailyStats
	if err := m.store.GetJSON(store.KeyDailyStats, &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load daily stats: %w", err)
	}
	m.stats = s
	m.rollUnsafe(m.now())
	return nil
}

// Save writes the current stats to the store.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.PutJSON(store.KeyDailyStats, m.stats); err != nil {
		return fmt.Errorf("save daily stats: %w", err)
	}
	return nil
}

// Stats returns a copy of the current stats.
func (m *Manager) Stats() DailyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// RollIfNewDay zeroes the counters the first time it sees a new calendar
// day. It reports whether a reset happened.
func (m *Manager) RollIfNewDay(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rollUnsafe(now) {
		return false
	}
	if err := m.saveUnsafe(); err != nil {
		observ.Error("daily_stats_save_failed", err, nil)
	}
	return true
}

func (m *Manager) rollUnsafe(now time.Time) bool {
	today := dayKey(now)
	if m.stats.Date == today {
		return false
	}
	prev := m.stats
	m.stats = DailyStats{Date: today, LastReset: now.UTC()}
	observ.Log("daily_stats_reset", map[string]any{
		"previous_date":   prev.Date,
		"trades_executed": prev.TradesExecuted,
		"capital":         prev.CapitalDeployed,
	})
	observ.IncCounter("daily_resets_total", nil)
	return true
}

// RecordTrade counts one executed entry and its notional.
func (m *Manager) RecordTrade(notional float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TradesExecuted++
	m.stats.CapitalDeployed += notional
	observ.SetGauge("daily_trades_executed", float64(m.stats.TradesExecuted), nil)
	observ.SetGauge("daily_capital_deployed_usd", m.stats.CapitalDeployed, nil)
	return m.saveUnsafe()
}

// ObserveEquity tracks the day's starting and peak equity and returns the
// drawdown from peak and the loss since the start of day, both in percent.
func (m *Manager) ObserveEquity(equity float64) (drawdownPct, dailyLossPct float64) {
	if equity <= 0 {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dirty := false
	if m.stats.StartEquity <= 0 {
		m.stats.StartEquity = equity
		dirty = true
	}
	if equity > m.stats.PeakEquity {
		m.stats.PeakEquity = equity
		dirty = true
	}
	if dirty {
		if err := m.saveUnsafe(); err != nil {
			observ.Error("daily_stats_save_failed", err, nil)
		}
	}

	drawdownPct = (m.stats.PeakEquity - equity) / m.stats.PeakEquity * 100
	dailyLossPct = (m.stats.StartEquity - equity) / m.stats.StartEquity * 100
	if dailyLossPct < 0 {
		dailyLossPct = 0
	}
	observ.SetGauge("drawdown_pct_daily", drawdownPct, nil)
	observ.SetGauge("daily_loss_pct", dailyLossPct, nil)
	return drawdownPct, dailyLossPct
}

// Rebase forgets the day's start and peak equity so the next observation
// becomes the new baseline. Used whenever the breaker closes again.
func (m *Manager) Rebase() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevStart, prevPeak := m.stats.StartEquity, m.stats.PeakEquity
	m.stats.StartEquity = 0
	m.stats.PeakEquity = 0
	observ.IncCounter("equity_baseline_rebases_total", nil)
	observ.Log("equity_baseline_rebased", map[string]any{"prev_start": prevStart, "prev_peak": prevPeak})
	return m.saveUnsafe()
}

// Check returns the first ceiling breached, testing capital, then cash,
// then the daily trade count.
func (m *Manager) Check(limits CapitalLimits, acct adapters.Account) Breach {
	m.mu.RLock()
	trades := m.stats.TradesExecuted
	m.mu.RUnlock()

	switch {
	case limits.MaxTotalCapital > 0 && acct.MarketValue >= limits.MaxTotalCapital:
		return BreachCapital
	case acct.Cash <= limits.MinCashBuffer:
		return BreachCash
	case limits.MaxDailyTrades > 0 && trades >= limits.MaxDailyTrades:
		return BreachDailyTrades
	}
	return BreachNone
}
