package exits

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// Rules are the exit thresholds for one position class, in percent.
type Rules struct {
	StrongProfitPct  float64 `yaml:"strong_profit_pct"`
	TrailArmPct      float64 `yaml:"trail_arm_pct"`  // current P&L must exceed this
	TrailPeakPct     float64 `yaml:"trail_peak_pct"` // and the peak must exceed this
	TrailGivebackPct float64 `yaml:"trail_giveback_pct"`
	TargetPct        float64 `yaml:"target_pct"`
	TimeDecayHours   float64 `yaml:"time_decay_hours"` // 0 disables the time-decayed target
	TimeDecayPct     float64 `yaml:"time_decay_pct"`
	StopLossPct      float64 `yaml:"stop_loss_pct"`
}

// Config holds the exit rules for diamond and normal positions.
type Config struct {
	Diamond        Rules   `yaml:"diamond"`
	Normal         Rules   `yaml:"normal"`
	ExitConfidence float64 `yaml:"exit_confidence"`
	QuoteTimeoutMs int     `yaml:"quote_timeout_ms"`
}

func DefaultConfig() Config {
	return Config{
		Diamond: Rules{
			StrongProfitPct:  15,
			TrailArmPct:      7,
			TrailPeakPct:     10,
			TrailGivebackPct: 3,
			TargetPct:        10,
			TimeDecayHours:   2,
			TimeDecayPct:     5,
			StopLossPct:      5,
		},
		Normal: Rules{
			StrongProfitPct:  30,
			TrailArmPct:      15,
			TrailPeakPct:     20,
			TrailGivebackPct: 5,
			TargetPct:        20,
			StopLossPct:      10,
		},
		ExitConfidence: 0.99,
		QuoteTimeoutMs: 5000,
	}
}

// Entry is what is known about how a position was opened.
type Entry struct {
	StrategyID string    `json:"strategy_id"`
	IsDiamond  bool      `json:"is_diamond"`
	EnteredAt  time.Time `json:"entered_at"`
	Price      float64   `json:"price"`
}

// EntryLookup resolves the originating trade for an open position.
type EntryLookup interface {
	Entry(symbol string) (Entry, bool)
}

// Exit is a synthetic closing signal for one position.
type Exit struct {
	Symbol     string        `json:"symbol"`
	Side       adapters.Side `json:"side"`
	Qty        float64       `json:"qty"`
	Price      float64       `json:"price"`
	Reason     string        `json:"reason"`
	PnLPct     float64       `json:"pnl_pct"`
	PeakPct    float64       `json:"peak_pct"`
	IsDiamond  bool          `json:"is_diamond"`
	Held       time.Duration `json:"held"`
	Confidence float64       `json:"confidence"`
	StrategyID string        `json:"strategy_id,omitempty"`
}

// Supervisor inspects every open position and emits exits.
type Supervisor struct {
	config  Config
	broker  adapters.Broker
	quotes  adapters.QuotesAdapter
	entries EntryLookup
	peaks   *PeakTracker
	now     func() time.Time
}

func NewSupervisor(config Config, broker adapters.Broker, quotes adapters.QuotesAdapter, entries EntryLookup, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		config:  config,
		broker:  broker,
		quotes:  quotes,
		entries: entries,
		peaks:   NewPeakTracker(),
		now:     now,
	}
}

func (s *Supervisor) Peaks() *PeakTracker { return s.peaks }

// Closed clears the peak for a position that was exited.
func (s *Supervisor) Closed(symbol string) { s.peaks.Clear(symbol) }

// Evaluate returns the exits due now. A position query failure is returned;
// a quote failure falls back to the broker's mark, else skips the position.
func (s *Supervisor) Evaluate(ctx context.Context) ([]Exit, error) {
	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("exit supervisor positions: %w", err)
	}

	now := s.now()
	held := make(map[string]bool, len(positions))
	var out []Exit
	for _, pos := range positions {
		if pos.Qty == 0 || pos.AvgEntryPrice <= 0 {
			continue
		}
		held[pos.Symbol] = true

		price := s.price(ctx, pos)
		if price <= 0 {
			observ.Warn("exit_price_unavailable", map[string]any{"symbol": pos.Symbol})
			continue
		}

		var entry Entry
		if s.entries != nil {
			entry, _ = s.entries.Entry(pos.Symbol)
		}
		if ex, ok := s.Decide(pos, price, entry, now); ok {
			out = append(out, ex)
		}
	}

	if dropped := s.peaks.Retain(held); dropped > 0 {
		observ.Debug("exit_peaks_pruned", map[string]any{"dropped": dropped})
	}
	observ.SetGauge("open_positions", float64(len(held)), nil)
	return out, nil
}

func (s *Supervisor) price(ctx context.Context, pos adapters.Position) float64 {
	if s.quotes != nil {
		timeout := time.Duration(s.config.QuoteTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		qctx, cancel := context.WithTimeout(ctx, timeout)
		q, err := s.quotes.GetQuote(qctx, pos.Symbol)
		cancel()
		if err == nil && q != nil && q.Last > 0 {
			return q.Last
		}
		if err != nil {
			observ.Debug("exit_quote_failed", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
		}
	}
	return pos.CurrentPrice
}

// PnLPct is the unrealized return of a position at price. Shorts gain when
// price falls.
func PnLPct(pos adapters.Position, price float64) float64 {
	if pos.AvgEntryPrice <= 0 {
		return 0
	}
	pnl := (price - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
	if pos.Qty < 0 {
		pnl = -pnl
	}
	return pnl
}

// Decide updates the peak for pos and applies the class rules.
func (s *Supervisor) Decide(pos adapters.Position, price float64, entry Entry, now time.Time) (Exit, bool) {
	pnl := PnLPct(pos, price)
	peak := s.peaks.Update(pos.Symbol, pnl)

	var held time.Duration
	if !entry.EnteredAt.IsZero() {
		held = now.Sub(entry.EnteredAt)
	}

	rules := s.config.Normal
	if entry.IsDiamond {
		rules = s.config.Diamond
	}
	reason := rules.reason(pnl, peak, held)
	if reason == "" {
		return Exit{}, false
	}

	side := adapters.SideSell
	if pos.Qty < 0 {
		side = adapters.SideBuy
	}
	ex := Exit{
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        math.Abs(pos.Qty),
		Price:      price,
		Reason:     reason,
		PnLPct:     pnl,
		PeakPct:    peak,
		IsDiamond:  entry.IsDiamond,
		Held:       held,
		Confidence: s.config.ExitConfidence,
		StrategyID: entry.StrategyID,
	}
	observ.IncCounter("exit_signals_total", map[string]string{"reason": reason})
	observ.Log("exit_signal", map[string]any{
		"symbol":  ex.Symbol,
		"side":    string(ex.Side),
		"qty":     ex.Qty,
		"reason":  reason,
		"pnl_pct": pnl,
		"peak":    peak,
		"diamond": entry.IsDiamond,
		"held":    held.String(),
	})
	return ex, true
}

// reason applies the rules in priority order. Every threshold is strict: a
// position sitting exactly on a target or stop is held.
func (r Rules) reason(pnl, peak float64, held time.Duration) string {
	switch {
	case pnl > r.StrongProfitPct:
		return fmt.Sprintf("strong_profit_%gpct", r.StrongProfitPct)
	case pnl > r.TrailArmPct && peak > r.TrailPeakPct && pnl < peak-r.TrailGivebackPct:
		return "trailing_stop"
	case pnl > r.TargetPct:
		return fmt.Sprintf("target_%gpct", r.TargetPct)
	case r.TimeDecayHours > 0 && held > time.Duration(r.TimeDecayHours*float64(time.Hour)) && pnl > r.TimeDecayPct:
		return "time_decay_target"
	case pnl < -r.StopLossPct:
		return fmt.Sprintf("stop_loss_%gpct", r.StopLossPct)
	}
	return ""
}
