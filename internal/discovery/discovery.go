package discovery

import (
	"context"
	"math"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/risk"
)

// Band is the tradable price/spread window.
type Band struct {
	MinPrice     float64 `yaml:"min_price"`
	MaxPrice     float64 `yaml:"max_price"`
	MaxSpreadBps float64 `yaml:"max_spread_bps"`
}

// Contains reports whether price and spread fall inside the band. A zero
// spread (no two-sided quote) passes the spread check.
func (b Band) Contains(price, spreadBps float64) bool {
	if price < b.MinPrice || (b.MaxPrice > 0 && price > b.MaxPrice) {
		return false
	}
	return b.MaxSpreadBps <= 0 || spreadBps <= b.MaxSpreadBps
}

// Config controls candidate discovery.
type Config struct {
	CallTimeoutMs          int      `yaml:"call_timeout_ms"`
	HighValueSkipThreshold int      `yaml:"high_value_skip_threshold"`
	MoverMinChangePct      float64  `yaml:"mover_min_change_pct"`
	MoverMinVolume         int64    `yaml:"mover_min_volume"`
	MoverDiamondChangePct  float64  `yaml:"mover_diamond_change_pct"`
	MoverDiamondMaxPrice   float64  `yaml:"mover_diamond_max_price"`
	RegularLists           []string `yaml:"regular_lists"`
	Normal                 Band     `yaml:"normal"`
	Constrained            Band     `yaml:"constrained"`
	ConstrainedEquity      float64  `yaml:"constrained_equity"` // equity below this enables constrained mode
	ConstrainedRiskCapPct  float64  `yaml:"constrained_risk_cap_pct"`
}

func DefaultConfig() Config {
	return Config{
		CallTimeoutMs:          5000,
		HighValueSkipThreshold: 3,
		MoverMinChangePct:      5,
		MoverMinVolume:         500_000,
		MoverDiamondChangePct:  10,
		MoverDiamondMaxPrice:   5,
		RegularLists: []string{
			adapters.ListDynamic,
			adapters.ListPennyMovers,
			adapters.ListLiquidSmallCaps,
			adapters.ListVolumeMovers,
		},
		Normal:                Band{MinPrice: 1, MaxPrice: 500, MaxSpreadBps: 50},
		Constrained:           Band{MinPrice: 0.5, MaxPrice: 20, MaxSpreadBps: 150},
		ConstrainedEquity:     25_000,
		ConstrainedRiskCapPct: 1,
	}
}

// Exclusions are symbols that must not be surfaced this cycle.
type Exclusions struct {
	Held        map[string]bool
	PendingBuys map[string]bool
	Seen        map[string]bool // already surfaced by an earlier tier
}

// Discovery merges scanner lists into filtered, quote-enriched candidates.
type Discovery struct {
	config   Config
	scanner  adapters.Scanner
	quotes   adapters.QuotesAdapter
	cooldown *risk.CooldownTracker
}

func New(config Config, scanner adapters.Scanner, quotes adapters.QuotesAdapter, cooldown *risk.CooldownTracker) *Discovery {
	return &Discovery{config: config, scanner: scanner, quotes: quotes, cooldown: cooldown}
}

// SkipThreshold is the number of high-value signals after which the
// regular tier is not consulted.
func (d *Discovery) SkipThreshold() int { return d.config.HighValueSkipThreshold }

// Constrained reports whether equity puts the account in capital-constrained mode.
func (d *Discovery) Constrained(equity float64) bool {
	return d.config.ConstrainedEquity > 0 && equity < d.config.ConstrainedEquity
}

// Band returns the price/spread window for equity.
func (d *Discovery) Band(equity float64) Band {
	if d.Constrained(equity) {
		return d.config.Constrained
	}
	return d.config.Normal
}

// RiskCapPct is the per-trade risk ceiling for equity, 0 when unconstrained.
func (d *Discovery) RiskCapPct(equity float64) float64 {
	if d.Constrained(equity) {
		return d.config.ConstrainedRiskCapPct
	}
	return 0
}

func (d *Discovery) timeout() time.Duration {
	if d.config.CallTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.config.CallTimeoutMs) * time.Millisecond
}

// HighValue returns diamonds followed by large movers.
func (d *Discovery) HighValue(ctx context.Context, ex Exclusions, equity float64) []decision.Candidate {
	var raw []decision.Candidate
	for _, r := range d.scan(ctx, adapters.ListDiamonds) {
		c := fromScan(r, decision.SourceDiamond, decision.TierHighValue, adapters.ListDiamonds)
		c.IsDiamond = true
		raw = append(raw, c)
	}
	for _, r := range d.scan(ctx, adapters.ListBigMovers) {
		if math.Abs(r.ChangePct) <= d.config.MoverMinChangePct || r.Volume < d.config.MoverMinVolume {
			continue
		}
		c := fromScan(r, decision.SourceMover, decision.TierHighValue, adapters.ListBigMovers)
		c.IsDiamond = math.Abs(r.ChangePct) > d.config.MoverDiamondChangePct && r.Price > 0 && r.Price < d.config.MoverDiamondMaxPrice
		raw = append(raw, c)
	}
	return d.finish(ctx, decision.TierHighValue, raw, ex, equity)
}

// Regular returns the merged dynamic and scanner lists.
func (d *Discovery) Regular(ctx context.Context, ex Exclusions, equity float64) []decision.Candidate {
	var raw []decision.Candidate
	for _, list := range d.config.RegularLists {
		source := decision.SourceScanner
		if list == adapters.ListDynamic {
			source = decision.SourceDynamic
		}
		for _, r := range d.scan(ctx, list) {
			raw = append(raw, fromScan(r, source, decision.TierRegular, list))
		}
	}
	return d.finish(ctx, decision.TierRegular, raw, ex, equity)
}

// scan calls one list under the per-call timeout. Failures degrade to an
// empty list.
func (d *Discovery) scan(ctx context.Context, list string) []adapters.ScanResult {
	if d.scanner == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	start := time.Now()
	results, err := d.scanner.Scan(cctx, list)
	observ.RecordDuration("discovery_scan_duration_seconds", time.Since(start), map[string]string{"list": list})
	if err != nil {
		observ.IncCounter("discovery_scan_errors_total", map[string]string{"list": list})
		observ.Warn("discovery_scan_failed", map[string]any{"list": list, "error": err.Error()})
		return nil
	}
	return results
}

func fromScan(r adapters.ScanResult, source string, tier decision.Tier, list string) decision.Candidate {
	md := map[string]string{"list": list}
	if r.Headline != "" {
		md["headline"] = r.Headline
	}
	return decision.Candidate{
		Symbol:     adapters.NormalizeSymbol(r.Symbol),
		Source:     source,
		Tier:       tier,
		Confidence: clamp01(r.Score),
		Price:      r.Price,
		Volume:     r.Volume,
		ChangePct:  r.ChangePct,
		Sentiment:  r.Sentiment,
		Metadata:   md,
	}
}

// finish dedupes (first seen wins), enriches with quotes and filters.
func (d *Discovery) finish(ctx context.Context, tier decision.Tier, raw []decision.Candidate, ex Exclusions, equity float64) []decision.Candidate {
	seen := make(map[string]bool, len(raw))
	merged := make([]decision.Candidate, 0, len(raw))
	for _, c := range raw {
		if c.Symbol == "" || seen[c.Symbol] {
			continue
		}
		seen[c.Symbol] = true
		merged = append(merged, c)
	}

	d.enrich(ctx, merged)

	band := d.Band(equity)
	out := merged[:0]
	for _, c := range merged {
		if reason := d.exclude(c, ex, band); reason != "" {
			observ.IncCounter("discovery_filtered_total", map[string]string{"tier": string(tier), "reason": reason})
			continue
		}
		out = append(out, c)
	}

	observ.SetGauge("discovery_candidates", float64(len(out)), map[string]string{"tier": string(tier)})
	observ.Debug("discovery_tier_complete", map[string]any{
		"tier":        string(tier),
		"raw":         len(raw),
		"candidates":  len(out),
		"constrained": d.Constrained(equity),
	})
	return out
}

func (d *Discovery) exclude(c decision.Candidate, ex Exclusions, band Band) string {
	switch {
	case ex.Seen[c.Symbol]:
		return "duplicate"
	case ex.Held[c.Symbol]:
		return "held"
	case ex.PendingBuys[c.Symbol]:
		return "pending_buy"
	case d.cooldown != nil && d.cooldown.InCooldown(c.Symbol):
		return "cooldown"
	case !band.Contains(c.Price, c.SpreadBps):
		return "band"
	}
	return ""
}

// enrich overlays live quotes on the candidates in place.
func (d *Discovery) enrich(ctx context.Context, cands []decision.Candidate) {
	if d.quotes == nil || len(cands) == 0 {
		return
	}
	symbols := make([]string, len(cands))
	for i, c := range cands {
		symbols[i] = c.Symbol
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	quotes, err := d.quotes.GetQuotes(cctx, symbols)
	if err != nil {
		observ.Warn("discovery_quotes_failed", map[string]any{"symbols": len(symbols), "error": err.Error()})
		return
	}

	for i := range cands {
		q, ok := quotes[cands[i].Symbol]
		if !ok || q == nil {
			continue
		}
		if q.Last > 0 {
			cands[i].Price = q.Last
		}
		cands[i].Bid = q.Bid
		cands[i].Ask = q.Ask
		cands[i].SpreadBps = q.SpreadBps()
		if q.Volume > 0 {
			cands[i].Volume = q.Volume
		}
		if q.ChangePct != 0 {
			cands[i].ChangePct = q.ChangePct
		}
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
