package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/alerts"
	"github.com/Rajchodisetti/autotrader/internal/autoloop"
	"github.com/Rajchodisetti/autotrader/internal/control"
	"github.com/Rajchodisetti/autotrader/internal/decision"
	"github.com/Rajchodisetti/autotrader/internal/discovery"
	"github.com/Rajchodisetti/autotrader/internal/execution"
	"github.com/Rajchodisetti/autotrader/internal/exits"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Environment overrides, applied after the file is read.
const (
	EnvMode         = "AUTOTRADER_MODE"
	EnvBrokerURL    = "AUTOTRADER_BROKER_URL"
	EnvBrokerKey    = "AUTOTRADER_BROKER_KEY"
	EnvBrokerSecret = "AUTOTRADER_BROKER_SECRET"
	EnvGatewayURL   = "AUTOTRADER_GATEWAY_URL"
	EnvQuotesURL    = "AUTOTRADER_QUOTES_URL"
	EnvControlAddr  = "AUTOTRADER_CONTROL_ADDR"
	EnvLogLevel     = "AUTOTRADER_LOG_LEVEL"
	EnvSlackWebhook = "AUTOTRADER_SLACK_WEBHOOK"
)

// PaperQuote seeds the static quote feed used in paper mode.
type PaperQuote struct {
	Symbol    string  `yaml:"symbol"`
	Last      float64 `yaml:"last"`
	SpreadBps float64 `yaml:"spread_bps"`
	Volume    int64   `yaml:"volume"`
	ChangePct float64 `yaml:"change_pct"`
}

// Quote builds a two-sided quote around Last stamped at now.
func (q PaperQuote) Quote(now time.Time) adapters.Quote {
	half := q.Last * q.SpreadBps / 2 / 10_000
	return adapters.Quote{
		Symbol:    adapters.NormalizeSymbol(q.Symbol),
		Bid:       q.Last - half,
		Ask:       q.Last + half,
		Last:      q.Last,
		Volume:    q.Volume,
		ChangePct: q.ChangePct,
		Timestamp: now,
		Source:    "paper",
	}
}

type Paper struct {
	StartingCash float64            `yaml:"starting_cash"`
	SlippageBps  float64            `yaml:"slippage_bps"`
	Quotes       []PaperQuote       `yaml:"quotes"`
	Positions    map[string]float64 `yaml:"positions"` // symbol -> qty, opened at the seeded price
}

type Audit struct {
	OutboxPath       string `yaml:"outbox_path"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
	JournalPath      string `yaml:"journal_path"` // SQLite decision journal, disabled when empty
}

type Root struct {
	Mode           string                    `yaml:"mode"` // paper | live
	Loop           autoloop.Config           `yaml:"loop"`
	Capital        portfolio.CapitalLimits   `yaml:"capital"`
	Discovery      discovery.Config          `yaml:"discovery"`
	Signals        decision.SignalConfig     `yaml:"signals"`
	Sizing         risk.SizingConfig         `yaml:"sizing"`
	EV             risk.CostConfig           `yaml:"ev"`
	Exits          exits.Config              `yaml:"exits"`
	CircuitBreaker risk.CircuitBreakerConfig `yaml:"circuit_breaker"`
	RiskGate       risk.GateConfig           `yaml:"risk_gate"`
	Volatility     risk.VolatilityConfig     `yaml:"volatility"`
	Allocator      portfolio.AllocatorConfig `yaml:"allocator"`
	Cooldown       risk.CooldownConfig       `yaml:"cooldown"`
	Execution      execution.Config          `yaml:"execution"`
	Broker         adapters.HTTPConfig       `yaml:"broker"`
	Quotes         adapters.HTTPConfig       `yaml:"quotes"` // falls back to broker when base_url is empty
	QuoteCache     adapters.CacheConfig      `yaml:"quote_cache"`
	Gateway        adapters.HTTPConfig       `yaml:"gateway"`
	Paper          Paper                     `yaml:"paper"`
	Store          store.Config              `yaml:"store"`
	Audit          Audit                     `yaml:"audit"`
	Log            observ.LogConfig          `yaml:"log"`
	Control        control.Config            `yaml:"control"`
	Alerts         alerts.Config             `yaml:"alerts"`
}

// Default returns a complete paper-mode configuration.
func Default() Root {
	return Root{
		Mode:           ModePaper,
		Loop:           autoloop.DefaultConfig(),
		Capital:        portfolio.DefaultCapitalLimits(),
		Discovery:      discovery.DefaultConfig(),
		Signals:        decision.DefaultSignalConfig(),
		Sizing:         risk.DefaultSizingConfig(),
		EV:             risk.DefaultCostConfig(),
		Exits:          exits.DefaultConfig(),
		CircuitBreaker: risk.DefaultCircuitBreakerConfig(),
		RiskGate:       risk.DefaultGateConfig(),
		Volatility:     risk.DefaultVolatilityConfig(),
		Allocator:      portfolio.DefaultAllocatorConfig(),
		Cooldown:       risk.DefaultCooldownConfig(),
		Execution:      execution.DefaultConfig(),
		Broker:         adapters.DefaultHTTPConfig(),
		Quotes:         adapters.DefaultHTTPConfig(),
		QuoteCache:     adapters.DefaultCacheConfig(),
		Gateway:        adapters.DefaultHTTPConfig(),
		Paper: Paper{
			StartingCash: 100_000,
			SlippageBps:  5,
		},
		Store: store.Config{Path: "data/state"},
		Audit: Audit{
			OutboxPath:       "data/outbox.jsonl",
			DedupeWindowSecs: 90,
			JournalPath:      "data/journal.db",
		},
		Log: observ.LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Control: control.DefaultConfig(),
		Alerts:  alerts.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults, so any key absent from the file
// keeps its default value. Environment overrides are applied last and the
// result is validated.
func Load(path string) (Root, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyEnv overlays AUTOTRADER_* variables that are set and non-empty.
func (c *Root) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Mode, EnvMode)
	set(&c.Broker.BaseURL, EnvBrokerURL)
	set(&c.Broker.KeyID, EnvBrokerKey)
	set(&c.Broker.Secret, EnvBrokerSecret)
	set(&c.Gateway.BaseURL, EnvGatewayURL)
	set(&c.Quotes.BaseURL, EnvQuotesURL)
	set(&c.Control.Addr, EnvControlAddr)
	set(&c.Log.Level, EnvLogLevel)
	if v := strings.TrimSpace(os.Getenv(EnvSlackWebhook)); v != "" {
		c.Alerts.WebhookURL = v
		c.Alerts.Enabled = true
	}
	c.Mode = strings.ToLower(c.Mode)
}

// QuotesHTTP is the quotes client config, inheriting the broker endpoint and
// credentials when no dedicated quotes endpoint is configured.
func (c Root) QuotesHTTP() adapters.HTTPConfig {
	q := c.Quotes
	if q.BaseURL == "" {
		q.BaseURL = c.Broker.BaseURL
		if q.KeyID == "" {
			q.KeyID, q.Secret = c.Broker.KeyID, c.Broker.Secret
		}
	}
	return q
}

// Validate rejects inconsistent values.
func (c Root) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}
	if c.Loop.IntervalSec <= 0 {
		return fmt.Errorf("loop.interval_sec must be positive")
	}
	if c.Loop.PurgeProbability < 0 || c.Loop.PurgeProbability > 1 {
		return fmt.Errorf("loop.purge_probability must be within [0,1]")
	}

	lim := c.Capital
	if lim.MaxTotalCapital <= 0 || lim.MaxPerTrade <= 0 {
		return fmt.Errorf("capital.max_total_capital and capital.max_per_trade must be positive")
	}
	if lim.MaxPerTrade > lim.MaxTotalCapital {
		return fmt.Errorf("capital.max_per_trade (%.2f) exceeds capital.max_total_capital (%.2f)", lim.MaxPerTrade, lim.MaxTotalCapital)
	}
	if lim.MinCashBuffer < 0 {
		return fmt.Errorf("capital.min_cash_buffer must not be negative")
	}
	if lim.MaxDailyTrades < 0 {
		return fmt.Errorf("capital.max_daily_trades must not be negative")
	}

	for name, band := range map[string]discovery.Band{"normal": c.Discovery.Normal, "constrained": c.Discovery.Constrained} {
		if band.MinPrice < 0 || band.MaxPrice <= band.MinPrice {
			return fmt.Errorf("discovery.%s: price band [%.2f, %.2f] is empty", name, band.MinPrice, band.MaxPrice)
		}
		if band.MaxSpreadBps <= 0 {
			return fmt.Errorf("discovery.%s.max_spread_bps must be positive", name)
		}
	}

	if c.Sizing.RiskPerTradePct <= 0 || c.Sizing.MaxPositionPct <= 0 {
		return fmt.Errorf("sizing percentages must be positive")
	}
	if c.Sizing.MinMultiplier > c.Sizing.MaxMultiplier {
		return fmt.Errorf("sizing.min_multiplier exceeds sizing.max_multiplier")
	}
	if k := c.Sizing.Kelly; k.Enabled && (k.Fraction <= 0 || k.Fraction > 1) {
		return fmt.Errorf("sizing.kelly.fraction must be within (0,1]")
	}
	if c.Signals.MaxSignalsPerCycle <= 0 {
		return fmt.Errorf("signals.max_signals_per_cycle must be positive")
	}

	cb := c.CircuitBreaker
	if cb.WindowMinutes <= 0 || cb.CooldownMinutes <= 0 {
		return fmt.Errorf("circuit_breaker window and cooldown must be positive")
	}
	if cb.MaxAPIErrors <= 0 || cb.MaxOrderFailures <= 0 || cb.MaxDrawdownPct <= 0 || cb.MaxDailyLossPct <= 0 {
		return fmt.Errorf("circuit_breaker thresholds must be positive")
	}

	if w := c.Allocator.MaxWeight; w <= 0 || w > 1 {
		return fmt.Errorf("allocator.max_weight must be within (0,1]")
	}
	if c.Cooldown.FailThreshold <= 0 {
		return fmt.Errorf("cooldown.fail_threshold must be positive")
	}

	if c.Mode == ModeLive {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("live mode requires broker.base_url (or %s)", EnvBrokerURL)
		}
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("live mode requires gateway.base_url (or %s)", EnvGatewayURL)
		}
	} else if c.Paper.StartingCash <= 0 {
		return fmt.Errorf("paper.starting_cash must be positive")
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if c.Alerts.Enabled && c.Alerts.WebhookURL == "" {
		return fmt.Errorf("alerts.webhook_url is required when alerts are enabled")
	}
	return nil
}
