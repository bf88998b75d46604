package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autotrader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, ModePaper, c.Mode)
	assert.Equal(t, 60, c.Loop.IntervalSec)
	assert.Equal(t, 0.1, c.Loop.PurgeProbability)
	assert.Equal(t, -20.0, c.Signals.EVFloor)
	assert.True(t, c.Signals.DiamondBypassEV)
	assert.Equal(t, 3, c.Discovery.HighValueSkipThreshold)
	assert.Equal(t, 5, c.CircuitBreaker.MaxOrderFailures)
	assert.Equal(t, ":8090", c.Control.Addr)
}

func TestLoadKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := writeConfig(t, `
mode: paper
loop:
  interval_sec: 30
capital:
  max_total_capital: 20000
  max_per_trade: 2000
signals:
  ev_floor: -5
risk_gate:
  buckets:
    NVDA: semis
    AMD: semis
paper:
  quotes:
    - symbol: aapl
      last: 150
      spread_bps: 10
      volume: 1000000
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, c.Loop.IntervalSec)
	assert.True(t, c.Loop.Enabled, "absent bool keeps its default")
	assert.Equal(t, 0.1, c.Loop.PurgeProbability)
	assert.Equal(t, 20000.0, c.Capital.MaxTotalCapital)
	assert.Equal(t, 20, c.Capital.MaxDailyTrades)
	assert.Equal(t, -5.0, c.Signals.EVFloor)
	assert.Equal(t, 10, c.Signals.MaxSignalsPerCycle)
	assert.Equal(t, "semis", c.RiskGate.Buckets["AMD"])
	assert.Equal(t, 60, c.RiskGate.MaxQuoteAgeSec)

	require.Len(t, c.Paper.Quotes, 1)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	q := c.Paper.Quotes[0].Quote(now)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.InDelta(t, 149.925, q.Bid, 1e-9)
	assert.InDelta(t, 150.075, q.Ask, 1e-9)
	assert.InDelta(t, 10, q.SpreadBps(), 0.01)
	assert.Equal(t, now, q.Timestamp)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "loop: [unterminated"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMode, "LIVE")
	t.Setenv(EnvBrokerURL, "https://broker.example")
	t.Setenv(EnvBrokerKey, "key")
	t.Setenv(EnvBrokerSecret, "secret")
	t.Setenv(EnvGatewayURL, "https://gateway.example")

	c, err := Load(writeConfig(t, "mode: paper\n"))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, c.Mode)
	assert.Equal(t, "https://broker.example", c.Broker.BaseURL)
	assert.Equal(t, "key", c.Broker.KeyID)
	assert.Equal(t, "https://gateway.example", c.Gateway.BaseURL)

	q := c.QuotesHTTP()
	assert.Equal(t, "https://broker.example", q.BaseURL)
	assert.Equal(t, "secret", q.Secret)
}

func TestSlackWebhookEnvEnablesAlerts(t *testing.T) {
	t.Setenv(EnvSlackWebhook, "https://hooks.slack.example/T000")

	c, err := Load(writeConfig(t, "alerts:\n  channel: \"#trading\"\n"))
	require.NoError(t, err)
	assert.True(t, c.Alerts.Enabled)
	assert.Equal(t, "https://hooks.slack.example/T000", c.Alerts.WebhookURL)
	assert.Equal(t, "#trading", c.Alerts.Channel)
	assert.Equal(t, 3, c.Alerts.MaxAttempts)
}

func TestQuotesEndpointOverridesBroker(t *testing.T) {
	c := Default()
	c.Broker.BaseURL = "https://broker.example"
	c.Quotes.BaseURL = "https://data.example"
	c.Quotes.KeyID = "data-key"
	q := c.QuotesHTTP()
	assert.Equal(t, "https://data.example", q.BaseURL)
	assert.Equal(t, "data-key", q.KeyID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
		errMsg string
	}{
		{"unknown mode", func(c *Root) { c.Mode = "dry-run" }, "mode must be"},
		{"zero interval", func(c *Root) { c.Loop.IntervalSec = 0 }, "interval_sec"},
		{"purge probability above one", func(c *Root) { c.Loop.PurgeProbability = 1.5 }, "purge_probability"},
		{"per trade above total", func(c *Root) { c.Capital.MaxPerTrade = c.Capital.MaxTotalCapital + 1 }, "exceeds"},
		{"negative cash buffer", func(c *Root) { c.Capital.MinCashBuffer = -1 }, "min_cash_buffer"},
		{"empty price band", func(c *Root) { c.Discovery.Normal.MaxPrice = c.Discovery.Normal.MinPrice }, "price band"},
		{"kelly fraction", func(c *Root) { c.Sizing.Kelly = risk.KellyConfig{Enabled: true, Fraction: 2} }, "kelly"},
		{"breaker threshold", func(c *Root) { c.CircuitBreaker.MaxOrderFailures = 0 }, "circuit_breaker"},
		{"allocator weight", func(c *Root) { c.Allocator.MaxWeight = 0 }, "max_weight"},
		{"live without broker", func(c *Root) { c.Mode = ModeLive; c.Gateway.BaseURL = "http://gw" }, "broker.base_url"},
		{"live without gateway", func(c *Root) { c.Mode = ModeLive; c.Broker.BaseURL = "http://b" }, "gateway.base_url"},
		{"no store path", func(c *Root) { c.Store.Path = "" }, "store.path"},
		{"alerts without webhook", func(c *Root) { c.Alerts.Enabled = true }, "webhook_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInMemoryStoreNeedsNoPath(t *testing.T) {
	c := Default()
	c.Store.Path = ""
	c.Store.InMemory = true
	assert.NoError(t, c.Validate())
}
