package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/portfolio"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/store"
)

func testConfig(t *testing.T) config.Root {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "state")
	cfg.Audit.OutboxPath = filepath.Join(dir, "outbox.jsonl")
	cfg.Audit.JournalPath = filepath.Join(dir, "journal.db")
	cfg.Log.Level = "error"
	cfg.Paper.Quotes = []config.PaperQuote{
		{Symbol: "SPY", Last: 500, SpreadBps: 2, Volume: 50_000_000, ChangePct: 0.2},
		{Symbol: "AAPL", Last: 150, SpreadBps: 5, Volume: 10_000_000},
	}
	cfg.Paper.Positions = map[string]float64{"aapl": 10}
	return cfg
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestPaperAppRunsOneCycle(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, newCollaborators(cfg, time.Now))
	require.NoError(t, err)
	defer a.Close()

	st, err := a.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "IDLE: NO_SIGNALS", st.String())

	info := a.loop.Info()
	assert.EqualValues(t, 1, info.Cycles)
	assert.Equal(t, "CLOSED", info.Breaker["state"])
}

func TestPaperPositionsAreSeeded(t *testing.T) {
	cfg := testConfig(t)
	c := newCollaborators(cfg, time.Now)
	positions, err := c.broker.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 10.0, positions[0].Qty)

	// Seeded quotes never go stale.
	q, err := c.quotes.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), q.Timestamp, time.Second)
}

func TestResetStoredClosesPersistedBreaker(t *testing.T) {
	cfg := testConfig(t)

	st, err := openStore(cfg)
	require.NoError(t, err)
	cb := risk.NewCircuitBreaker(cfg.CircuitBreaker, time.Now)
	for i := 0; i <= cfg.CircuitBreaker.MaxOrderFailures; i++ {
		cb.RecordFailure(risk.CategoryOrderFailure, nil)
	}
	require.Equal(t, risk.StateOpen, cb.State())
	require.NoError(t, st.PutJSON(store.KeyCircuitBreaker, cb.Snapshot()))
	daily := portfolio.NewManager(st, time.Now)
	require.NoError(t, daily.Load())
	daily.ObserveEquity(200_000)
	require.NoError(t, st.Close())

	snap, err := resetStored(cfg, "ops", "broker recovered")
	require.NoError(t, err)
	assert.Equal(t, risk.StateClosed, snap.State)

	st, err = openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	var got risk.BreakerSnapshot
	require.NoError(t, st.GetJSON(store.KeyCircuitBreaker, &got))
	assert.Equal(t, risk.StateClosed, got.State)

	var stats portfolio.DailyStats
	require.NoError(t, st.GetJSON(store.KeyDailyStats, &stats))
	assert.Zero(t, stats.PeakEquity, "equity baseline rebased with the reset")
	assert.Zero(t, stats.StartEquity)
}

func TestResetStoredWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	snap, err := resetStored(cfg, "ops", "fresh install")
	require.NoError(t, err)
	assert.Equal(t, risk.StateClosed, snap.State)
}

func TestResetRemote(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/breaker/reset", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"CLOSED"}`))
	}))
	defer srv.Close()

	require.NoError(t, resetRemote(context.Background(), srv.URL, "ops", "manual"))
	assert.Equal(t, "ops", got["by"])
	assert.Equal(t, "manual", got["reason"])
}

func TestResetRemoteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"reason is required"}`))
	}))
	defer srv.Close()

	err := resetRemote(context.Background(), srv.URL, "ops", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason is required")
}

func TestBreakerResetRequiresReason(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"breaker", "reset", "--env-file", ""})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--reason")
}
