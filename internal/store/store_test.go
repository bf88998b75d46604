package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Date   string  `json:"date"`
	Trades int     `json:"trades"`
	Amount float64 `json:"amount"`
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	var got sample
	assert.ErrorIs(t, s.GetJSON(KeyDailyStats, &got), ErrNotFound)

	require.NoError(t, s.PutJSON(KeyDailyStats, sample{Date: "2026-03-02", Trades: 3, Amount: 1500.5}))
	require.NoError(t, s.GetJSON(KeyDailyStats, &got))
	assert.Equal(t, 3, got.Trades)

	require.NoError(t, s.Delete(KeyDailyStats))
	assert.ErrorIs(t, s.GetJSON(KeyDailyStats, &got), ErrNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(OpenOptions{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.PutJSON(KeyCircuitBreaker, map[string]string{"state": "OPEN"}))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	var got map[string]string
	require.NoError(t, s.GetJSON(KeyCircuitBreaker, &got))
	assert.Equal(t, "OPEN", got["state"])
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(OpenOptions{})
	assert.Error(t, err)
}
