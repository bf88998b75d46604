package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/outbox"
)

func TestSQLiteRecordAndQuery(t *testing.T) {
	t.Parallel()

	j, err := Open(filepath.Join(t.TempDir(), "audit", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	ctx := context.Background()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	for i, sym := range []string{"ACME", "BETA", "ACME"} {
		err := j.Record(ctx, outbox.Record{
			Type:           outbox.TypeDecision,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			Symbol:         sym,
			Side:           "buy",
			Qty:            10,
			Price:          5.25,
			StrategyID:     "momentum",
			IdempotencyKey: outbox.NewIdempotencyKey(),
			Metadata:       map[string]string{"won_by": "confidence"},
		})
		require.NoError(t, err)
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ACME", recent[0].Symbol)
	assert.Equal(t, "BETA", recent[1].Symbol)

	acme, err := j.BySymbol(ctx, "ACME")
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.True(t, acme[0].Timestamp.Before(acme[1].Timestamp))
	assert.Equal(t, "confidence", acme[0].Metadata["won_by"])
	assert.NotEmpty(t, acme[0].ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
