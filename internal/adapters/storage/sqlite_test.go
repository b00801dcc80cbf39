package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/adapters/storage"
	"github.com/alejandrodnm/polymaker/internal/domain"
)

func makeSnapshot(equity float64) domain.StateSnapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.StateSnapshot{
		Positions: []domain.Position{
			{TokenID: "tok-yes", Size: 120, AvgEntry: 0.42, RealizedPnL: 3.5, UpdatedAt: now},
			{TokenID: "tok-no", Size: -30, AvgEntry: 0.55, RealizedPnL: -1.2, UpdatedAt: now},
		},
		Risk: domain.RiskSnapshot{
			State:      domain.StateRunning,
			Equity:     equity,
			PeakEquity: equity,
		},
		ExportedAt: now,
	}
}

func TestSQLiteStore_SaveAndLoadSnapshot(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	snap := makeSnapshot(1000)
	require.NoError(t, db.SaveSnapshot(context.Background(), snap))

	loaded, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, loaded.Positions, 2)
	assert.Equal(t, domain.StateRunning, loaded.Risk.State)
	assert.InDelta(t, 1000, loaded.Risk.Equity, 0.001)

	byToken := map[string]domain.Position{}
	for _, p := range loaded.Positions {
		byToken[p.TokenID] = p
	}
	assert.InDelta(t, 120, byToken["tok-yes"].Size, 0.001)
	assert.InDelta(t, 0.42, byToken["tok-yes"].AvgEntry, 0.001)
	assert.InDelta(t, -30, byToken["tok-no"].Size, 0.001)
}

func TestSQLiteStore_LoadSnapshot_Empty(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_SnapshotOverwrite(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.SaveSnapshot(context.Background(), makeSnapshot(1000)))

	// Segundo checkpoint con una sola posición: debe reemplazar al primero
	snap := makeSnapshot(950)
	snap.Positions = snap.Positions[:1]
	snap.Risk.State = domain.StateDegraded
	require.NoError(t, db.SaveSnapshot(context.Background(), snap))

	loaded, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, loaded.Positions, 1)
	assert.Equal(t, domain.StateDegraded, loaded.Risk.State)
	assert.InDelta(t, 950, loaded.Risk.Equity, 0.001)
}

func TestSQLiteStore_SaveFill_Idempotent(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	fill := domain.Fill{
		ID:        "trade-1",
		TokenID:   "tok-yes",
		Side:      domain.SideBuy,
		Price:     0.44,
		Size:      50,
		MicroAt:   0.445,
		Timestamp: time.Now().UTC(),
	}

	require.NoError(t, db.SaveFill(context.Background(), fill))
	// Re-entrega del mismo fill: no-op, sin error
	require.NoError(t, db.SaveFill(context.Background(), fill))
}

func TestSQLiteStore_SaveExecution(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	result := domain.ExecutionResult{
		BasketID: "basket-1",
		Phase:    domain.PhaseFillCompletion,
		Legs: []domain.LegResult{
			{
				Leg:        domain.Leg{TokenID: "tok-yes", Side: domain.SideBuy, Price: 0.44, Size: 50},
				OrderID:    "ord-1",
				Status:     domain.LegFilled,
				FilledSize: 50,
				FillPrice:  0.44,
			},
		},
		Success:     true,
		TotalCost:   22,
		TotalFilled: 50,
		StartedAt:   now,
		FinishedAt:  now.Add(2 * time.Second),
	}

	require.NoError(t, db.SaveExecution(context.Background(), result))
	// Mismo basket ID: no-op
	require.NoError(t, db.SaveExecution(context.Background(), result))
}
