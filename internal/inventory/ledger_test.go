package inventory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
)

// --- helpers ---

func makeFill(id string, side domain.Side, price, size float64) domain.Fill {
	return domain.Fill{
		ID:        id,
		TokenID:   "tok1",
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: time.Now().UTC(),
	}
}

// --- tests ---

func TestLedger_ApplyFill_Open(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	pos, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)

	assert.Equal(t, 100.0, pos.Size)
	assert.Equal(t, 0.40, pos.AvgEntry)
	assert.Equal(t, 0.0, pos.RealizedPnL)
}

func TestLedger_ApplyFill_WeightedAverage(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)
	pos, err := ledger.ApplyFill(makeFill("f2", domain.SideBuy, 0.50, 100))
	require.NoError(t, err)

	assert.Equal(t, 200.0, pos.Size)
	assert.InDelta(t, 0.45, pos.AvgEntry, 1e-9)
}

func TestLedger_ApplyFill_RealizedOnReduce(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)
	pos, err := ledger.ApplyFill(makeFill("f2", domain.SideSell, 0.46, 60))
	require.NoError(t, err)

	assert.Equal(t, 40.0, pos.Size)
	assert.Equal(t, 0.40, pos.AvgEntry, "la entrada media no cambia al reducir")
	assert.InDelta(t, 60*(0.46-0.40), pos.RealizedPnL, 1e-9)
}

func TestLedger_ApplyFill_CloseToFlat(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)
	pos, err := ledger.ApplyFill(makeFill("f2", domain.SideSell, 0.35, 100))
	require.NoError(t, err)

	assert.Equal(t, 0.0, pos.Size)
	assert.Equal(t, 0.0, pos.AvgEntry)
	assert.InDelta(t, 100*(0.35-0.40), pos.RealizedPnL, 1e-9)
}

func TestLedger_ApplyFill_CrossZero(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)
	// Vende 150: cierra 100 y abre un corto de 50 al precio del fill.
	pos, err := ledger.ApplyFill(makeFill("f2", domain.SideSell, 0.50, 150))
	require.NoError(t, err)

	assert.Equal(t, -50.0, pos.Size)
	assert.Equal(t, 0.50, pos.AvgEntry)
	assert.InDelta(t, 100*(0.50-0.40), pos.RealizedPnL, 1e-9)
}

func TestLedger_ApplyFill_DuplicateIsNoop(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	fill := makeFill("f1", domain.SideBuy, 0.40, 100)
	_, err := ledger.ApplyFill(fill)
	require.NoError(t, err)

	// Entrega duplicada: mismo ID, no cambia nada.
	pos, err := ledger.ApplyFill(fill)
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos.Size)
	assert.Len(t, pos.Fills, 1)
}

func TestLedger_ApplyFill_Invalid(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(domain.Fill{TokenID: "tok1", Side: domain.SideBuy, Price: 0.4, Size: 10})
	assert.Error(t, err, "fill sin ID")

	_, err = ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0, 10))
	assert.Error(t, err, "precio cero")

	_, err = ledger.ApplyFill(makeFill("f2", domain.SideBuy, 0.4, 0))
	assert.Error(t, err, "tamaño cero")
}

func TestLedger_Positions(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)

	other := makeFill("f2", domain.SideBuy, 0.60, 50)
	other.TokenID = "tok2"
	_, err = ledger.ApplyFill(other)
	require.NoError(t, err)

	positions := ledger.Positions()
	assert.Len(t, positions, 2)

	// Una posición plana sin P&L no aparece.
	assert.Equal(t, 0.0, ledger.Position("tok3").Size)
	assert.Len(t, ledger.Positions(), 2)
}

func TestLedger_PositionsValue(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)

	value := ledger.PositionsValue(func(tokenID string) (float64, bool) {
		return 0.45, true
	})
	assert.InDelta(t, 45.0, value, 1e-9)

	// Sin precio cae a la entrada media.
	value = ledger.PositionsValue(func(tokenID string) (float64, bool) {
		return 0, false
	})
	assert.InDelta(t, 40.0, value, 1e-9)
}

func TestLedger_DynamicRiskAversion_QuietMarket(t *testing.T) {
	ledger := inventory.New(inventory.Config{BaseRiskAversion: 0.05})

	// Sin muestras: devuelve la base.
	assert.Equal(t, 0.05, ledger.DynamicRiskAversion("tok1"))

	// Precios planos: vol corta == vol larga, ratio 1.
	now := time.Now()
	for i := 0; i < 10; i++ {
		ledger.ObservePrice("tok1", 0.50, now.Add(time.Duration(-10+i)*time.Second))
	}
	assert.InDelta(t, 0.05, ledger.DynamicRiskAversion("tok1"), 1e-9)
}

func TestLedger_DynamicRiskAversion_VolSpike(t *testing.T) {
	ledger := inventory.New(inventory.Config{
		BaseRiskAversion: 0.05,
		ShortVolWindow:   time.Minute,
		LongVolWindow:    15 * time.Minute,
		AversionCap:      3.0,
	})

	now := time.Now()
	// Baseline larga tranquila, fuera de la ventana corta.
	prices := []float64{0.500, 0.501, 0.500, 0.501, 0.500, 0.501, 0.500, 0.501}
	for i, p := range prices {
		ledger.ObservePrice("tok1", p, now.Add(time.Duration(-10+i)*time.Minute))
	}
	// Ventana corta con saltos grandes.
	spiky := []float64{0.50, 0.56, 0.48, 0.57, 0.47}
	for i, p := range spiky {
		ledger.ObservePrice("tok1", p, now.Add(time.Duration(-40+i*5)*time.Second))
	}

	gamma := ledger.DynamicRiskAversion("tok1")
	assert.Greater(t, gamma, 0.05, "vol corta alta ensancha la aversión")
	assert.LessOrEqual(t, gamma, 0.05*3.0+1e-9, "nunca más allá del cap")
}

func TestLedger_RecordMarkout(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	fill := makeFill("f1", domain.SideBuy, 0.40, 100)
	fill.MicroAt = 0.42
	_, err := ledger.ApplyFill(fill)
	require.NoError(t, err)

	// BUY de 100 y el micro sube 0.03: markout positivo.
	delta, err := ledger.RecordMarkout("f1", 0.45)
	require.NoError(t, err)
	assert.InDelta(t, 100*(0.45-0.42), delta, 1e-9)

	// Sin MicroAt usa el precio del fill como referencia.
	sell := makeFill("f2", domain.SideSell, 0.50, 50)
	_, err = ledger.ApplyFill(sell)
	require.NoError(t, err)
	delta, err = ledger.RecordMarkout("f2", 0.48)
	require.NoError(t, err)
	assert.InDelta(t, -50*(0.48-0.50), delta, 1e-9)

	_, err = ledger.RecordMarkout("inexistente", 0.5)
	assert.Error(t, err)
}

func TestLedger_ImportPositions(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	imported := domain.Position{
		TokenID:     "tok1",
		Size:        80,
		AvgEntry:    0.42,
		RealizedPnL: 1.5,
		Fills:       []domain.Fill{makeFill("f1", domain.SideBuy, 0.42, 80)},
	}
	ledger.ImportPositions([]domain.Position{imported})

	pos := ledger.Position("tok1")
	assert.Equal(t, 80.0, pos.Size)
	assert.Equal(t, 0.42, pos.AvgEntry)

	// Los fills importados cuentan para el dedup.
	pos, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.42, 80))
	require.NoError(t, err)
	assert.Equal(t, 80.0, pos.Size, "fill ya visto no se re-aplica")
}

func TestLedger_TotalRealized(t *testing.T) {
	ledger := inventory.New(inventory.Config{})

	_, err := ledger.ApplyFill(makeFill("f1", domain.SideBuy, 0.40, 100))
	require.NoError(t, err)
	_, err = ledger.ApplyFill(makeFill("f2", domain.SideSell, 0.45, 100))
	require.NoError(t, err)

	assert.InDelta(t, 5.0, ledger.TotalRealized(), 1e-9)
}
