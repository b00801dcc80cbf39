package quote_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

// --- mocks ---

type mockInFlight struct {
	tokens map[string]bool
}

func (m *mockInFlight) InFlight(tokenID string) bool { return m.tokens[tokenID] }

// --- helpers ---

type quoteEnv struct {
	cache    *marketdata.Cache
	ledger   *inventory.Ledger
	riskCtrl *risk.Controller
	inflight *mockInFlight
	engine   *quote.Engine
}

func makeQuoteEnv(t *testing.T, invCfg inventory.Config, cfg quote.Config) *quoteEnv {
	t.Helper()
	env := &quoteEnv{
		cache:    marketdata.NewCache(),
		ledger:   inventory.New(invCfg),
		inflight: &mockInFlight{tokens: make(map[string]bool)},
	}
	env.riskCtrl = risk.New(risk.Config{},
		func(ctx context.Context) (float64, error) { return 1000, nil },
		func() time.Duration { return 0 },
		ports.NopTelemetry{},
	)
	env.engine = quote.New(env.cache, env.ledger, env.riskCtrl, env.inflight, ports.NopTelemetry{}, cfg)
	return env
}

func (env *quoteEnv) feedBook(tokenID string, bidPx, bidSz, askPx, askSz float64) {
	env.cache.Subscribe(tokenID)
	env.cache.Apply(domain.BookEvent{
		Kind:    domain.BookEventSnapshot,
		TokenID: tokenID,
		Book: domain.OrderBook{
			TokenID: tokenID,
			Bids:    []domain.BookEntry{{Price: bidPx, Size: bidSz}},
			Asks:    []domain.BookEntry{{Price: askPx, Size: askSz}},
		},
		ReceivedAt: time.Now().UTC(),
	})
}

// --- tests ---

func TestEngine_FlatInventoryQuote(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{
		BaseSpread:    0.04,
		MinHalfSpread: 0.001,
		QuoteSize:     10,
	})
	env.feedBook("tok1", 0.50, 100, 0.52, 100)

	q, ok := env.engine.ComputeQuotes("tok1", 0.01)
	require.True(t, ok)

	// Micro = 0.51, inventario plano: simétrico alrededor del fair value.
	assert.InDelta(t, 0.49, q.BidPrice, 1e-9)
	assert.InDelta(t, 0.53, q.AskPrice, 1e-9)
	assert.Equal(t, 10.0, q.BidSize)
	assert.Equal(t, 10.0, q.AskSize)
}

func TestEngine_InventorySkew(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{BaseRiskAversion: 0.0001}, quote.Config{
		BaseSpread:    0.04,
		MinHalfSpread: 0.001,
	})
	env.feedBook("tok1", 0.50, 100, 0.52, 100)

	// Largo 100 shares: la reserva baja para atraer ventas.
	_, err := env.ledger.ApplyFill(domain.Fill{
		ID: "f1", TokenID: "tok1", Side: domain.SideBuy,
		Price: 0.50, Size: 100, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	q, ok := env.engine.ComputeQuotes("tok1", 0.01)
	require.True(t, ok)

	// reservation = 0.51 − 100·0.0001 = 0.50, y sin configurar nada el
	// widen por defecto abre el half-spread 100·0.0001 = 0.01.
	assert.InDelta(t, 0.47, q.BidPrice, 1e-9)
	assert.InDelta(t, 0.53, q.AskPrice, 1e-9)
}

func TestEngine_BoundaryWidening(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{
		BaseSpread:    0.04,
		MinHalfSpread: 0.001,
		BoundaryBand:  0.10,
		BoundaryMult:  2.0,
	})
	env.feedBook("mid", 0.50, 100, 0.52, 100)
	env.feedBook("edge", 0.04, 100, 0.06, 100)

	qMid, ok := env.engine.ComputeQuotes("mid", 0.01)
	require.True(t, ok)
	qEdge, ok := env.engine.ComputeQuotes("edge", 0.01)
	require.True(t, ok)

	midSpread := qMid.AskPrice - qMid.BidPrice
	edgeSpread := qEdge.AskPrice - qEdge.BidPrice
	assert.InDelta(t, 2*midSpread, edgeSpread, 1e-9, "cerca de 0/1 el spread se duplica")
}

func TestEngine_RefusesWhenNotRunning(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{})
	env.feedBook("tok1", 0.50, 100, 0.52, 100)

	env.riskCtrl.Degrade("test")
	_, ok := env.engine.ComputeQuotes("tok1", 0.01)
	assert.False(t, ok)
}

func TestEngine_RefusesStale(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{StaleThreshold: 100 * time.Millisecond})
	env.cache.Subscribe("tok1")
	env.cache.Apply(domain.BookEvent{
		Kind:    domain.BookEventSnapshot,
		TokenID: "tok1",
		Book: domain.OrderBook{
			Bids: []domain.BookEntry{{Price: 0.50, Size: 100}},
			Asks: []domain.BookEntry{{Price: 0.52, Size: 100}},
		},
		ReceivedAt: time.Now().Add(-time.Second),
	})

	_, ok := env.engine.ComputeQuotes("tok1", 0.01)
	assert.False(t, ok)
}

func TestEngine_RefusesInFlight(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{})
	env.feedBook("tok1", 0.50, 100, 0.52, 100)

	env.inflight.tokens["tok1"] = true
	_, ok := env.engine.ComputeQuotes("tok1", 0.01)
	assert.False(t, ok)

	env.inflight.tokens["tok1"] = false
	_, ok = env.engine.ComputeQuotes("tok1", 0.01)
	assert.True(t, ok)
}

func TestEngine_RefusesNoSnapshot(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{})
	_, ok := env.engine.ComputeQuotes("tok1", 0.01)
	assert.False(t, ok)
}

func TestEngine_RefusesCrossedQuote(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{
		BaseSpread:    0.04,
		MinHalfSpread: 0.001,
	})
	env.feedBook("tok1", 0.50, 100, 0.52, 100)

	// Con tick 0.1 ambos lados redondean al mismo nivel.
	_, ok := env.engine.ComputeQuotes("tok1", 0.1)
	assert.False(t, ok)
}

func TestEngine_Reconcile(t *testing.T) {
	env := makeQuoteEnv(t, inventory.Config{}, quote.Config{})

	assert.Equal(t, domain.QuotePlace, env.engine.Reconcile(nil, 0.50, 0.01))

	filled := &domain.Order{Price: 0.50, Status: domain.OrderFilled}
	assert.Equal(t, domain.QuotePlace, env.engine.Reconcile(filled, 0.50, 0.01),
		"una orden terminal no cuenta como resting")

	resting := &domain.Order{Price: 0.50, Status: domain.OrderOpen}
	assert.Equal(t, domain.QuoteKeep, env.engine.Reconcile(resting, 0.50, 0.01))
	assert.Equal(t, domain.QuoteKeep, env.engine.Reconcile(resting, 0.51, 0.01),
		"dentro de un tick se conserva la posición en cola")
	assert.Equal(t, domain.QuoteReplace, env.engine.Reconcile(resting, 0.53, 0.01))
}
