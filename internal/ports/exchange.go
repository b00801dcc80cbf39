package ports

import (
	"context"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// ExchangeClient is the narrow capability the core uses to talk to the
// CLOB. Signing, authentication and transport details live entirely in the
// adapter — the core never builds exchange-specific auth.
type ExchangeClient interface {
	// SubmitOrder signs and submits a limit order. Returns the local shadow
	// copy with the exchange-assigned ID once acknowledged.
	SubmitOrder(ctx context.Context, leg domain.Leg, tif domain.TimeInForce) (domain.Order, error)

	// CancelOrder cancels an order by its exchange ID.
	CancelOrder(ctx context.Context, exchangeID string) error

	// OrderStatus polls the current status of an order.
	OrderStatus(ctx context.Context, exchangeID string) (domain.Order, error)

	// GetBalance returns the available USDC.e balance in the CLOB.
	GetBalance(ctx context.Context) (float64, error)
}

// BookStreamer abre el stream de market data. Cada llamada marca UNA
// conexión: el canal se cierra cuando la conexión muere. La política de
// reconexión (backoff, resuscripción) vive en el feed del cache, no aquí.
type BookStreamer interface {
	StreamBook(ctx context.Context, tokenIDs []string) (<-chan domain.BookEvent, error)
}

// FillStreamer abre el stream autenticado de fills del usuario. Misma
// semántica de conexión única que BookStreamer.
type FillStreamer interface {
	StreamFills(ctx context.Context) (<-chan domain.FillEvent, error)
}

// BookFetcher obtiene orderbooks completos por REST. Usado por el feed
// para refrescar un token tras un gap sospechado.
type BookFetcher interface {
	// FetchOrderBooks devuelve los orderbooks para los token_ids dados.
	// Internamente agrupa los IDs en batches de máx 20 para minimizar requests.
	FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error)
}
