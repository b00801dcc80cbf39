package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

const (
	defaultBaseDelay     = 1 * time.Second
	defaultMaxDelay      = 60 * time.Second
	defaultLivenessBound = 500 * time.Millisecond
	watchdogInterval     = 250 * time.Millisecond
)

// FeedConfig controla la reconexión y el watchdog de liveness.
type FeedConfig struct {
	// BaseDelay es el delay inicial del backoff exponencial (se duplica
	// en cada intento fallido hasta MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// LivenessBound es el silencio máximo por token antes de sospechar un
	// gap. Debe ser menor que el umbral de staleness de los consumidores:
	// el watchdog refresca por REST antes de que el token llegue a stale.
	LivenessBound time.Duration
}

func (c *FeedConfig) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.LivenessBound <= 0 {
		c.LivenessBound = defaultLivenessBound
	}
}

// Feed mantiene la conexión streaming viva y alimenta el Cache. Una sola
// goroutine consume los eventos: una submisión de orden lenta jamás frena
// el procesado de market data.
type Feed struct {
	cache    *Cache
	streamer ports.BookStreamer
	fetcher  ports.BookFetcher
	tel      ports.Telemetry
	cfg      FeedConfig

	refreshMu  sync.Mutex
	refreshing map[string]bool // tokens con refresh REST en vuelo
}

// NewFeed crea el feed. fetcher puede ser el mismo adapter que streamer.
func NewFeed(cache *Cache, streamer ports.BookStreamer, fetcher ports.BookFetcher, tel ports.Telemetry, cfg FeedConfig) *Feed {
	cfg.setDefaults()
	return &Feed{
		cache:      cache,
		streamer:   streamer,
		fetcher:    fetcher,
		tel:        tel,
		cfg:        cfg,
		refreshing: make(map[string]bool),
	}
}

// Run bloquea hasta que ctx se cancele. Reconecta con backoff exponencial
// y resuscribe todos los tokens activos tras cada caída.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.cfg.BaseDelay
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tokens := f.cache.ActiveTokens()
		if len(tokens) == 0 {
			// Sin suscripciones no hay nada que dial-ear; espera a que
			// el descubridor externo registre tokens.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.cache.ResubSignal():
			case <-time.After(time.Second):
			}
			continue
		}

		events, err := f.streamer.StreamBook(ctx, tokens)
		if err != nil {
			attempt++
			slog.Warn("feed: connection failed",
				"err", err, "attempt", attempt, "retry_in", delay)
			f.tel.Emit(domain.NewEvent(domain.EventFeedReconnect, "", map[string]any{
				"err": err.Error(), "attempt": attempt,
			}))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.cfg.MaxDelay {
				delay = f.cfg.MaxDelay
			}
			continue
		}

		slog.Info("feed: connected", "tokens", len(tokens))
		delay = f.cfg.BaseDelay
		attempt = 0

		f.consume(ctx, events)

		// La conexión murió (o cambiaron las suscripciones): nada de lo
		// cacheado es de fiar hasta el primer mensaje post-reconexión.
		f.cache.MarkAllStale()
		f.tel.Emit(domain.NewEvent(domain.EventStaleness, "", map[string]any{
			"tokens": len(tokens),
		}))
		slog.Warn("feed: disconnected, snapshots marked stale")
	}
}

// consume lee eventos hasta que el canal se cierre, vigilando el silencio
// por token. Vuelve cuando hay que redial-ear.
func (f *Feed) consume(ctx context.Context, events <-chan domain.BookEvent) {
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			f.cache.Apply(ev)

		case <-f.cache.ResubSignal():
			// El conjunto de tokens cambió: redial con la lista nueva.
			slog.Info("feed: subscription set changed, redialing")
			return

		case <-watchdog.C:
			f.checkLiveness(ctx)
		}
	}
}

// checkLiveness busca tokens en silencio más allá del bound y dispara un
// refresh REST asíncrono por cada uno, sin tirar la conexión. El feed
// upstream no manda números de secuencia del servidor, así que el silencio
// prolongado es la única señal de gap disponible.
func (f *Feed) checkLiveness(ctx context.Context) {
	now := time.Now()
	for _, tokenID := range f.cache.ActiveTokens() {
		snap, ok := f.cache.Snapshot(tokenID)
		if !ok {
			continue // todavía sin primer mensaje, lo cubre el stale inicial
		}
		silence := snap.Staleness(now)
		if silence <= f.cfg.LivenessBound {
			continue
		}
		f.refreshMu.Lock()
		inFlight := f.refreshing[tokenID]
		if !inFlight {
			f.refreshing[tokenID] = true
		}
		f.refreshMu.Unlock()
		if inFlight {
			continue
		}

		slog.Warn("feed: suspected gap, refreshing via REST",
			"token", tokenID, "silence", silence)
		f.tel.Emit(domain.NewEvent(domain.EventGapSuspected, tokenID, map[string]any{
			"silence_ms": silence.Milliseconds(),
			"seq":        snap.Seq,
		}))

		go func(tokenID string) {
			defer func() {
				f.refreshMu.Lock()
				delete(f.refreshing, tokenID)
				f.refreshMu.Unlock()
			}()
			if err := f.refreshToken(ctx, tokenID); err != nil {
				slog.Warn("feed: REST refresh failed", "token", tokenID, "err", err)
			}
		}(tokenID)
	}
}

// refreshToken trae el book completo por REST y lo aplica como snapshot.
func (f *Feed) refreshToken(ctx context.Context, tokenID string) error {
	books, err := f.fetcher.FetchOrderBooks(ctx, []string{tokenID})
	if err != nil {
		return fmt.Errorf("feed.refreshToken: %w", err)
	}
	book, ok := books[tokenID]
	if !ok {
		return fmt.Errorf("feed.refreshToken: no book returned for %s", tokenID)
	}
	f.cache.Apply(domain.BookEvent{
		Kind:       domain.BookEventSnapshot,
		TokenID:    tokenID,
		Book:       book,
		ReceivedAt: time.Now().UTC(),
	})
	return nil
}
