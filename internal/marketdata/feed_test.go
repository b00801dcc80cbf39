package marketdata_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

// --- mocks ---

type mockStreamer struct {
	mu    sync.Mutex
	dials int
	errs  []error                // errores a devolver por orden en cada dial
	chans []chan domain.BookEvent
}

func (m *mockStreamer) StreamBook(ctx context.Context, tokenIDs []string) (<-chan domain.BookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.dials
	m.dials++
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	ch := make(chan domain.BookEvent, 16)
	m.chans = append(m.chans, ch)
	return ch, nil
}

func (m *mockStreamer) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func (m *mockStreamer) channel(i int) chan domain.BookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.chans) {
		return nil
	}
	return m.chans[i]
}

type mockFetcher struct {
	mu    sync.Mutex
	calls [][]string
	books map[string]domain.OrderBook
	err   error
}

func (m *mockFetcher) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, tokenIDs)
	if m.err != nil {
		return nil, m.err
	}
	return m.books, nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type captureTelemetry struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureTelemetry) Emit(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureTelemetry) has(kind domain.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// --- helpers ---

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// drainResub consume la señal pendiente de los Subscribe previos al
// arranque del feed, como hace el primer dial en producción.
func drainResub(cache *marketdata.Cache) {
	select {
	case <-cache.ResubSignal():
	default:
	}
}

// --- tests ---

func TestFeed_AppliesEvents(t *testing.T) {
	cache := marketdata.NewCache()
	cache.Subscribe("tok1")
	streamer := &mockStreamer{}
	feed := marketdata.NewFeed(cache, streamer, &mockFetcher{}, ports.NopTelemetry{}, marketdata.FeedConfig{})

	drainResub(cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() == 1 }, "nunca conectó")
	streamer.channel(0) <- makeBookEvent("tok1", 0.40, 100, 0.44, 100)

	waitUntil(t, 2*time.Second, func() bool {
		snap, ok := cache.Snapshot("tok1")
		return ok && snap.BestBid.Price == 0.40
	}, "el evento nunca llegó al cache")
}

func TestFeed_ReconnectsWithBackoff(t *testing.T) {
	cache := marketdata.NewCache()
	cache.Subscribe("tok1")
	streamer := &mockStreamer{errs: []error{errors.New("dial refused"), errors.New("dial refused")}}
	feed := marketdata.NewFeed(cache, streamer, &mockFetcher{}, ports.NopTelemetry{}, marketdata.FeedConfig{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})

	drainResub(cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	// Dos fallos y después conecta.
	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() >= 3 }, "no reintentó tras fallar")
}

func TestFeed_MarksStaleOnDisconnect(t *testing.T) {
	cache := marketdata.NewCache()
	cache.Subscribe("tok1")
	streamer := &mockStreamer{}
	tel := &captureTelemetry{}
	feed := marketdata.NewFeed(cache, streamer, &mockFetcher{}, tel, marketdata.FeedConfig{
		BaseDelay: 10 * time.Millisecond,
	})

	drainResub(cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() == 1 }, "nunca conectó")
	streamer.channel(0) <- makeBookEvent("tok1", 0.40, 100, 0.44, 100)
	waitUntil(t, 2*time.Second, func() bool { return !cache.IsStale("tok1", time.Minute) }, "evento no aplicado")

	// La conexión muere: todo pasa a stale hasta el primer mensaje nuevo,
	// y la caída se anuncia por telemetría.
	close(streamer.channel(0))
	waitUntil(t, 2*time.Second, func() bool { return cache.IsStale("tok1", time.Minute) }, "no marcó stale al caer")
	waitUntil(t, 2*time.Second, func() bool { return tel.has(domain.EventStaleness) }, "no emitió el evento de staleness")

	// Reconecta y el primer mensaje limpia la marca.
	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() >= 2 }, "no reconectó")
	streamer.channel(1) <- makeBookEvent("tok1", 0.41, 100, 0.45, 100)
	waitUntil(t, 2*time.Second, func() bool { return !cache.IsStale("tok1", time.Minute) }, "el mensaje nuevo no limpió el stale")
}

func TestFeed_GapRefreshViaREST(t *testing.T) {
	cache := marketdata.NewCache()
	cache.Subscribe("tok1")
	streamer := &mockStreamer{}
	fetcher := &mockFetcher{books: map[string]domain.OrderBook{
		"tok1": {
			TokenID: "tok1",
			Bids:    []domain.BookEntry{{Price: 0.42, Size: 100}},
			Asks:    []domain.BookEntry{{Price: 0.46, Size: 100}},
		},
	}}
	feed := marketdata.NewFeed(cache, streamer, fetcher, ports.NopTelemetry{}, marketdata.FeedConfig{
		LivenessBound: 50 * time.Millisecond,
	})

	drainResub(cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() == 1 }, "nunca conectó")

	// Un mensaje y después silencio: el watchdog sospecha un gap y
	// refresca por REST sin tirar la conexión.
	old := makeBookEvent("tok1", 0.40, 100, 0.44, 100)
	old.ReceivedAt = time.Now().Add(-time.Second)
	streamer.channel(0) <- old

	waitUntil(t, 3*time.Second, func() bool { return fetcher.callCount() >= 1 }, "el watchdog nunca refrescó")
	waitUntil(t, 2*time.Second, func() bool {
		snap, ok := cache.Snapshot("tok1")
		return ok && snap.BestBid.Price == 0.42
	}, "el book REST nunca llegó al cache")

	require.Equal(t, 1, streamer.dialCount(), "el refresh no debe redial-ear")
	assert.False(t, cache.IsStale("tok1", time.Minute))
}

func TestFeed_RedialsOnSubscriptionChange(t *testing.T) {
	cache := marketdata.NewCache()
	cache.Subscribe("tok1")
	streamer := &mockStreamer{}
	feed := marketdata.NewFeed(cache, streamer, &mockFetcher{}, ports.NopTelemetry{}, marketdata.FeedConfig{
		BaseDelay: 10 * time.Millisecond,
	})

	drainResub(cache)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() == 1 }, "nunca conectó")

	cache.Subscribe("tok2")
	waitUntil(t, 2*time.Second, func() bool { return streamer.dialCount() >= 2 }, "no redial-eó con la lista nueva")
}
