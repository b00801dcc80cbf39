package marketdata

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Cache mantiene el último MarketSnapshot por token. Cada token tiene su
// propio puntero atómico: los lectores nunca ven un snapshot a medias y
// tokens distintos nunca se bloquean entre sí. El mutex del registro solo
// protege el mapa (altas/bajas de suscripción), no las actualizaciones.
type Cache struct {
	mu     sync.RWMutex
	tokens map[string]*tokenState

	seq     atomic.Uint64 // contador local monótono, uno por mensaje aplicado
	lastMsg atomic.Int64  // unix nanos del último mensaje de cualquier token

	// resub se señala cuando cambia el conjunto de suscripciones para que
	// el feed redialee con la lista nueva.
	resub chan struct{}
}

type tokenState struct {
	snap  atomic.Pointer[domain.MarketSnapshot]
	stale atomic.Bool // forzado tras un disconnect, hasta el primer mensaje nuevo
}

// NewCache crea un cache vacío.
func NewCache() *Cache {
	return &Cache{
		tokens: make(map[string]*tokenState),
		resub:  make(chan struct{}, 1),
	}
}

// Subscribe registra un token para recibir market data. Idempotente.
func (c *Cache) Subscribe(tokenID string) {
	c.mu.Lock()
	_, exists := c.tokens[tokenID]
	if !exists {
		st := &tokenState{}
		st.stale.Store(true) // sin datos todavía
		c.tokens[tokenID] = st
	}
	c.mu.Unlock()

	if !exists {
		c.signalResub()
	}
}

// Unsubscribe da de baja un token y descarta su snapshot.
func (c *Cache) Unsubscribe(tokenID string) {
	c.mu.Lock()
	_, exists := c.tokens[tokenID]
	delete(c.tokens, tokenID)
	c.mu.Unlock()

	if exists {
		c.signalResub()
	}
}

// ActiveTokens devuelve los tokens actualmente suscritos.
func (c *Cache) ActiveTokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		out = append(out, id)
	}
	return out
}

// Apply incorpora un evento del feed: calcula el micro-price, asigna el
// siguiente número de secuencia local y reemplaza el snapshot del token de
// forma atómica. Eventos de tokens no suscritos se ignoran.
func (c *Cache) Apply(ev domain.BookEvent) {
	c.mu.RLock()
	st, ok := c.tokens[ev.TokenID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	now := ev.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	bid := ev.Book.BestBid()
	ask := ev.Book.BestAsk()
	snap := &domain.MarketSnapshot{
		TokenID:    ev.TokenID,
		BestBid:    bid,
		BestAsk:    ask,
		MicroPrice: domain.MicroPrice(bid, ask),
		Seq:        c.seq.Add(1),
		UpdatedAt:  now,
	}

	st.snap.Store(snap)
	st.stale.Store(false)
	c.lastMsg.Store(now.UnixNano())
}

// Snapshot devuelve el último snapshot del token, o ok=false si no hay.
func (c *Cache) Snapshot(tokenID string) (domain.MarketSnapshot, bool) {
	c.mu.RLock()
	st, ok := c.tokens[tokenID]
	c.mu.RUnlock()
	if !ok {
		return domain.MarketSnapshot{}, false
	}
	snap := st.snap.Load()
	if snap == nil {
		return domain.MarketSnapshot{}, false
	}
	return *snap, true
}

// IsStale devuelve true si el token no tiene snapshot, si fue marcado stale
// tras un disconnect, o si su último mensaje es más viejo que threshold.
// Los consumidores deben negarse a cotizar/ejecutar contra tokens stale.
func (c *Cache) IsStale(tokenID string, threshold time.Duration) bool {
	c.mu.RLock()
	st, ok := c.tokens[tokenID]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	if st.stale.Load() {
		return true
	}
	snap := st.snap.Load()
	if snap == nil {
		return true
	}
	return snap.Staleness(time.Now()) > threshold
}

// SilenceFor devuelve cuánto lleva el token sin recibir mensajes.
// Devuelve un valor enorme si nunca recibió ninguno.
func (c *Cache) SilenceFor(tokenID string) time.Duration {
	snap, ok := c.Snapshot(tokenID)
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return snap.Staleness(time.Now())
}

// LastMessageAge devuelve el tiempo desde el último mensaje de CUALQUIER
// token. El monitor de riesgo lo usa para detectar el feed caído.
func (c *Cache) LastMessageAge() time.Duration {
	ns := c.lastMsg.Load()
	if ns == 0 {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(time.Unix(0, ns))
}

// MarkAllStale fuerza stale en todos los tokens. El feed lo llama al
// perder la conexión: los snapshots viejos siguen legibles pero ningún
// consumidor debe operar contra ellos hasta el primer mensaje nuevo.
func (c *Cache) MarkAllStale() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.tokens {
		st.stale.Store(true)
	}
}

func (c *Cache) signalResub() {
	select {
	case c.resub <- struct{}{}:
	default:
	}
}

// ResubSignal devuelve el canal que se señala al cambiar las suscripciones.
func (c *Cache) ResubSignal() <-chan struct{} {
	return c.resub
}
