package inventory

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	maxFillHistory  = 256
	maxPriceSamples = 1024

	defaultShortVolWindow = 1 * time.Minute
	defaultLongVolWindow  = 15 * time.Minute
	defaultAversionCap    = 3.0
)

// Config tunes the ledger's volatility-adaptive risk aversion.
type Config struct {
	BaseRiskAversion float64
	ShortVolWindow   time.Duration
	LongVolWindow    time.Duration
	// AversionCap limits dynamic aversion to this multiple of the base.
	AversionCap float64
}

func (c *Config) setDefaults() {
	if c.BaseRiskAversion <= 0 {
		c.BaseRiskAversion = 0.05
	}
	if c.ShortVolWindow <= 0 {
		c.ShortVolWindow = defaultShortVolWindow
	}
	if c.LongVolWindow <= 0 {
		c.LongVolWindow = defaultLongVolWindow
	}
	if c.AversionCap <= 0 {
		c.AversionCap = defaultAversionCap
	}
}

// priceSample is one observed micro-price, used for realized volatility.
type priceSample struct {
	price float64
	at    time.Time
}

// tokenLedger is the per-token critical section: position, fill dedup set
// and price samples all live behind one mutex so fills to the same token
// serialize while unrelated tokens never contend.
type tokenLedger struct {
	mu       sync.Mutex
	position domain.Position
	seen     map[string]bool        // fill IDs already applied
	byFill   map[string]domain.Fill // fills retained for markout lookup
	samples  []priceSample
}

// Ledger tracks positions and realized P&L per token. ApplyFill is the
// single mutation entry point; everything else returns copies.
type Ledger struct {
	mu     sync.RWMutex
	tokens map[string]*tokenLedger
	cfg    Config
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	cfg.setDefaults()
	return &Ledger{
		tokens: make(map[string]*tokenLedger),
		cfg:    cfg,
	}
}

func (l *Ledger) token(tokenID string) *tokenLedger {
	l.mu.RLock()
	tl, ok := l.tokens[tokenID]
	l.mu.RUnlock()
	if ok {
		return tl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok = l.tokens[tokenID]; ok {
		return tl
	}
	tl = &tokenLedger{
		position: domain.Position{TokenID: tokenID},
		seen:     make(map[string]bool),
		byFill:   make(map[string]domain.Fill),
	}
	l.tokens[tokenID] = tl
	return tl
}

// ApplyFill applies one fill atomically: signed size, weighted average
// entry, realized P&L on reducing fills, bounded history. Duplicate
// deliveries (same fill ID) are no-ops returning the current position.
func (l *Ledger) ApplyFill(fill domain.Fill) (domain.Position, error) {
	if fill.ID == "" {
		return domain.Position{}, fmt.Errorf("inventory.ApplyFill: fill without ID")
	}
	if fill.Size <= 0 || fill.Price <= 0 {
		return domain.Position{}, fmt.Errorf("inventory.ApplyFill: invalid fill %s: price=%.4f size=%.2f",
			fill.ID, fill.Price, fill.Size)
	}

	tl := l.token(fill.TokenID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.seen[fill.ID] {
		return tl.position, nil
	}
	tl.seen[fill.ID] = true
	tl.byFill[fill.ID] = fill

	pos := &tl.position
	delta := fill.SignedSize()

	switch {
	case pos.Size == 0 || sameSign(pos.Size, delta):
		// Opening or adding: re-weight the average entry.
		newSize := pos.Size + delta
		pos.AvgEntry = (math.Abs(pos.Size)*pos.AvgEntry + fill.Size*fill.Price) / math.Abs(newSize)
		pos.Size = newSize

	default:
		// Reducing (possibly crossing through zero): realize P&L on the
		// closed portion against the average entry.
		closed := math.Min(fill.Size, math.Abs(pos.Size))
		direction := sign(pos.Size)
		pos.RealizedPnL += closed * (fill.Price - pos.AvgEntry) * direction

		remainder := pos.Size + delta
		if sameSign(remainder, delta) && remainder != 0 {
			// Crossed zero: the leftover opens a fresh position at the fill price.
			pos.AvgEntry = fill.Price
		} else if remainder == 0 {
			pos.AvgEntry = 0
		}
		pos.Size = remainder
	}

	pos.Fills = append(pos.Fills, fill)
	if len(pos.Fills) > maxFillHistory {
		pos.Fills = pos.Fills[len(pos.Fills)-maxFillHistory:]
	}
	pos.UpdatedAt = fill.Timestamp

	return *pos, nil
}

// Position devuelve una copia de la posición del token.
func (l *Ledger) Position(tokenID string) domain.Position {
	tl := l.token(tokenID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.position
}

// Positions devuelve una copia de todas las posiciones con tamaño != 0.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	tls := make([]*tokenLedger, 0, len(l.tokens))
	for _, tl := range l.tokens {
		tls = append(tls, tl)
	}
	l.mu.RUnlock()

	out := make([]domain.Position, 0, len(tls))
	for _, tl := range tls {
		tl.mu.Lock()
		if tl.position.Size != 0 || tl.position.RealizedPnL != 0 {
			out = append(out, tl.position)
		}
		tl.mu.Unlock()
	}
	return out
}

// TotalRealized suma el P&L realizado de todos los tokens.
func (l *Ledger) TotalRealized() float64 {
	var total float64
	for _, p := range l.Positions() {
		total += p.RealizedPnL
	}
	return total
}

// PositionsValue marks every open position against the prices returned by
// pricer. Tokens without a price contribute their entry cost.
func (l *Ledger) PositionsValue(pricer func(tokenID string) (float64, bool)) float64 {
	var total float64
	for _, p := range l.Positions() {
		price, ok := pricer(p.TokenID)
		if !ok || price == 0 {
			price = p.AvgEntry
		}
		total += p.Size * price
	}
	return total
}

// ObservePrice records a micro-price sample for the volatility windows.
// The maker engine calls this once per cycle per quoted token.
func (l *Ledger) ObservePrice(tokenID string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	tl := l.token(tokenID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.samples = append(tl.samples, priceSample{price: price, at: at})
	if len(tl.samples) > maxPriceSamples {
		tl.samples = tl.samples[len(tl.samples)-maxPriceSamples:]
	}
}

// DynamicRiskAversion escala la aversión base por el ratio entre la
// volatilidad realizada corta y la baseline larga, con tope en
// AversionCap × base. En régimen tranquilo devuelve la base; cuando la
// vol corta se dispara, el quote engine ensancha el skew.
func (l *Ledger) DynamicRiskAversion(tokenID string) float64 {
	tl := l.token(tokenID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	base := l.cfg.BaseRiskAversion
	now := time.Now()
	shortVol := realizedVol(tl.samples, now.Add(-l.cfg.ShortVolWindow))
	longVol := realizedVol(tl.samples, now.Add(-l.cfg.LongVolWindow))

	if shortVol == 0 || longVol == 0 {
		return base
	}

	ratio := shortVol / longVol
	if ratio < 1 {
		ratio = 1
	}
	if ratio > l.cfg.AversionCap {
		ratio = l.cfg.AversionCap
	}
	return base * ratio
}

// RecordMarkout computes the forward P&L of a fill at a later price,
// relative to the micro-price captured at fill time. Positive means the
// market moved in the fill's favour.
func (l *Ledger) RecordMarkout(fillID string, laterPrice float64) (float64, error) {
	l.mu.RLock()
	tls := make([]*tokenLedger, 0, len(l.tokens))
	for _, tl := range l.tokens {
		tls = append(tls, tl)
	}
	l.mu.RUnlock()

	for _, tl := range tls {
		tl.mu.Lock()
		fill, ok := tl.byFill[fillID]
		tl.mu.Unlock()
		if !ok {
			continue
		}
		ref := fill.MicroAt
		if ref == 0 {
			ref = fill.Price
		}
		return (laterPrice - ref) * fill.SignedSize(), nil
	}
	return 0, fmt.Errorf("inventory.RecordMarkout: unknown fill %q", fillID)
}

// ImportPositions reemplaza las posiciones con las del snapshot importado.
// Solo para rehidratación en arranque, antes de operar.
func (l *Ledger) ImportPositions(positions []domain.Position) {
	for _, p := range positions {
		tl := l.token(p.TokenID)
		tl.mu.Lock()
		tl.position = p
		for _, f := range p.Fills {
			tl.seen[f.ID] = true
			tl.byFill[f.ID] = f
		}
		tl.mu.Unlock()
	}
}

// realizedVol is the standard deviation of simple returns between
// consecutive samples newer than cutoff.
func realizedVol(samples []priceSample, cutoff time.Time) float64 {
	var returns []float64
	var prev float64
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		if prev > 0 {
			returns = append(returns, (s.price-prev)/prev)
		}
		prev = s.price
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
