package quote

import (
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

const (
	defaultStaleThreshold = 2 * time.Second
	defaultBaseSpread     = 0.02
	defaultMinHalfSpread  = 0.005
	// defaultInventoryWiden: +0.0001 de half-spread por share; con 100
	// shares de inventario el lado expuesto se abre un céntimo.
	defaultInventoryWiden = 0.0001
	defaultBoundaryBand   = 0.10
	defaultBoundaryMult   = 2.0
	defaultQuoteSize      = 50
)

// Config tunes quote generation.
type Config struct {
	// StaleThreshold: snapshots older than this refuse to quote.
	StaleThreshold time.Duration
	// BaseSpread is the full spread quoted with flat inventory.
	BaseSpread float64
	// MinHalfSpread is the floor on each side's distance to reservation.
	MinHalfSpread float64
	// InventoryWiden widens the half-spread per share of inventory.
	InventoryWiden float64
	// BoundaryBand y BoundaryMult: a menos de BoundaryBand de 0 o 1 el
	// half-spread se multiplica por BoundaryMult. La varianza Bernoulli
	// p·(1−p) colapsa en los extremos y los modelos ingenuos cotizan
	// demasiado fino justo donde la selección adversa es máxima.
	BoundaryBand float64
	BoundaryMult float64
	// QuoteSize is the target size per side, in shares.
	QuoteSize float64
}

func (c *Config) setDefaults() {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.BaseSpread <= 0 {
		c.BaseSpread = defaultBaseSpread
	}
	if c.MinHalfSpread <= 0 {
		c.MinHalfSpread = defaultMinHalfSpread
	}
	if c.InventoryWiden <= 0 {
		c.InventoryWiden = defaultInventoryWiden
	}
	if c.BoundaryBand <= 0 {
		c.BoundaryBand = defaultBoundaryBand
	}
	if c.BoundaryMult <= 0 {
		c.BoundaryMult = defaultBoundaryMult
	}
	if c.QuoteSize <= 0 {
		c.QuoteSize = defaultQuoteSize
	}
}

// InFlightChecker reports whether a basket execution is currently running
// for the token. Quoting against a token mid-execution risks self-crossing.
type InFlightChecker interface {
	InFlight(tokenID string) bool
}

// Engine computes target two-sided quotes from cached market state and
// current inventory, gated by the risk controller.
type Engine struct {
	cache    *marketdata.Cache
	ledger   *inventory.Ledger
	riskCtrl *risk.Controller
	inflight InFlightChecker
	tel      ports.Telemetry
	cfg      Config
}

// New creates a quote engine.
func New(cache *marketdata.Cache, ledger *inventory.Ledger, riskCtrl *risk.Controller, inflight InFlightChecker, tel ports.Telemetry, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		cache:    cache,
		ledger:   ledger,
		riskCtrl: riskCtrl,
		inflight: inflight,
		tel:      tel,
		cfg:      cfg,
	}
}

// ComputeQuotes devuelve el quote objetivo para un token, o ok=false si se
// rehúsa a cotizar: riesgo no RUNNING, snapshot stale/ausente, o basket en
// vuelo para el token.
func (e *Engine) ComputeQuotes(tokenID string, tick float64) (domain.Quote, bool) {
	if state := e.riskCtrl.State(); state != domain.StateRunning {
		e.refuse(tokenID, "risk_state", state.String())
		return domain.Quote{}, false
	}

	if e.cache.IsStale(tokenID, e.cfg.StaleThreshold) {
		e.refuse(tokenID, "stale_snapshot", e.cfg.StaleThreshold.String())
		return domain.Quote{}, false
	}

	if e.inflight != nil && e.inflight.InFlight(tokenID) {
		e.refuse(tokenID, "basket_in_flight", "")
		return domain.Quote{}, false
	}

	snap, ok := e.cache.Snapshot(tokenID)
	if !ok || snap.MicroPrice == 0 {
		e.refuse(tokenID, "no_snapshot", "")
		return domain.Quote{}, false
	}

	if tick <= 0 {
		tick = 0.01
	}

	inv := e.ledger.Position(tokenID).Size
	gamma := e.ledger.DynamicRiskAversion(tokenID)

	// Precio de reserva: el fair value desplazado contra el inventario
	// para atraer los fills que lo reducen.
	reservation := snap.MicroPrice - inv*gamma

	halfSpread := e.cfg.BaseSpread/2 + e.cfg.InventoryWiden*math.Abs(inv)
	if halfSpread < e.cfg.MinHalfSpread {
		halfSpread = e.cfg.MinHalfSpread
	}
	if snap.MicroPrice < e.cfg.BoundaryBand || snap.MicroPrice > 1-e.cfg.BoundaryBand {
		halfSpread *= e.cfg.BoundaryMult
	}

	bid := domain.SnapToTick(reservation-halfSpread, tick)
	ask := domain.SnapToTick(reservation+halfSpread, tick)

	// Clamp dentro del rango válido de un binario.
	if bid < tick {
		bid = tick
	}
	if ask > 1-tick {
		ask = 1 - tick
	}
	if bid >= ask {
		e.refuse(tokenID, "crossed_quote", "")
		return domain.Quote{}, false
	}

	return domain.Quote{
		TokenID:  tokenID,
		BidPrice: bid,
		AskPrice: ask,
		BidSize:  e.cfg.QuoteSize,
		AskSize:  e.cfg.QuoteSize,
	}, true
}

// Reconcile decide qué hacer con una orden resting frente a un precio
// objetivo nuevo. Dentro de un tick se mantiene (conserva la posición en
// cola); más lejos, cancel-and-replace.
func (e *Engine) Reconcile(resting *domain.Order, targetPrice, tick float64) domain.QuoteAction {
	if resting == nil || resting.Status.Terminal() {
		return domain.QuotePlace
	}
	if tick <= 0 {
		tick = 0.01
	}
	if math.Abs(resting.Price-targetPrice) <= tick+1e-9 {
		return domain.QuoteKeep
	}
	return domain.QuoteReplace
}

func (e *Engine) refuse(tokenID, check, detail string) {
	slog.Debug("quote: refused", "token", tokenID, "check", check, "detail", detail)
	e.tel.Emit(domain.NewEvent(domain.EventQuoteRefused, tokenID, map[string]any{
		"check": check, "detail": detail,
	}))
}
