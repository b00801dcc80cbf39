package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/ports"
)

const (
	defaultMonitorInterval = 1 * time.Second
	defaultMaxDrawdown     = 0.02
	defaultFeedTimeout     = 30 * time.Second
)

// Config tunes the circuit breakers.
type Config struct {
	// MaxDrawdown is the fractional drop from peak equity that trips the
	// kill switch (0.02 = 2%).
	MaxDrawdown float64
	// FeedTimeout is how long the market-data feed may stay silent before
	// the controller degrades trading.
	FeedTimeout     time.Duration
	MonitorInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxDrawdown <= 0 {
		c.MaxDrawdown = defaultMaxDrawdown
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = defaultFeedTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
}

// EquitySource reports current account equity (cash + marked positions).
type EquitySource func(ctx context.Context) (float64, error)

// FeedAgeSource reports the time since the last market-data message.
type FeedAgeSource func() time.Duration

// Controller es el kill switch global. El estado vive en un atomic: la
// transición es visible a todos los lectores en cuanto se escribe, sin
// esperar a ningún callback ni I/O. KILLED es one-way; solo Reset (acción
// explícita del operador) lo revierte.
type Controller struct {
	state atomic.Int32

	mu         sync.Mutex
	equity     float64
	peakEquity float64
	killReason string
	killedAt   *time.Time
	callbacks  []func(reason string)

	cfg       Config
	equitySrc EquitySource
	feedAge   FeedAgeSource
	tel       ports.Telemetry
}

// New creates a controller in RUNNING state.
func New(cfg Config, equitySrc EquitySource, feedAge FeedAgeSource, tel ports.Telemetry) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:       cfg,
		equitySrc: equitySrc,
		feedAge:   feedAge,
		tel:       tel,
	}
	c.state.Store(int32(domain.StateRunning))
	return c
}

// State devuelve el estado actual. Lectura lock-free: todo entry point de
// quoting/ejecución la consulta antes de operar.
func (c *Controller) State() domain.TradingState {
	return domain.TradingState(c.state.Load())
}

// TriggerKillSwitch transiciona a KILLED y despacha los callbacks de
// shutdown en goroutines propias — la transición de estado nunca espera a
// I/O lento. Idempotente: el segundo trigger no re-ejecuta callbacks.
func (c *Controller) TriggerKillSwitch(reason string) {
	if !c.state.CompareAndSwap(int32(domain.StateRunning), int32(domain.StateKilled)) &&
		!c.state.CompareAndSwap(int32(domain.StateDegraded), int32(domain.StateKilled)) {
		return // ya estaba KILLED
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.killReason = reason
	c.killedAt = &now
	callbacks := make([]func(string), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	slog.Error("risk: KILL SWITCH", "reason", reason)
	c.tel.Emit(domain.NewEvent(domain.EventKillSwitch, "", map[string]any{
		"reason": reason,
	}))

	for _, cb := range callbacks {
		go cb(reason)
	}
}

// Degrade transiciona RUNNING → DEGRADED. Lo usan los colaboradores que
// detectan fallos recuperables pero serios (p.ej. un partial fill con
// liquidación de emergencia). Reversible: el monitor vuelve a RUNNING
// cuando las condiciones se normalizan.
func (c *Controller) Degrade(reason string) {
	if c.state.CompareAndSwap(int32(domain.StateRunning), int32(domain.StateDegraded)) {
		slog.Warn("risk: DEGRADED", "reason", reason)
		c.tel.Emit(domain.NewEvent(domain.EventStateChange, "", map[string]any{
			"state": domain.StateDegraded.String(), "cause": reason,
		}))
	}
}

// RegisterShutdownCallback añade un callback (cancel-all, parar loops) que
// se ejecutará de forma asíncrona cuando salte el kill switch.
func (c *Controller) RegisterShutdownCallback(fn func(reason string)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Reset vuelve a RUNNING desde KILLED. Solo para acción explícita del
// operador; nada en el core lo llama automáticamente.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.killReason = ""
	c.killedAt = nil
	c.mu.Unlock()
	c.state.Store(int32(domain.StateRunning))
	slog.Warn("risk: manual reset, trading re-enabled")
	c.tel.Emit(domain.NewEvent(domain.EventStateChange, "", map[string]any{
		"state": domain.StateRunning.String(), "cause": "manual_reset",
	}))
}

// Snapshot devuelve la vista exportable del estado de riesgo.
func (c *Controller) Snapshot() domain.RiskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.RiskSnapshot{
		State:      c.State(),
		Equity:     c.equity,
		PeakEquity: c.peakEquity,
		KillReason: c.killReason,
		KilledAt:   c.killedAt,
	}
}

// Restore rehidrata equity/peak desde un snapshot importado. Si el estado
// importado era KILLED se respeta: requiere Reset manual.
func (c *Controller) Restore(snap domain.RiskSnapshot) {
	c.mu.Lock()
	c.equity = snap.Equity
	c.peakEquity = snap.PeakEquity
	c.killReason = snap.KillReason
	c.killedAt = snap.KilledAt
	c.mu.Unlock()
	if snap.State == domain.StateKilled {
		c.state.Store(int32(domain.StateKilled))
	}
}

// Run ejecuta el monitor en background: evalúa equity y conectividad a
// intervalo fijo, independiente de la actividad de trading. Bloquea hasta
// cancelar ctx.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.evaluate(ctx)
		}
	}
}

// evaluate es un tick del monitor: drawdown y edad del feed.
func (c *Controller) evaluate(ctx context.Context) {
	if c.State() == domain.StateKilled {
		return
	}

	if equity, err := c.equitySrc(ctx); err == nil {
		c.UpdateEquity(equity)
	} else {
		slog.Warn("risk: equity source failed", "err", err)
	}

	age := c.feedAge()
	switch {
	case age > c.cfg.FeedTimeout:
		if c.state.CompareAndSwap(int32(domain.StateRunning), int32(domain.StateDegraded)) {
			slog.Warn("risk: feed silent too long, DEGRADED", "age", age)
			c.tel.Emit(domain.NewEvent(domain.EventStateChange, "", map[string]any{
				"state": domain.StateDegraded.String(),
				"cause": "feed_timeout", "age_ms": age.Milliseconds(),
			}))
		}
	default:
		if c.state.CompareAndSwap(int32(domain.StateDegraded), int32(domain.StateRunning)) {
			slog.Info("risk: feed recovered, RUNNING")
			c.tel.Emit(domain.NewEvent(domain.EventStateChange, "", map[string]any{
				"state": domain.StateRunning.String(), "cause": "feed_recovered",
			}))
		}
	}
}

// UpdateEquity incorpora una medición de equity y dispara el kill switch
// si el drawdown desde el high-water mark supera el límite.
func (c *Controller) UpdateEquity(equity float64) {
	c.mu.Lock()
	c.equity = equity
	if equity > c.peakEquity {
		c.peakEquity = equity
	}
	peak := c.peakEquity
	c.mu.Unlock()

	if peak <= 0 {
		return
	}
	drawdown := (peak - equity) / peak
	if drawdown > c.cfg.MaxDrawdown {
		c.TriggerKillSwitch(fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%% (equity %.2f, peak %.2f)",
			drawdown*100, c.cfg.MaxDrawdown*100, equity, peak))
	}
}
