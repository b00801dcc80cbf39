package basket

// executor.go — atomic multi-leg basket execution.
//
// Una basket es todo-o-nada: o todas las legs quedan FILLED, o el resultado
// no deja exposición descubierta. El precio de esa garantía es la máquina
// de estados PRE_FLIGHT → CONCURRENT_PLACEMENT → FILL_MONITORING →
// FILL_COMPLETION | ABORT, con liquidación de emergencia para los fills
// que no se pueden des-cancelar.

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

const (
	defaultStaleThreshold = 2 * time.Second
	defaultDepthBuffer    = 1.2
	defaultSlippageBound  = 0.05
	defaultSubmitTimeout  = 5 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultFillDeadline   = 30 * time.Second
)

// Config tunes the executor's safety margins.
type Config struct {
	// StaleThreshold: legs whose snapshot is older than this fail
	// PRE_FLIGHT (and the pre-commit re-check).
	StaleThreshold time.Duration
	// DepthBuffer: required depth = leg size × buffer, absorbing book
	// movement during the placement window.
	DepthBuffer float64
	// SlippageBound is the max allowed |leg price − mid| per leg.
	SlippageBound float64
	// SubmitTimeout bounds each exchange call; a timeout is treated
	// exactly like an explicit rejection.
	SubmitTimeout time.Duration
	PollInterval  time.Duration
	// FillDeadline bounds FILL_MONITORING; unfilled legs past it are
	// cancelled and any filled quantity liquidated.
	FillDeadline time.Duration
}

func (c *Config) setDefaults() {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaultStaleThreshold
	}
	if c.DepthBuffer <= 0 {
		c.DepthBuffer = defaultDepthBuffer
	}
	if c.SlippageBound <= 0 {
		c.SlippageBound = defaultSlippageBound
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.FillDeadline <= 0 {
		c.FillDeadline = defaultFillDeadline
	}
}

// Executor runs basket executions. Safe for concurrent use; executions on
// disjoint tokens proceed independently.
type Executor struct {
	cache    *marketdata.Cache
	ledger   *inventory.Ledger
	riskCtrl *risk.Controller
	exchange ports.ExchangeClient
	tel      ports.Telemetry
	cfg      Config

	mu       sync.Mutex
	inflight map[string]int // tokenID → running executions
}

// New creates an executor.
func New(cache *marketdata.Cache, ledger *inventory.Ledger, riskCtrl *risk.Controller, exchange ports.ExchangeClient, tel ports.Telemetry, cfg Config) *Executor {
	cfg.setDefaults()
	return &Executor{
		cache:    cache,
		ledger:   ledger,
		riskCtrl: riskCtrl,
		exchange: exchange,
		tel:      tel,
		cfg:      cfg,
		inflight: make(map[string]int),
	}
}

// InFlight reports whether any execution currently involves the token.
// The quote engine refuses to quote such tokens to avoid self-crossing.
func (x *Executor) InFlight(tokenID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inflight[tokenID] > 0
}

func (x *Executor) markInFlight(legs []domain.Leg, delta int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, leg := range legs {
		x.inflight[leg.TokenID] += delta
		if x.inflight[leg.TokenID] <= 0 {
			delete(x.inflight, leg.TokenID)
		}
	}
}

// execution is the in-progress state of one attempt.
type execution struct {
	id     string
	legs   []domain.LegResult
	budget float64
}

// Execute runs one basket attempt to its terminal phase. The returned
// result is always machine-readable; it never panics or returns a bare
// error for expected failure modes.
func (x *Executor) Execute(ctx context.Context, legs []domain.Leg, budget float64) domain.ExecutionResult {
	exec := &execution{id: uuid.New().String(), budget: budget}
	for _, leg := range legs {
		exec.legs = append(exec.legs, domain.LegResult{Leg: leg, Status: domain.LegPending})
	}

	x.markInFlight(legs, +1)
	defer x.markInFlight(legs, -1)

	started := time.Now().UTC()
	x.emitPhase(exec, domain.PhasePreFlight)

	if err := x.preFlight(exec); err != nil {
		// PRE_FLIGHT es la única fase garantizada libre de side effects:
		// cero órdenes enviadas.
		return x.abort(exec, domain.PhasePreFlight, started, err, false)
	}

	x.emitPhase(exec, domain.PhasePlacement)
	if err := x.placeAll(ctx, exec); err != nil {
		x.cancelOpen(ctx, exec)
		liquidated := x.liquidateFilled(ctx, exec)
		return x.abort(exec, domain.PhasePlacement, started, err, liquidated)
	}

	x.emitPhase(exec, domain.PhaseFillMonitoring)
	if err := x.monitorFills(ctx, exec); err != nil {
		x.cancelOpen(ctx, exec)
		liquidated := x.liquidateFilled(ctx, exec)
		if pf, ok := err.(*domain.PartialFillError); ok {
			pf.Liquidated = liquidated
			// Un partial fill liquidado es el modo de fallo crítico:
			// se escala al risk controller, nunca se reintenta en silencio.
			x.riskCtrl.Degrade(pf.Error())
		}
		return x.abort(exec, domain.PhaseFillMonitoring, started, err, liquidated)
	}

	x.emitPhase(exec, domain.PhaseFillCompletion)
	return x.complete(exec, started)
}

// preFlight validates every leg against cached state only. No exchange
// calls, no side effects.
func (x *Executor) preFlight(exec *execution) error {
	if state := x.riskCtrl.State(); state != domain.StateRunning {
		return &domain.ValidationError{Check: "risk_state", Detail: state.String()}
	}

	var totalCost float64
	for _, lr := range exec.legs {
		leg := lr.Leg
		if leg.Size <= 0 || leg.Price <= 0 || leg.Price >= 1 {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "leg_params",
				Detail: fmt.Sprintf("price=%.4f size=%.2f", leg.Price, leg.Size)}
		}

		if x.cache.IsStale(leg.TokenID, x.cfg.StaleThreshold) {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "staleness",
				Detail: fmt.Sprintf("silence=%s threshold=%s", x.cache.SilenceFor(leg.TokenID), x.cfg.StaleThreshold)}
		}

		snap, ok := x.cache.Snapshot(leg.TokenID)
		if !ok {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "no_snapshot"}
		}

		// Profundidad al precio objetivo con margen: el book se mueve
		// durante la ventana de placement.
		required := leg.Size * x.cfg.DepthBuffer
		available := x.depthAt(snap, leg)
		if available < required {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "depth",
				Detail: fmt.Sprintf("available=%.2f required=%.2f", available, required)}
		}

		mid := snap.Mid()
		if mid > 0 && math.Abs(leg.Price-mid) > x.cfg.SlippageBound {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "slippage",
				Detail: fmt.Sprintf("price=%.4f mid=%.4f bound=%.4f", leg.Price, mid, x.cfg.SlippageBound)}
		}

		totalCost += leg.Cost()
	}

	if exec.budget > 0 && totalCost > exec.budget {
		return &domain.ValidationError{Check: "budget",
			Detail: fmt.Sprintf("cost=%.2f budget=%.2f", totalCost, exec.budget)}
	}
	return nil
}

// depthAt devuelve las shares disponibles en el snapshot al precio de la
// leg. El snapshot solo guarda top-of-book: una leg BUY necesita cruzar el
// best ask, una SELL el best bid.
func (x *Executor) depthAt(snap domain.MarketSnapshot, leg domain.Leg) float64 {
	if leg.Side == domain.SideBuy {
		if snap.BestAsk.Price == 0 || snap.BestAsk.Price > leg.Price {
			return 0
		}
		return snap.BestAsk.Size
	}
	if snap.BestBid.Price == 0 || snap.BestBid.Price < leg.Price {
		return 0
	}
	return snap.BestBid.Size
}

// placeAll submits every leg concurrently. Before committing it re-checks
// staleness for every leg: the window since PRE_FLIGHT is non-zero and a
// leg gone stale mid-flight aborts exactly like a placement rejection.
func (x *Executor) placeAll(ctx context.Context, exec *execution) error {
	for i := range exec.legs {
		leg := exec.legs[i].Leg
		if x.cache.IsStale(leg.TokenID, x.cfg.StaleThreshold) {
			return &domain.ValidationError{TokenID: leg.TokenID, Check: "staleness_recheck",
				Detail: "leg went stale before commit"}
		}
	}

	type placed struct {
		idx   int
		order domain.Order
		err   error
	}
	results := make(chan placed, len(exec.legs))
	var wg sync.WaitGroup

	// Fan-out: todas las legs salen en paralelo, sin esperar una a otra.
	for i := range exec.legs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			leg := exec.legs[i].Leg
			callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
			defer cancel()
			order, err := x.exchange.SubmitOrder(callCtx, leg, domain.TIFGoodTillCancel)
			results <- placed{idx: i, order: order, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var firstErr error
	for r := range results {
		if r.err != nil {
			exec.legs[r.idx].Status = domain.LegFailed
			if firstErr == nil {
				leg := exec.legs[r.idx].Leg
				firstErr = &domain.PlacementError{TokenID: leg.TokenID, Side: leg.Side, Err: r.err}
			}
			continue
		}
		exec.legs[r.idx].OrderID = r.order.ID
		exec.legs[r.idx].ExchangeID = r.order.ExchangeID
	}

	if firstErr != nil {
		slog.Warn("basket: placement rejected, aborting", "basket", exec.id, "err", firstErr)
	}
	return firstErr
}

// monitorFills polls every leg until all are FILLED, a partial fill shows
// up, or the deadline passes.
func (x *Executor) monitorFills(ctx context.Context, exec *execution) error {
	deadline := time.Now().Add(x.cfg.FillDeadline)
	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &domain.PlacementError{Err: ctx.Err()}
		case <-ticker.C:
		}

		allFilled := true
		for i := range exec.legs {
			lr := &exec.legs[i]
			if lr.Status == domain.LegFilled {
				continue
			}

			callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
			order, err := x.exchange.OrderStatus(callCtx, lr.ExchangeID)
			cancel()
			if err != nil {
				slog.Warn("basket: status poll failed", "basket", exec.id,
					"token", lr.Leg.TokenID, "err", err)
				allFilled = false
				continue
			}

			lr.FilledSize = order.FilledSize
			lr.FillPrice = order.Price

			switch order.Status {
			case domain.OrderFilled:
				lr.Status = domain.LegFilled
			case domain.OrderPartial:
				// El modo de fallo crítico: una leg a medias mientras el
				// resto sigue pendiente es exposición sin cobertura.
				lr.Status = domain.LegPartial
				x.tel.Emit(domain.NewEvent(domain.EventPartialFill, lr.Leg.TokenID, map[string]any{
					"basket": exec.id, "filled": order.FilledSize, "size": lr.Leg.Size,
				}))
				return &domain.PartialFillError{TokenID: lr.Leg.TokenID, FilledSize: order.FilledSize}
			case domain.OrderCancelled, domain.OrderFailed:
				lr.Status = domain.LegCancelled
				return &domain.PlacementError{TokenID: lr.Leg.TokenID, Side: lr.Leg.Side,
					Err: fmt.Errorf("order reached %s while monitored", order.Status)}
			default:
				allFilled = false
			}
		}

		if allFilled {
			return nil
		}
		if time.Now().After(deadline) {
			return &domain.PlacementError{Err: fmt.Errorf("fill deadline %s exceeded", x.cfg.FillDeadline)}
		}
	}
}

// cancelOpen cancels every leg that still has a live order. Tras cada
// intento de cancel se re-consulta el estado de la orden: un fill puede
// cruzarse con el cancel en la ventana desde el último poll, y esa
// cantidad tiene que quedar en FilledSize antes de liquidateFilled.
func (x *Executor) cancelOpen(ctx context.Context, exec *execution) {
	for i := range exec.legs {
		lr := &exec.legs[i]
		if lr.ExchangeID == "" || lr.Status == domain.LegFilled ||
			lr.Status == domain.LegCancelled || lr.Status == domain.LegFailed {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
		err := x.exchange.CancelOrder(callCtx, lr.ExchangeID)
		cancel()
		if err != nil {
			slog.Warn("basket: cancel failed", "basket", exec.id,
				"token", lr.Leg.TokenID, "err", err)
		}
		x.reconcileAfterCancel(ctx, exec, lr, err == nil)
	}
}

// reconcileAfterCancel folds the post-cancel order state into the leg. En
// el exchange cancel y fill compiten; si el fill ganó, la cantidad matched
// no puede perderse del resultado.
func (x *Executor) reconcileAfterCancel(ctx context.Context, exec *execution, lr *domain.LegResult, cancelled bool) {
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
	order, err := x.exchange.OrderStatus(callCtx, lr.ExchangeID)
	cancel()
	if err != nil {
		slog.Warn("basket: post-cancel status poll failed", "basket", exec.id,
			"token", lr.Leg.TokenID, "err", err)
		if cancelled && lr.Status == domain.LegPending {
			lr.Status = domain.LegCancelled
		}
		return
	}

	if order.FilledSize > lr.FilledSize {
		lr.FilledSize = order.FilledSize
		if order.Price > 0 {
			lr.FillPrice = order.Price
		}
	}
	switch order.Status {
	case domain.OrderFilled:
		lr.Status = domain.LegFilled
	case domain.OrderPartial:
		lr.Status = domain.LegPartial
	default:
		if lr.Status == domain.LegPending {
			lr.Status = domain.LegCancelled
		}
	}
}

// liquidateFilled envía una orden IOC opuesta por cada cantidad ya filled:
// un fill no se puede des-cancelar, así que se deshace en mercado. El
// precio se cruza agresivamente (bound de slippage a través del book) para
// garantizar el fill con pérdida acotada.
func (x *Executor) liquidateFilled(ctx context.Context, exec *execution) bool {
	liquidated := false
	for i := range exec.legs {
		lr := &exec.legs[i]
		filled := lr.FilledSize
		if lr.Status == domain.LegFilled && filled == 0 {
			filled = lr.Leg.Size
		}
		if filled <= 0 {
			continue
		}

		// Registrar el fill original antes de deshacerlo.
		x.applyLegFill(exec, lr, filled, fillPriceOf(lr))

		opposite := domain.Leg{
			TokenID: lr.Leg.TokenID,
			Side:    lr.Leg.Side.Opposite(),
			Price:   x.liquidationPrice(lr.Leg),
			Size:    filled,
		}

		callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
		order, err := x.exchange.SubmitOrder(callCtx, opposite, domain.TIFImmediateOrCancel)
		cancel()
		if err != nil {
			// Peor caso: exposición descubierta que no se pudo cerrar.
			slog.Error("basket: EMERGENCY LIQUIDATION FAILED", "basket", exec.id,
				"token", lr.Leg.TokenID, "size", filled, "err", err)
			x.riskCtrl.TriggerKillSwitch(fmt.Sprintf("liquidation failed for %s: %v", lr.Leg.TokenID, err))
			continue
		}

		liquidated = true
		x.applyLegFill(exec, &domain.LegResult{Leg: opposite, OrderID: order.ID}, filled, opposite.Price)
		x.tel.Emit(domain.NewEvent(domain.EventLiquidation, lr.Leg.TokenID, map[string]any{
			"basket": exec.id, "size": filled, "price": opposite.Price,
		}))
		slog.Warn("basket: emergency liquidation sent", "basket", exec.id,
			"token", lr.Leg.TokenID, "size", fmt.Sprintf("%.2f", filled),
			"price", fmt.Sprintf("%.4f", opposite.Price))
	}
	return liquidated
}

// liquidationPrice cruza el book con el bound de slippage del executor.
func (x *Executor) liquidationPrice(leg domain.Leg) float64 {
	if leg.Side == domain.SideBuy {
		// Deshacer un BUY = vender por debajo del precio pagado.
		p := leg.Price - x.cfg.SlippageBound
		if p < 0.01 {
			p = 0.01
		}
		return p
	}
	p := leg.Price + x.cfg.SlippageBound
	if p > 0.99 {
		p = 0.99
	}
	return p
}

// applyLegFill registra un fill en el ledger con un ID local único.
func (x *Executor) applyLegFill(exec *execution, lr *domain.LegResult, size, price float64) {
	micro := 0.0
	if snap, ok := x.cache.Snapshot(lr.Leg.TokenID); ok {
		micro = snap.MicroPrice
	}
	fillID := lr.OrderID
	if fillID == "" {
		fillID = uuid.New().String()
	}
	fill := domain.Fill{
		ID:        exec.id + ":" + fillID,
		TokenID:   lr.Leg.TokenID,
		Side:      lr.Leg.Side,
		Price:     price,
		Size:      size,
		MicroAt:   micro,
		Timestamp: time.Now().UTC(),
	}
	if _, err := x.ledger.ApplyFill(fill); err != nil {
		slog.Warn("basket: ledger apply failed", "basket", exec.id, "err", err)
	}
}

// complete applies every leg fill and returns the success result.
func (x *Executor) complete(exec *execution, started time.Time) domain.ExecutionResult {
	result := domain.ExecutionResult{
		BasketID:   exec.id,
		Phase:      domain.PhaseFillCompletion,
		Legs:       exec.legs,
		Success:    true,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}

	for i := range exec.legs {
		lr := &exec.legs[i]
		filled := lr.FilledSize
		if filled == 0 {
			filled = lr.Leg.Size
		}
		price := fillPriceOf(lr)
		x.applyLegFill(exec, lr, filled, price)
		result.TotalCost += filled * price
		result.TotalFilled += filled
	}

	slog.Info("basket: complete",
		"basket", exec.id,
		"legs", len(exec.legs),
		"cost", fmt.Sprintf("$%.2f", result.TotalCost),
		"filled", fmt.Sprintf("%.2f", result.TotalFilled),
	)
	return result
}

// abort builds the terminal failure result.
func (x *Executor) abort(exec *execution, in domain.ExecutionPhase, started time.Time, err error, liquidated bool) domain.ExecutionResult {
	_, partial := err.(*domain.PartialFillError)

	result := domain.ExecutionResult{
		BasketID:    exec.id,
		Phase:       domain.PhaseAbort,
		AbortedIn:   in,
		Legs:        exec.legs,
		Success:     false,
		PartialFill: partial,
		Liquidated:  liquidated,
		Reason:      err.Error(),
		Err:         err,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}

	x.emitPhase(exec, domain.PhaseAbort)
	slog.Warn("basket: aborted",
		"basket", exec.id,
		"in", string(in),
		"partial", partial,
		"liquidated", liquidated,
		"reason", result.Reason,
	)
	return result
}

// fillPriceOf devuelve el precio de fill reportado, o el de la leg si el
// exchange aún no informó precio.
func fillPriceOf(lr *domain.LegResult) float64 {
	if lr.FillPrice > 0 {
		return lr.FillPrice
	}
	return lr.Leg.Price
}

func (x *Executor) emitPhase(exec *execution, phase domain.ExecutionPhase) {
	x.tel.Emit(domain.NewEvent(domain.EventPhaseTransition, "", map[string]any{
		"basket": exec.id, "phase": string(phase),
	}))
}
