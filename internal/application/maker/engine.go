package maker

// engine.go — orquestación de un ciclo de market making.
//
// El Engine no contiene lógica de pricing ni de ejecución: por ciclo pide
// quotes al quote engine, reconcilia las órdenes resting contra ellas, y
// cuando detecta YES ask + NO ask < 1 − fees entrega una basket de dos
// legs al executor. El feed y el monitor de riesgo corren aparte, en sus
// propias goroutines.

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/polymaker/internal/basket"
	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/inventory"
	"github.com/alejandrodnm/polymaker/internal/marketdata"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/quote"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

const (
	defaultCycleInterval   = 5 * time.Second
	defaultMarkoutHorizon  = 5 * time.Second
	defaultArbMinEdge      = 0.005
	defaultImportTolerance = 0.02
	snapshotEvery          = 12 // ciclos entre checkpoints de estado

	// arbDepthHaircut: fracción del top-of-book visible que consume una
	// basket. El executor exige size × DepthBuffer de profundidad en
	// PRE_FLIGHT; dimensionar al 100% del ask visible no pasaría nunca.
	arbDepthHaircut = 0.8
)

// Config tunes the trading cycle.
type Config struct {
	CycleInterval time.Duration
	// FeeRate default cuando el mercado no informa el suyo.
	FeeRate float64
	// BasketBudget limita el coste agregado de cada basket de arbitraje.
	BasketBudget float64
	// ArbMinEdge: gap mínimo (1 − ΣAsk − fees) para disparar una basket.
	ArbMinEdge float64
	// MarkoutHorizon: cuánto esperar antes de medir el forward P&L de un fill.
	MarkoutHorizon time.Duration
	// ImportTolerance: desviación relativa máxima entre el balance
	// reportado y el snapshot importado antes de matar el arranque.
	ImportTolerance float64
}

func (c *Config) setDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = defaultCycleInterval
	}
	if c.ArbMinEdge <= 0 {
		c.ArbMinEdge = defaultArbMinEdge
	}
	if c.MarkoutHorizon <= 0 {
		c.MarkoutHorizon = defaultMarkoutHorizon
	}
	if c.ImportTolerance <= 0 {
		c.ImportTolerance = defaultImportTolerance
	}
}

// CycleResult resume lo producido por un ciclo.
type CycleResult struct {
	QuotesPlaced     int
	QuotesReplaced   int
	QuotesKept       int
	QuotesRefused    int
	BasketsAttempted int
	BasketsFilled    int
	Markouts         int
	State            domain.TradingState
}

// pendingMarkout es un fill esperando su medición forward.
type pendingMarkout struct {
	fillID  string
	tokenID string
	dueAt   time.Time
}

// restingQuote es la orden resting de un lado de un quote.
type restingQuote struct {
	order domain.Order
}

// Engine runs the quoting + arbitrage cycle over a fixed set of markets
// supplied by the external discovery component.
type Engine struct {
	markets  []domain.Market
	cache    *marketdata.Cache
	ledger   *inventory.Ledger
	riskCtrl *risk.Controller
	quotes   *quote.Engine
	executor *basket.Executor
	exchange ports.ExchangeClient
	fills    ports.FillStreamer
	store    ports.StateStore
	tel      ports.Telemetry
	cfg      Config

	mu       sync.Mutex
	resting  map[string]map[domain.Side]restingQuote // tokenID → side → orden viva
	markouts []pendingMarkout
	cycles   int
}

// New crea el engine y suscribe todos los tokens de los mercados al cache.
func New(
	markets []domain.Market,
	cache *marketdata.Cache,
	ledger *inventory.Ledger,
	riskCtrl *risk.Controller,
	quotes *quote.Engine,
	executor *basket.Executor,
	exchange ports.ExchangeClient,
	fills ports.FillStreamer,
	store ports.StateStore,
	tel ports.Telemetry,
	cfg Config,
) *Engine {
	cfg.setDefaults()
	e := &Engine{
		markets:  markets,
		cache:    cache,
		ledger:   ledger,
		riskCtrl: riskCtrl,
		quotes:   quotes,
		executor: executor,
		exchange: exchange,
		fills:    fills,
		store:    store,
		tel:      tel,
		cfg:      cfg,
		resting:  make(map[string]map[domain.Side]restingQuote),
	}

	for _, m := range markets {
		cache.Subscribe(m.YesToken().TokenID)
		cache.Subscribe(m.NoToken().TokenID)
	}

	// El kill switch cancela todo lo resting sin esperar al próximo ciclo.
	riskCtrl.RegisterShutdownCallback(func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.cancelAllResting(ctx)
	})

	return e
}

// Run ejecuta el loop de trading hasta cancelar ctx. Arranca además el
// consumidor de fills del user stream.
func (e *Engine) Run(ctx context.Context) error {
	if e.fills != nil {
		go e.consumeFills(ctx)
	}

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				slog.Warn("maker: cycle failed", "err", err)
			}
		}
	}
}

// RunOnce ejecuta un ciclo: markouts vencidos → quotes → arbitraje →
// checkpoint periódico.
func (e *Engine) RunOnce(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{State: e.riskCtrl.State()}

	if result.State == domain.StateKilled {
		slog.Warn("maker: KILLED, skipping cycle", "reason", e.riskCtrl.Snapshot().KillReason)
		return result, nil
	}

	result.Markouts = e.settleDueMarkouts()

	for _, m := range e.markets {
		e.quoteCycle(ctx, m, result)
	}

	for _, m := range e.markets {
		e.arbCycle(ctx, m, result)
	}

	e.mu.Lock()
	e.cycles++
	checkpoint := e.cycles%snapshotEvery == 0
	e.mu.Unlock()
	if checkpoint {
		if err := e.ExportState(ctx); err != nil {
			slog.Warn("maker: state export failed", "err", err)
		}
		e.reportPositions()
	}

	slog.Info("maker: cycle done",
		"state", result.State.String(),
		"placed", result.QuotesPlaced,
		"replaced", result.QuotesReplaced,
		"kept", result.QuotesKept,
		"refused", result.QuotesRefused,
		"baskets", result.BasketsAttempted,
	)
	return result, nil
}

// quoteCycle reconcilia los quotes de los dos tokens de un mercado.
func (e *Engine) quoteCycle(ctx context.Context, m domain.Market, result *CycleResult) {
	tick := m.EffectiveTick()
	for _, token := range m.Tokens {
		tokenID := token.TokenID

		if snap, ok := e.cache.Snapshot(tokenID); ok && snap.MicroPrice > 0 {
			e.ledger.ObservePrice(tokenID, snap.MicroPrice, snap.UpdatedAt)
		}

		q, ok := e.quotes.ComputeQuotes(tokenID, tick)
		if !ok {
			result.QuotesRefused++
			continue
		}

		e.reconcileSide(ctx, tokenID, domain.SideBuy, q.BidPrice, q.BidSize, tick, result)
		e.reconcileSide(ctx, tokenID, domain.SideSell, q.AskPrice, q.AskSize, tick, result)
	}
}

// reconcileSide aplica la política keep / cancel-and-replace de un lado.
func (e *Engine) reconcileSide(ctx context.Context, tokenID string, side domain.Side, price, size, tick float64, result *CycleResult) {
	e.mu.Lock()
	var resting *domain.Order
	if sides, ok := e.resting[tokenID]; ok {
		if rq, ok := sides[side]; ok {
			o := rq.order
			resting = &o
		}
	}
	e.mu.Unlock()

	switch e.quotes.Reconcile(resting, price, tick) {
	case domain.QuoteKeep:
		result.QuotesKept++
		return

	case domain.QuoteReplace:
		if err := e.exchange.CancelOrder(ctx, resting.ExchangeID); err != nil {
			slog.Warn("maker: cancel for replace failed", "token", tokenID, "err", err)
			return
		}
		e.forgetResting(tokenID, side)
		result.QuotesReplaced++

	case domain.QuotePlace:
		result.QuotesPlaced++
	}

	order, err := e.exchange.SubmitOrder(ctx, domain.Leg{
		TokenID: tokenID,
		Side:    side,
		Price:   price,
		Size:    size,
	}, domain.TIFGoodTillCancel)
	if err != nil {
		slog.Warn("maker: quote placement failed", "token", tokenID, "side", side, "err", err)
		return
	}

	e.mu.Lock()
	if _, ok := e.resting[tokenID]; !ok {
		e.resting[tokenID] = make(map[domain.Side]restingQuote)
	}
	e.resting[tokenID][side] = restingQuote{order: order}
	e.mu.Unlock()
}

// arbCycle busca YES ask + NO ask < 1 − fees − edge y ejecuta la basket.
func (e *Engine) arbCycle(ctx context.Context, m domain.Market, result *CycleResult) {
	yesID := m.YesToken().TokenID
	noID := m.NoToken().TokenID

	yesSnap, okYes := e.cache.Snapshot(yesID)
	noSnap, okNo := e.cache.Snapshot(noID)
	if !okYes || !okNo {
		return
	}
	yesAsk := yesSnap.BestAsk
	noAsk := noSnap.BestAsk
	if yesAsk.Price == 0 || noAsk.Price == 0 {
		return
	}

	sum := yesAsk.Price + noAsk.Price
	fees := sum * m.EffectiveFeeRate(e.cfg.FeeRate)
	gap := 1.0 - sum - fees
	if gap < e.cfg.ArbMinEdge {
		return
	}

	size := math.Min(yesAsk.Size, noAsk.Size) * arbDepthHaircut
	if e.cfg.BasketBudget > 0 {
		maxBySize := e.cfg.BasketBudget / sum
		size = math.Min(size, maxBySize)
	}
	if size <= 0 {
		return
	}

	slog.Info("maker: arbitrage detected",
		"market", truncate(m.Question, 40),
		"sum", fmt.Sprintf("%.4f", sum),
		"gap", fmt.Sprintf("%.4f", gap),
		"size", fmt.Sprintf("%.2f", size),
	)

	legs := []domain.Leg{
		{TokenID: yesID, Side: domain.SideBuy, Price: yesAsk.Price, Size: size},
		{TokenID: noID, Side: domain.SideBuy, Price: noAsk.Price, Size: size},
	}

	result.BasketsAttempted++
	res := e.executor.Execute(ctx, legs, e.cfg.BasketBudget)
	if res.Success {
		result.BasketsFilled++
		e.scheduleMarkouts(res)
	}
	if r, ok := e.tel.(ports.Reporter); ok {
		r.PrintExecution(res)
	}

	if e.store != nil {
		if err := e.store.SaveExecution(ctx, res); err != nil {
			slog.Warn("maker: execution save failed", "basket", res.BasketID, "err", err)
		}
	}
}

// consumeFills aplica al ledger los fills del user stream (fills de los
// quotes resting, fuera de las ventanas de ejecución de baskets).
func (e *Engine) consumeFills(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := e.fills.StreamFills(ctx)
		if err != nil {
			slog.Warn("maker: fill stream failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for ev := range events {
			micro := 0.0
			if snap, ok := e.cache.Snapshot(ev.TokenID); ok {
				micro = snap.MicroPrice
			}
			fill := domain.Fill{
				ID:        ev.TradeID,
				TokenID:   ev.TokenID,
				Side:      ev.Side,
				Price:     ev.Price,
				Size:      ev.Size,
				MicroAt:   micro,
				Timestamp: ev.ReceivedAt,
			}
			if _, err := e.ledger.ApplyFill(fill); err != nil {
				slog.Warn("maker: fill apply failed", "trade", ev.TradeID, "err", err)
				continue
			}
			if e.store != nil {
				if err := e.store.SaveFill(ctx, fill); err != nil {
					slog.Warn("maker: fill save failed", "trade", ev.TradeID, "err", err)
				}
			}
			e.schedulePendingMarkout(fill.ID, fill.TokenID)

			// Un fill en un quote resting deja ese lado libre.
			e.forgetResting(ev.TokenID, ev.Side)
		}
	}
}

// scheduleMarkouts encola la medición forward de cada fill de la basket.
func (e *Engine) scheduleMarkouts(res domain.ExecutionResult) {
	for _, lr := range res.Legs {
		if lr.OrderID == "" {
			continue
		}
		e.schedulePendingMarkout(res.BasketID+":"+lr.OrderID, lr.Leg.TokenID)
	}
}

func (e *Engine) schedulePendingMarkout(fillID, tokenID string) {
	e.mu.Lock()
	e.markouts = append(e.markouts, pendingMarkout{
		fillID:  fillID,
		tokenID: tokenID,
		dueAt:   time.Now().Add(e.cfg.MarkoutHorizon),
	})
	e.mu.Unlock()
}

// settleDueMarkouts mide el forward P&L de los fills cuyo horizonte venció.
func (e *Engine) settleDueMarkouts() int {
	now := time.Now()

	e.mu.Lock()
	var due, remaining []pendingMarkout
	for _, pm := range e.markouts {
		if now.After(pm.dueAt) {
			due = append(due, pm)
		} else {
			remaining = append(remaining, pm)
		}
	}
	e.markouts = remaining
	e.mu.Unlock()

	settled := 0
	for _, pm := range due {
		snap, ok := e.cache.Snapshot(pm.tokenID)
		if !ok || snap.MicroPrice == 0 {
			continue
		}
		delta, err := e.ledger.RecordMarkout(pm.fillID, snap.MicroPrice)
		if err != nil {
			continue
		}
		settled++
		slog.Debug("maker: markout settled",
			"fill", pm.fillID, "pnl_delta", fmt.Sprintf("%.4f", delta))
	}
	return settled
}

// reportPositions imprime la tabla de posiciones cuando el sink de
// telemetría sabe renderizarla.
func (e *Engine) reportPositions() {
	r, ok := e.tel.(ports.Reporter)
	if !ok {
		return
	}
	positions := e.ledger.Positions()
	prices := make(map[string]float64, len(positions))
	for _, p := range positions {
		if snap, ok := e.cache.Snapshot(p.TokenID); ok {
			prices[p.TokenID] = snap.MicroPrice
		}
	}
	r.PrintPositions(positions, prices)
}

func (e *Engine) forgetResting(tokenID string, side domain.Side) {
	e.mu.Lock()
	if sides, ok := e.resting[tokenID]; ok {
		delete(sides, side)
	}
	e.mu.Unlock()
}

// cancelAllResting cancela todas las órdenes de quoting vivas.
func (e *Engine) cancelAllResting(ctx context.Context) {
	e.mu.Lock()
	var orders []domain.Order
	for _, sides := range e.resting {
		for _, rq := range sides {
			orders = append(orders, rq.order)
		}
	}
	e.resting = make(map[string]map[domain.Side]restingQuote)
	e.mu.Unlock()

	for _, o := range orders {
		if err := e.exchange.CancelOrder(ctx, o.ExchangeID); err != nil {
			slog.Warn("maker: shutdown cancel failed", "order", o.ExchangeID, "err", err)
		}
	}
	slog.Info("maker: resting orders cancelled", "count", len(orders))
}

// ExportState persiste el checkpoint de posiciones + riesgo.
func (e *Engine) ExportState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap := domain.StateSnapshot{
		Positions:  e.ledger.Positions(),
		Risk:       e.riskCtrl.Snapshot(),
		ExportedAt: time.Now().UTC(),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("maker.ExportState: %w", err)
	}
	return nil
}

// ImportState rehidrata el estado desde el último checkpoint y lo valida
// contra el balance reportado por el exchange. Una desviación más allá de
// la tolerancia es una InvariantViolation: kill switch antes de operar.
func (e *Engine) ImportState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, ok, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("maker.ImportState: load: %w", err)
	}
	if !ok {
		slog.Info("maker: no previous state to import")
		return nil
	}

	balance, err := e.exchange.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("maker.ImportState: get balance: %w", err)
	}

	var exposure float64
	for _, p := range snap.Positions {
		exposure += p.Exposure()
	}
	expectedCash := snap.Risk.Equity - exposure

	if expectedCash > 0 {
		drift := math.Abs(balance-expectedCash) / expectedCash
		if drift > e.cfg.ImportTolerance {
			violation := &domain.InvariantViolation{
				Check: "rehydration_balance",
				Detail: fmt.Sprintf("reported=%.2f expected=%.2f drift=%.1f%%",
					balance, expectedCash, drift*100),
			}
			e.riskCtrl.TriggerKillSwitch(violation.Error())
			return violation
		}
	}

	e.ledger.ImportPositions(snap.Positions)
	e.riskCtrl.Restore(snap.Risk)
	slog.Info("maker: state imported",
		"positions", len(snap.Positions),
		"equity", fmt.Sprintf("$%.2f", snap.Risk.Equity),
		"exported_at", snap.ExportedAt.Format(time.RFC3339),
	)
	return nil
}

// truncate corta un string a maxLen caracteres añadiendo "..." si hace falta.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
