package domain

import "time"

// Side of an order relative to the token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the liquidating side for a filled position.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TimeInForce controls how long an order rests on the CLOB.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
)

// OrderStatus is the lifecycle of one order as reported by the exchange.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderFailed || s == OrderCancelled
}

// Order is the local shadow copy of an exchange order. The exchange owns
// the order once acknowledged; we keep this copy for cancellation and
// status polling until it reaches a terminal status.
type Order struct {
	ID         string // UUID (local tracking)
	ExchangeID string // CLOB order hash (0x...) once acknowledged
	TokenID    string
	Side       Side
	Price      float64
	Size       float64
	FilledSize float64
	TIF        TimeInForce
	Status     OrderStatus
	PlacedAt   time.Time
}

// Leg is one instrument-side-price-size order within a basket.
type Leg struct {
	TokenID string
	Side    Side
	Price   float64
	Size    float64
}

// Cost returns the capital the leg ties up if fully filled.
func (l Leg) Cost() float64 {
	return l.Price * l.Size
}

// LegStatus mirrors the per-leg order status inside an execution.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegFilled    LegStatus = "FILLED"
	LegPartial   LegStatus = "PARTIAL"
	LegFailed    LegStatus = "FAILED"
	LegCancelled LegStatus = "CANCELLED"
)

// ExecutionPhase is the basket executor state machine. Phases only move
// forward; no phase is ever revisited.
type ExecutionPhase string

const (
	PhasePreFlight      ExecutionPhase = "PRE_FLIGHT"
	PhasePlacement      ExecutionPhase = "CONCURRENT_PLACEMENT"
	PhaseFillMonitoring ExecutionPhase = "FILL_MONITORING"
	PhaseFillCompletion ExecutionPhase = "FILL_COMPLETION"
	PhaseAbort          ExecutionPhase = "ABORT"
)

// LegResult is the terminal state of one leg inside an ExecutionResult.
type LegResult struct {
	Leg        Leg
	OrderID    string
	ExchangeID string
	Status     LegStatus
	FilledSize float64
	FillPrice  float64
}

// ExecutionResult is returned by every basket execution attempt. It is
// always machine-readable: Phase says where the attempt ended, Reason why,
// and the caller can distinguish "safe to retry" from "needs a human" by
// inspecting Err with errors.As.
type ExecutionResult struct {
	BasketID    string
	Phase       ExecutionPhase // terminal phase: FILL_COMPLETION or ABORT
	AbortedIn   ExecutionPhase // phase where the failure happened, empty on success
	Legs        []LegResult
	Success     bool
	PartialFill bool   // a leg filled partially and had to be liquidated
	Liquidated  bool   // an emergency opposing order was sent
	Reason      string
	Err         error
	TotalCost   float64
	TotalFilled float64
	StartedAt   time.Time
	FinishedAt  time.Time
}
