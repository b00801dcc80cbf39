package domain

import "fmt"

// Failure taxonomy. Every failure path in the executor and feed returns one
// of these types so callers can tell "safe to retry later" apart from
// "requires human review" with errors.As.

// ValidationError is a pre-flight rejection: budget, depth, slippage or
// staleness. No orders were sent; the caller may retry on a later cycle.
type ValidationError struct {
	TokenID string
	Check   string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s] %s: %s", e.Check, e.TokenID, e.Detail)
}

// PlacementError means the exchange rejected (or timed out on) an order
// submission. Recoverable: the basket aborts, already-placed legs are
// cancelled, no position changes.
type PlacementError struct {
	TokenID string
	Side    Side
	Err     error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement failed %s %s: %v", e.Side, e.TokenID, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// PartialFillError is the critical failure mode: a leg filled partially
// while the basket could not complete, leaving unhedged exposure that had
// to be liquidated. Never retried silently.
type PartialFillError struct {
	TokenID    string
	FilledSize float64
	Liquidated bool
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("partial fill on %s (%.2f shares, liquidated=%v)",
		e.TokenID, e.FilledSize, e.Liquidated)
}

// ConnectivityError is a feed disconnect or stream failure. Absorbed by the
// cache's own reconnect logic; only escalates (as DEGRADED risk state) when
// the outage outlasts the configured deadline.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// InvariantViolation is fatal: internal state disagrees with the exchange
// (e.g. rehydrated positions vs reported balance). Forces KILLED.
type InvariantViolation struct {
	Check  string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated [%s]: %s", e.Check, e.Detail)
}
