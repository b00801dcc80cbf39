package domain

import "time"

// TradingState is the global risk state. KILLED is one-way: nothing short
// of an explicit operator reset brings trading back.
type TradingState int32

const (
	StateRunning TradingState = iota
	StateDegraded
	StateKilled
)

func (s TradingState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// RiskSnapshot is the exported view of the risk controller.
type RiskSnapshot struct {
	State      TradingState
	Equity     float64
	PeakEquity float64
	KillReason string
	KilledAt   *time.Time
}

// Drawdown returns the fractional drop from peak equity (0 when at peak).
func (r RiskSnapshot) Drawdown() float64 {
	if r.PeakEquity <= 0 {
		return 0
	}
	dd := (r.PeakEquity - r.Equity) / r.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// StateSnapshot es el checkpoint completo que se exporta al store externo:
// posiciones abiertas + estado de riesgo. Al importarlo en un arranque se
// revalida contra el balance reportado por el exchange antes de operar.
type StateSnapshot struct {
	Positions  []Position
	Risk       RiskSnapshot
	ExportedAt time.Time
}
