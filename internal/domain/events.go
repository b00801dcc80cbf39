package domain

import "time"

// EventKind clasifica los eventos de telemetría que emite el core.
type EventKind string

const (
	EventPhaseTransition EventKind = "phase_transition"
	EventKillSwitch      EventKind = "kill_switch"
	EventStateChange     EventKind = "risk_state_change"
	EventStaleness       EventKind = "staleness_detected"
	EventGapSuspected    EventKind = "gap_suspected"
	EventPartialFill     EventKind = "partial_fill"
	EventLiquidation     EventKind = "emergency_liquidation"
	EventFeedReconnect   EventKind = "feed_reconnect"
	EventQuoteRefused    EventKind = "quote_refused"
)

// Event is one structured telemetry record. The consumer decides the wire
// format; the core only guarantees kind, timestamp, token and a detail map.
type Event struct {
	Kind    EventKind
	TokenID string // empty when not instrument-specific
	At      time.Time
	Detail  map[string]any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventKind, tokenID string, detail map[string]any) Event {
	return Event{Kind: kind, TokenID: tokenID, At: time.Now().UTC(), Detail: detail}
}
