package ports

import "github.com/alejandrodnm/polymaker/internal/domain"

// Telemetry receives structured events from the core: phase transitions,
// kill-switch triggers, staleness detections, partial fills. Emit must be
// cheap and non-blocking — the core calls it from hot paths.
type Telemetry interface {
	Emit(event domain.Event)
}

// Reporter renders human-readable summaries. Telemetry sinks that also
// implement Reporter get the periodic position table and the per-basket
// report from the engines.
type Reporter interface {
	PrintPositions(positions []domain.Position, prices map[string]float64)
	PrintExecution(result domain.ExecutionResult)
}

// NopTelemetry discards every event. Useful in tests.
type NopTelemetry struct{}

func (NopTelemetry) Emit(domain.Event) {}
