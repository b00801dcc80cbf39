package risk_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/ports"
	"github.com/alejandrodnm/polymaker/internal/risk"
)

// --- mocks ---

type captureTelemetry struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureTelemetry) Emit(ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureTelemetry) kinds() []domain.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventKind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

// --- helpers ---

func makeController(cfg risk.Config, equity float64, feedAge time.Duration) *risk.Controller {
	return risk.New(cfg,
		func(ctx context.Context) (float64, error) { return equity, nil },
		func() time.Duration { return feedAge },
		ports.NopTelemetry{},
	)
}

func waitForState(t *testing.T, c *risk.Controller, want domain.TradingState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, got %s", want, c.State())
}

// --- tests ---

func TestController_StartsRunning(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)
	assert.Equal(t, domain.StateRunning, c.State())
}

func TestController_KillSwitch(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)

	var calls atomic.Int32
	done := make(chan struct{}, 2)
	c.RegisterShutdownCallback(func(reason string) {
		calls.Add(1)
		done <- struct{}{}
	})

	c.TriggerKillSwitch("test reason")
	assert.Equal(t, domain.StateKilled, c.State())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never ran")
	}

	// Idempotente: el segundo trigger no re-ejecuta callbacks.
	c.TriggerKillSwitch("again")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	snap := c.Snapshot()
	assert.Equal(t, "test reason", snap.KillReason)
	require.NotNil(t, snap.KilledAt)
}

func TestController_KillFromDegraded(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)
	c.Degrade("partial fill")
	require.Equal(t, domain.StateDegraded, c.State())

	c.TriggerKillSwitch("escalated")
	assert.Equal(t, domain.StateKilled, c.State())
}

func TestController_DegradeOnlyFromRunning(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)
	c.TriggerKillSwitch("dead")
	require.Equal(t, domain.StateKilled, c.State())

	// KILLED es one-way: Degrade no lo revive.
	c.Degrade("whatever")
	assert.Equal(t, domain.StateKilled, c.State())
}

func TestController_DrawdownTrips(t *testing.T) {
	c := makeController(risk.Config{MaxDrawdown: 0.02}, 1000, 0)

	c.UpdateEquity(1000)
	assert.Equal(t, domain.StateRunning, c.State())

	// 1% desde el pico: dentro del límite.
	c.UpdateEquity(990)
	assert.Equal(t, domain.StateRunning, c.State())

	// 3% desde el pico: kill.
	c.UpdateEquity(970)
	assert.Equal(t, domain.StateKilled, c.State())

	snap := c.Snapshot()
	assert.Equal(t, 1000.0, snap.PeakEquity)
	assert.Contains(t, snap.KillReason, "drawdown")
}

func TestController_PeakTracksHighWaterMark(t *testing.T) {
	c := makeController(risk.Config{MaxDrawdown: 0.05}, 1000, 0)

	c.UpdateEquity(1000)
	c.UpdateEquity(1100)
	c.UpdateEquity(1070) // −2.7% desde 1100: dentro del 5%
	assert.Equal(t, domain.StateRunning, c.State())
	assert.Equal(t, 1100.0, c.Snapshot().PeakEquity)
}

func TestController_Reset(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)
	c.TriggerKillSwitch("dead")
	require.Equal(t, domain.StateKilled, c.State())

	c.Reset()
	assert.Equal(t, domain.StateRunning, c.State())
	snap := c.Snapshot()
	assert.Empty(t, snap.KillReason)
	assert.Nil(t, snap.KilledAt)
}

func TestController_SnapshotRestore(t *testing.T) {
	now := time.Now().UTC()
	c := makeController(risk.Config{}, 1000, 0)

	c.Restore(domain.RiskSnapshot{
		State:      domain.StateKilled,
		Equity:     950,
		PeakEquity: 1000,
		KillReason: "previous run",
		KilledAt:   &now,
	})

	// Un estado KILLED importado se respeta: requiere Reset manual.
	assert.Equal(t, domain.StateKilled, c.State())
	snap := c.Snapshot()
	assert.Equal(t, 950.0, snap.Equity)
	assert.Equal(t, 1000.0, snap.PeakEquity)
	assert.InDelta(t, 0.05, snap.Drawdown(), 1e-9)
}

func TestController_RestoreRunningState(t *testing.T) {
	c := makeController(risk.Config{}, 1000, 0)
	c.Restore(domain.RiskSnapshot{State: domain.StateRunning, Equity: 500, PeakEquity: 500})
	assert.Equal(t, domain.StateRunning, c.State())
}

func TestController_FeedTimeoutDegrades(t *testing.T) {
	var age atomic.Int64
	tel := &captureTelemetry{}
	c := risk.New(risk.Config{
		FeedTimeout:     50 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	},
		func(ctx context.Context) (float64, error) { return 1000, nil },
		func() time.Duration { return time.Duration(age.Load()) },
		tel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	age.Store(int64(time.Second))
	waitForState(t, c, domain.StateDegraded)

	// El feed vuelve: el monitor recupera RUNNING solo.
	age.Store(0)
	waitForState(t, c, domain.StateRunning)

	assert.Contains(t, tel.kinds(), domain.EventStateChange)
}

func TestController_MonitorTripsOnDrawdown(t *testing.T) {
	var equity atomic.Int64
	equity.Store(1000)
	c := risk.New(risk.Config{
		MaxDrawdown:     0.02,
		MonitorInterval: 10 * time.Millisecond,
	},
		func(ctx context.Context) (float64, error) { return float64(equity.Load()), nil },
		func() time.Duration { return 0 },
		ports.NopTelemetry{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitForState(t, c, domain.StateRunning)
	time.Sleep(30 * time.Millisecond) // deja que el pico se asiente en 1000
	equity.Store(900)
	waitForState(t, c, domain.StateKilled)
}
