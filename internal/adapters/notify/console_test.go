package notify_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polymaker/internal/adapters/notify"
	"github.com/alejandrodnm/polymaker/internal/domain"
)

// syncBuffer es un writer seguro para leer desde el test mientras el
// goroutine de drenaje escribe.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

// waitFor espera a que el goroutine de drenaje escriba el substring al buffer.
func waitFor(t *testing.T, buf *syncBuffer, substr string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := buf.String(); strings.Contains(out, substr) {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	return buf.String()
}

func TestConsole_Emit_WritesEvent(t *testing.T) {
	var buf syncBuffer
	c := notify.NewConsoleWriter(&buf)
	defer c.Close()

	c.Emit(domain.NewEvent(domain.EventKillSwitch, "tok-yes", map[string]any{
		"reason": "drawdown",
	}))

	out := waitFor(t, &buf, "kill_switch")
	assert.Contains(t, out, "kill_switch")
	assert.Contains(t, out, "reason=drawdown")
}

func TestConsole_Emit_NeverBlocks(t *testing.T) {
	var buf syncBuffer
	c := notify.NewConsoleWriter(&buf)
	defer c.Close()

	// Muchos más eventos que el buffer: Emit debe descartar, no bloquear
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			c.Emit(domain.NewEvent(domain.EventQuoteRefused, "tok", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Emit blocked under backpressure")
	}
}

func TestConsole_PrintPositions(t *testing.T) {
	var buf syncBuffer
	c := notify.NewConsoleWriter(&buf)
	defer c.Close()

	positions := []domain.Position{
		{TokenID: "tok-yes", Size: 100, AvgEntry: 0.40, RealizedPnL: 1.5},
		{TokenID: "tok-no", Size: -50, AvgEntry: 0.60},
	}
	prices := map[string]float64{"tok-yes": 0.45, "tok-no": 0.55}

	c.PrintPositions(positions, prices)

	out := buf.String()
	assert.Contains(t, out, "tok-yes")
	assert.Contains(t, out, "tok-no")
	// uPnL largo: 100 * (0.45 - 0.40) = 5
	assert.Contains(t, out, "$5.0000")
}

func TestConsole_PrintPositions_Empty(t *testing.T) {
	var buf syncBuffer
	c := notify.NewConsoleWriter(&buf)
	defer c.Close()

	c.PrintPositions(nil, nil)
	assert.Contains(t, buf.String(), "no open positions")
}

func TestConsole_PrintExecution(t *testing.T) {
	var buf syncBuffer
	c := notify.NewConsoleWriter(&buf)
	defer c.Close()

	now := time.Now().UTC()
	c.PrintExecution(domain.ExecutionResult{
		BasketID: "basket-abc",
		Phase:    domain.PhaseAbort,
		Legs: []domain.LegResult{
			{
				Leg:        domain.Leg{TokenID: "tok-yes", Side: domain.SideBuy, Price: 0.44, Size: 50},
				Status:     domain.LegCancelled,
				FilledSize: 0,
			},
		},
		Success:     false,
		PartialFill: true,
		Liquidated:  true,
		Reason:      "leg partially filled",
		StartedAt:   now,
		FinishedAt:  now.Add(time.Second),
	})

	out := buf.String()
	assert.Contains(t, out, "ABORT+PARTIAL+LIQ")
	assert.Contains(t, out, "leg partially filled")
	assert.Contains(t, out, "CANCELLED")
}
