package notify

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// Console implementa ports.Telemetry escribiendo a un writer (stdout por
// defecto). Los eventos van por un canal con buffer y un goroutine propio
// los drena: Emit nunca bloquea el hot path del core.
type Console struct {
	out    io.Writer
	events chan domain.Event
	done   chan struct{}
}

const eventBuffer = 512

// NewConsole crea un telemetry sink que escribe a stdout.
func NewConsole() *Console {
	return NewConsoleWriter(os.Stdout)
}

// NewConsoleWriter crea un telemetry sink para tests.
func NewConsoleWriter(w io.Writer) *Console {
	c := &Console{
		out:    w,
		events: make(chan domain.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.drain()
	return c
}

// Emit encola el evento. Si el buffer está lleno lo descarta — telemetría
// nunca puede frenar una ejecución.
func (c *Console) Emit(event domain.Event) {
	select {
	case c.events <- event:
	default:
		slog.Warn("telemetry buffer full, dropping event", "kind", event.Kind)
	}
}

// Close para el goroutine de drenaje. Eventos ya encolados se pierden.
func (c *Console) Close() {
	close(c.done)
}

func (c *Console) drain() {
	for {
		select {
		case ev := <-c.events:
			c.printEvent(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Console) printEvent(ev domain.Event) {
	ts := ev.At.Format("15:04:05")
	token := "-"
	if ev.TokenID != "" {
		token = truncate(ev.TokenID, 12)
	}

	line := fmt.Sprintf("[%s] %-22s %s", ts, ev.Kind, token)
	for _, k := range sortedKeys(ev.Detail) {
		line += fmt.Sprintf(" %s=%v", k, ev.Detail[k])
	}
	fmt.Fprintln(c.out, line)

	// Los eventos graves también van al log estructurado
	switch ev.Kind {
	case domain.EventKillSwitch, domain.EventLiquidation:
		slog.Error("critical event", "kind", ev.Kind, "token", ev.TokenID, "detail", ev.Detail)
	case domain.EventPartialFill, domain.EventGapSuspected:
		slog.Warn("degraded event", "kind", ev.Kind, "token", ev.TokenID, "detail", ev.Detail)
	}
}

// PrintPositions imprime la tabla de posiciones abiertas con su P&L
// marcado contra los precios dados.
func (c *Console) PrintPositions(positions []domain.Position, prices map[string]float64) {
	if len(positions) == 0 {
		fmt.Fprintf(c.out, "[%s] no open positions\n", time.Now().Format("15:04:05"))
		return
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].TokenID < positions[j].TokenID
	})

	table := tablewriter.NewWriter(c.out)
	table.Header("Token", "Size", "AvgEntry", "Exposure", "uPnL", "rPnL")

	var totExposure, totUnreal, totReal float64
	for _, p := range positions {
		unreal := p.UnrealizedPnL(prices[p.TokenID])
		totExposure += p.Exposure()
		totUnreal += unreal
		totReal += p.RealizedPnL

		table.Append(
			truncate(p.TokenID, 14),
			fmt.Sprintf("%.2f", p.Size),
			fmt.Sprintf("%.4f", p.AvgEntry),
			fmt.Sprintf("$%.2f", p.Exposure()),
			fmt.Sprintf("$%.4f", unreal),
			fmt.Sprintf("$%.4f", p.RealizedPnL),
		)
	}

	table.Render()
	fmt.Fprintf(c.out, "  exposure $%.2f | unrealized $%.4f | realized $%.4f\n",
		totExposure, totUnreal, totReal)
}

// PrintExecution imprime el resumen de un intento de basket.
func (c *Console) PrintExecution(result domain.ExecutionResult) {
	verdict := "OK"
	if !result.Success {
		verdict = "ABORT"
		if result.PartialFill {
			verdict = "ABORT+PARTIAL"
		}
		if result.Liquidated {
			verdict += "+LIQ"
		}
	}

	fmt.Fprintf(c.out, "\n[%s] basket %s — %s (%s, %.0fms)\n",
		result.FinishedAt.Format("15:04:05"),
		truncate(result.BasketID, 12),
		verdict,
		result.Phase,
		result.FinishedAt.Sub(result.StartedAt).Seconds()*1000,
	)

	if result.Reason != "" {
		fmt.Fprintf(c.out, "  reason: %s\n", result.Reason)
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Token", "Side", "Price", "Size", "Filled", "FillPx", "Status")

	for _, lr := range result.Legs {
		table.Append(
			truncate(lr.Leg.TokenID, 14),
			string(lr.Leg.Side),
			fmt.Sprintf("%.4f", lr.Leg.Price),
			fmt.Sprintf("%.2f", lr.Leg.Size),
			fmt.Sprintf("%.2f", lr.FilledSize),
			fmt.Sprintf("%.4f", lr.FillPrice),
			string(lr.Status),
		)
	}

	table.Render()
	fmt.Fprintf(c.out, "  cost $%.2f | filled %.2f shares\n", result.TotalCost, result.TotalFilled)
}

// --- helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
