package storage

// sqlite.go — journal de estado en SQLite (pure Go, sin CGo).
//
// Estrategia:
//   - `checkpoint`: UNA fila (id=1) con el estado de riesgo. Se sobreescribe
//     en cada export; lo único que importa es el último.
//   - `positions`: una fila por token con posición abierta. Se reescribe
//     completa dentro de la misma transacción del checkpoint.
//   - `fills`: journal append-only. El PRIMARY KEY sobre el fill ID da
//     idempotencia gratis ante re-entregas.
//   - `executions`: una fila por intento de basket terminado, con las legs
//     serializadas como JSON — se consultan para post-mortem, no en caliente.
//   - Prune automático al arrancar: fills > 30d, executions > 30d.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
-- Último checkpoint de riesgo (siempre una sola fila)
CREATE TABLE IF NOT EXISTS checkpoint (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    state       TEXT     NOT NULL,
    equity      REAL     NOT NULL DEFAULT 0,
    peak_equity REAL     NOT NULL DEFAULT 0,
    kill_reason TEXT,
    killed_at   DATETIME,
    exported_at DATETIME NOT NULL
);

-- Posiciones abiertas en el último checkpoint
CREATE TABLE IF NOT EXISTS positions (
    token_id     TEXT PRIMARY KEY,
    size         REAL NOT NULL DEFAULT 0,
    avg_entry    REAL NOT NULL DEFAULT 0,
    realized_pnl REAL NOT NULL DEFAULT 0,
    updated_at   DATETIME NOT NULL
);

-- Journal append-only de fills
CREATE TABLE IF NOT EXISTS fills (
    id       TEXT PRIMARY KEY,
    token_id TEXT NOT NULL,
    side     TEXT NOT NULL,
    price    REAL NOT NULL,
    size     REAL NOT NULL,
    micro_at REAL NOT NULL DEFAULT 0,
    ts       DATETIME NOT NULL
);

-- Intentos de ejecución de baskets terminados
CREATE TABLE IF NOT EXISTS executions (
    basket_id    TEXT PRIMARY KEY,
    phase        TEXT NOT NULL,
    aborted_in   TEXT,
    success      INTEGER NOT NULL DEFAULT 0,
    partial_fill INTEGER NOT NULL DEFAULT 0,
    liquidated   INTEGER NOT NULL DEFAULT 0,
    reason       TEXT,
    total_cost   REAL NOT NULL DEFAULT 0,
    total_filled REAL NOT NULL DEFAULT 0,
    legs         TEXT NOT NULL,
    started_at   DATETIME NOT NULL,
    finished_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_token ON fills(token_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_exec_at     ON executions(finished_at DESC);
`

const retentionJournal = 30 * 24 * time.Hour

// SQLiteStore implementa ports.StateStore usando SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia datos antiguos.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveSnapshot persiste el checkpoint completo en una sola transacción:
// checkpoint de riesgo + reescritura de la tabla de posiciones.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.StateSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: begin tx: %w", err)
	}
	defer tx.Rollback()

	var killedAt *time.Time
	if snap.Risk.KilledAt != nil {
		t := snap.Risk.KilledAt.UTC()
		killedAt = &t
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint (id, state, equity, peak_equity, kill_reason, killed_at, exported_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state       = excluded.state,
			equity      = excluded.equity,
			peak_equity = excluded.peak_equity,
			kill_reason = excluded.kill_reason,
			killed_at   = excluded.killed_at,
			exported_at = excluded.exported_at
	`,
		snap.Risk.State.String(),
		snap.Risk.Equity,
		snap.Risk.PeakEquity,
		snap.Risk.KillReason,
		killedAt,
		snap.ExportedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveSnapshot: upsert checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("storage.SaveSnapshot: clear positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (token_id, size, avg_entry, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveSnapshot: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range snap.Positions {
		if _, err := stmt.ExecContext(ctx,
			p.TokenID, p.Size, p.AvgEntry, p.RealizedPnL, p.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("storage.SaveSnapshot: insert position %s: %w", p.TokenID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveSnapshot: commit: %w", err)
	}
	return nil
}

// LoadSnapshot devuelve el último checkpoint. ok=false si nunca se exportó.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (domain.StateSnapshot, bool, error) {
	var snap domain.StateSnapshot
	var stateStr string
	var killReason sql.NullString
	var killedAt sql.NullTime
	var exportedAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT state, equity, peak_equity, kill_reason, killed_at, exported_at
		FROM checkpoint WHERE id = 1
	`).Scan(&stateStr, &snap.Risk.Equity, &snap.Risk.PeakEquity, &killReason, &killedAt, &exportedAt)
	if err == sql.ErrNoRows {
		return domain.StateSnapshot{}, false, nil
	}
	if err != nil {
		return domain.StateSnapshot{}, false, fmt.Errorf("storage.LoadSnapshot: query checkpoint: %w", err)
	}

	snap.Risk.State = parseState(stateStr)
	snap.Risk.KillReason = killReason.String
	if killedAt.Valid {
		t := killedAt.Time
		snap.Risk.KilledAt = &t
	}
	snap.ExportedAt = exportedAt

	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, size, avg_entry, realized_pnl, updated_at FROM positions
	`)
	if err != nil {
		return domain.StateSnapshot{}, false, fmt.Errorf("storage.LoadSnapshot: query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.TokenID, &p.Size, &p.AvgEntry, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return domain.StateSnapshot{}, false, fmt.Errorf("storage.LoadSnapshot: scan position: %w", err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return domain.StateSnapshot{}, false, fmt.Errorf("storage.LoadSnapshot: rows: %w", err)
	}

	return snap, true, nil
}

// SaveFill añade un fill al journal. Re-entregas del mismo fill ID son no-ops.
func (s *SQLiteStore) SaveFill(ctx context.Context, fill domain.Fill) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (id, token_id, side, price, size, micro_at, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		fill.ID, fill.TokenID, string(fill.Side), fill.Price, fill.Size,
		fill.MicroAt, fill.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveFill %s: %w", fill.ID, err)
	}
	return nil
}

// SaveExecution registra un intento de basket terminado.
func (s *SQLiteStore) SaveExecution(ctx context.Context, result domain.ExecutionResult) error {
	legs, err := json.Marshal(result.Legs)
	if err != nil {
		return fmt.Errorf("storage.SaveExecution: marshal legs: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(basket_id, phase, aborted_in, success, partial_fill, liquidated,
			 reason, total_cost, total_filled, legs, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(basket_id) DO NOTHING
	`,
		result.BasketID,
		string(result.Phase),
		string(result.AbortedIn),
		boolInt(result.Success),
		boolInt(result.PartialFill),
		boolInt(result.Liquidated),
		result.Reason,
		result.TotalCost,
		result.TotalFilled,
		string(legs),
		result.StartedAt.UTC(),
		result.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveExecution %s: %w", result.BasketID, err)
	}
	return nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// pruneOld elimina journal antiguo para mantener la DB ligera.
func (s *SQLiteStore) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionJournal)
	s.db.ExecContext(ctx, `DELETE FROM fills WHERE ts < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM executions WHERE finished_at < ?`, cutoff)
}

func parseState(s string) domain.TradingState {
	switch s {
	case "DEGRADED":
		return domain.StateDegraded
	case "KILLED":
		return domain.StateKilled
	default:
		return domain.StateRunning
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
