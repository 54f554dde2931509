package storage

// sqlite.go — persistencia del ledger interno LT.
//
// Estrategia:
//   - `ledger_entries`: una fila por (cuenta, símbolo) con lt_qty_raw y una
//     columna version. Cada escritura es compare-and-swap sobre la versión
//     leída: dos ciclos concurrentes no pueden pisarse.
//   - `ledger_applied_fills`: IDs de fills ya aplicados, escritos en la misma
//     transacción que el cambio de cantidad. Re-entregar un fill es un no-op.
//   - Todo cambio de una cuenta se aplica en UNA transacción: finalize_day no
//     puede quedar a medias entre símbolos.
//   - Prune al arrancar: fills aplicados > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    account_id  TEXT    NOT NULL,
    symbol      TEXT    NOT NULL,
    lt_qty_raw  INTEGER NOT NULL DEFAULT 0,
    version     INTEGER NOT NULL DEFAULT 1,
    updated_at  TEXT    NOT NULL,
    PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS ledger_applied_fills (
    account_id  TEXT NOT NULL,
    fill_id     TEXT NOT NULL,
    applied_at  TEXT NOT NULL,
    PRIMARY KEY (account_id, fill_id)
);

CREATE INDEX IF NOT EXISTS idx_fills_applied ON ledger_applied_fills(applied_at);
`

const retentionFills = 30 * 24 * time.Hour

// SQLiteStorage implementa ports.LedgerStorage y ports.AuditStorage usando
// SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica los schemas y limpia datos antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	for _, ddl := range []string{schema, auditSchema} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
		}
	}

	s := &SQLiteStorage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	s.pruneOld(context.Background())
	return s, nil
}

// LoadAccount devuelve las entradas LT de la cuenta indexadas por símbolo.
func (s *SQLiteStorage) LoadAccount(ctx context.Context, accountID string) (map[string]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, lt_qty_raw, version, updated_at
		FROM ledger_entries
		WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadAccount: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.LedgerEntry)
	for rows.Next() {
		e := domain.LedgerEntry{AccountID: accountID}
		var updated string
		if err := rows.Scan(&e.Symbol, &e.LTQtyRaw, &e.Version, &updated); err != nil {
			return nil, fmt.Errorf("storage.LoadAccount: scan row: %w", err)
		}
		e.UpdatedAt = parseTime(updated)
		out[e.Symbol] = e
	}
	return out, rows.Err()
}

// ApplyChange aplica upserts, deletes y fills de una cuenta en una transacción.
// Cualquier versión desalineada aborta todo con ports.ErrVersionConflict.
func (s *SQLiteStorage) ApplyChange(ctx context.Context, change ports.LedgerChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ApplyChange: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())

	for _, fid := range change.FillIDs {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ledger_applied_fills (account_id, fill_id, applied_at) VALUES (?, ?, ?)`,
			change.AccountID, fid, now)
		if err != nil {
			return fmt.Errorf("storage.ApplyChange: record fill %s: %w", fid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("storage.ApplyChange: fill %s: %w", fid, ports.ErrFillAlreadyApplied)
		}
	}

	for _, e := range change.Upserts {
		var res sql.Result
		if e.Version == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (account_id, symbol, lt_qty_raw, version, updated_at)
				VALUES (?, ?, ?, 1, ?)
				ON CONFLICT(account_id, symbol) DO NOTHING`,
				change.AccountID, e.Symbol, e.LTQtyRaw, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE ledger_entries
				SET lt_qty_raw = ?, version = version + 1, updated_at = ?
				WHERE account_id = ? AND symbol = ? AND version = ?`,
				e.LTQtyRaw, now, change.AccountID, e.Symbol, e.Version)
		}
		if err != nil {
			return fmt.Errorf("storage.ApplyChange: upsert %s: %w", e.Symbol, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("storage.ApplyChange: upsert %s v%d: %w", e.Symbol, e.Version, ports.ErrVersionConflict)
		}
	}

	for _, e := range change.Deletes {
		if e.Version == 0 {
			continue // nunca existió
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM ledger_entries WHERE account_id = ? AND symbol = ? AND version = ?`,
			change.AccountID, e.Symbol, e.Version)
		if err != nil {
			return fmt.Errorf("storage.ApplyChange: delete %s: %w", e.Symbol, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("storage.ApplyChange: delete %s v%d: %w", e.Symbol, e.Version, ports.ErrVersionConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ApplyChange: commit: %w", err)
	}
	return nil
}

// FillApplied devuelve true si el fill ya se registró para la cuenta.
func (s *SQLiteStorage) FillApplied(ctx context.Context, accountID, fillID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_applied_fills WHERE account_id = ? AND fill_id = ?`,
		accountID, fillID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.FillApplied: %w", err)
	}
	return n > 0, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// pruneOld elimina datos antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoffFills := formatTime(s.now().Add(-retentionFills))
	cutoffAudit := formatTime(s.now().Add(-retentionAudit))
	s.db.ExecContext(ctx, `DELETE FROM ledger_applied_fills WHERE applied_at < ?`, cutoffFills)
	s.db.ExecContext(ctx, `DELETE FROM arbitration_log WHERE recorded_at < ?`, cutoffAudit)
	s.db.ExecContext(ctx, `DELETE FROM regime_transitions WHERE occurred_at < ?`, cutoffAudit)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
