package storage

// audit.go — rastro de auditoría append-only.
//
// Tablas:
//   arbitration_log     — un resumen por paso de arbitraje, clave trading_date
//   regime_transitions  — cambios de fase de sesión y de régimen de exposición
//
// No hay UPDATE ni DELETE salvo el prune por retención.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS arbitration_log (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    trading_date        TEXT    NOT NULL,
    recorded_at         TEXT    NOT NULL,
    cycle_seq           INTEGER NOT NULL DEFAULT 0,
    proposed            INTEGER NOT NULL DEFAULT 0,
    accepted            INTEGER NOT NULL DEFAULT 0,
    suppressed          INTEGER NOT NULL DEFAULT 0,
    proposed_by_class   TEXT    NOT NULL DEFAULT '{}',
    accepted_by_class   TEXT    NOT NULL DEFAULT '{}',
    proposed_by_type    TEXT    NOT NULL DEFAULT '{}',
    suppressed_by_reason TEXT   NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_arb_date ON arbitration_log(trading_date);

CREATE TABLE IF NOT EXISTS regime_transitions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT NOT NULL,
    from_state   TEXT NOT NULL,
    to_state     TEXT NOT NULL,
    reason       TEXT,
    gross_pct    REAL NOT NULL DEFAULT 0,
    trading_date TEXT NOT NULL,
    occurred_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_regime_date ON regime_transitions(trading_date);
`

const retentionAudit = 90 * 24 * time.Hour

// AppendArbitration inserta un resumen de arbitraje.
func (s *SQLiteStorage) AppendArbitration(ctx context.Context, e domain.ArbitrationLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitration_log
		  (trading_date, recorded_at, cycle_seq, proposed, accepted, suppressed,
		   proposed_by_class, accepted_by_class, proposed_by_type, suppressed_by_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.TradingDate, formatTime(e.RecordedAt), int64(e.CycleSeq),
		e.Proposed, e.Accepted, e.Suppressed,
		mustJSON(e.ProposedByClass), mustJSON(e.AcceptedByClass),
		mustJSON(e.ProposedByType), mustJSON(e.SuppressedByReason),
	)
	if err != nil {
		return fmt.Errorf("storage.AppendArbitration: %w", err)
	}
	return nil
}

// AppendTransition inserta una transición de régimen.
func (s *SQLiteStorage) AppendTransition(ctx context.Context, t domain.RegimeTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regime_transitions
		  (kind, from_state, to_state, reason, gross_pct, trading_date, occurred_at)
		VALUES (?,?,?,?,?,?,?)`,
		string(t.Kind), t.From, t.To, t.Reason, t.GrossPct,
		t.OccurredAt.UTC().Format(time.DateOnly), formatTime(t.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("storage.AppendTransition: %w", err)
	}
	return nil
}

// ArbitrationByDate devuelve los resúmenes de un día en orden de inserción.
func (s *SQLiteStorage) ArbitrationByDate(ctx context.Context, tradingDate string) ([]domain.ArbitrationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trading_date, recorded_at, cycle_seq, proposed, accepted, suppressed,
		       proposed_by_class, accepted_by_class, proposed_by_type, suppressed_by_reason
		FROM arbitration_log
		WHERE trading_date = ?
		ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("storage.ArbitrationByDate: query: %w", err)
	}
	defer rows.Close()

	var out []domain.ArbitrationLogEntry
	for rows.Next() {
		var e domain.ArbitrationLogEntry
		var recorded, byClass, accByClass, byType, byReason string
		var seq int64
		if err := rows.Scan(&e.TradingDate, &recorded, &seq, &e.Proposed, &e.Accepted, &e.Suppressed,
			&byClass, &accByClass, &byType, &byReason); err != nil {
			return nil, fmt.Errorf("storage.ArbitrationByDate: scan row: %w", err)
		}
		e.RecordedAt = parseTime(recorded)
		e.CycleSeq = uint64(seq)
		_ = json.Unmarshal([]byte(byClass), &e.ProposedByClass)
		_ = json.Unmarshal([]byte(accByClass), &e.AcceptedByClass)
		_ = json.Unmarshal([]byte(byType), &e.ProposedByType)
		_ = json.Unmarshal([]byte(byReason), &e.SuppressedByReason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TransitionsByDate devuelve las transiciones de un día en orden de inserción.
func (s *SQLiteStorage) TransitionsByDate(ctx context.Context, tradingDate string) ([]domain.RegimeTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, from_state, to_state, COALESCE(reason, ''), gross_pct, occurred_at
		FROM regime_transitions
		WHERE trading_date = ?
		ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("storage.TransitionsByDate: query: %w", err)
	}
	defer rows.Close()

	var out []domain.RegimeTransition
	for rows.Next() {
		var t domain.RegimeTransition
		var kind, occurred string
		if err := rows.Scan(&kind, &t.From, &t.To, &t.Reason, &t.GrossPct, &occurred); err != nil {
			return nil, fmt.Errorf("storage.TransitionsByDate: scan row: %w", err)
		}
		t.Kind = domain.RegimeKind(kind)
		t.OccurredAt = parseTime(occurred)
		out = append(out, t)
	}
	return out, rows.Err()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "{}"
	}
	return string(b)
}
