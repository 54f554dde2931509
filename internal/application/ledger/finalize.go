package ledger

// finalize.go — reconciliación de fin de día.
//
// Para cada símbolo con entrada LT o posición en broker:
//   mm = broker_net − lt
//   broker_net == 0               → lt := 0 (sin posiciones LT fantasma)
//   lt y mm con signos opuestos   → colapso: lt := broker_net (mm queda en 0)
//
// Los símbolos se evalúan de forma aislada: uno inválido queda en Failed y no
// frena a los demás. Lo que sí cambia se escribe en UN ApplyChange por cuenta,
// así que un corte a mitad deja la cuenta entera como estaba y finalize_day
// se puede relanzar. Es idempotente: tras un colapso mm = 0 y no hay nada que
// volver a tocar.

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// Acciones de reconciliación por símbolo.
const (
	ActionUnchanged = "unchanged"
	ActionCollapse  = "collapse"
	ActionFlatten   = "flatten"
)

// FinalizeRow es el resultado de un símbolo.
type FinalizeRow struct {
	Symbol    string
	BrokerNet int64
	LTBefore  int64
	LTAfter   int64
	MMAfter   int64
	Action    string
}

// FinalizeReport resume una pasada de finalize_day.
type FinalizeReport struct {
	AccountID string
	Rows      []FinalizeRow
	Failed    map[string]error
	Changed   int
}

// Count devuelve cuántas filas tienen la acción dada.
func (r FinalizeReport) Count(action string) int {
	n := 0
	for _, row := range r.Rows {
		if row.Action == action {
			n++
		}
	}
	return n
}

// reconcile decide el nuevo lt de un símbolo.
func reconcile(symbol string, brokerNet, lt int64) (FinalizeRow, error) {
	row := FinalizeRow{Symbol: symbol, BrokerNet: brokerNet, LTBefore: lt, LTAfter: lt, Action: ActionUnchanged}
	if symbol == "" {
		return row, fmt.Errorf("empty symbol")
	}

	mm := domain.MMQty(brokerNet, lt)
	switch {
	case brokerNet == 0 && lt != 0:
		row.LTAfter = 0
		row.Action = ActionFlatten
	case (lt > 0 && mm < 0) || (lt < 0 && mm > 0):
		row.LTAfter = brokerNet
		row.Action = ActionCollapse
	}
	row.MMAfter = domain.MMQty(brokerNet, row.LTAfter)
	return row, nil
}

// FinalizeDay reconcilia la cuenta contra la foto del broker.
func (s *Store) FinalizeDay(ctx context.Context, accountID string, broker []domain.Position) (FinalizeReport, error) {
	var report FinalizeReport

	err := s.mutate(ctx, accountID, func(entries map[string]domain.LedgerEntry) (ports.LedgerChange, error) {
		report = FinalizeReport{AccountID: accountID, Failed: make(map[string]error)}

		net := make(map[string]int64, len(broker))
		dup := make(map[string]bool)
		for _, p := range broker {
			if _, ok := net[p.Symbol]; ok {
				dup[p.Symbol] = true
			}
			net[p.Symbol] += p.Qty
		}

		symbols := make([]string, 0, len(net)+len(entries))
		for sym := range net {
			symbols = append(symbols, sym)
		}
		for sym := range entries {
			if _, ok := net[sym]; !ok {
				symbols = append(symbols, sym)
			}
		}
		slices.Sort(symbols)

		var change ports.LedgerChange
		for _, sym := range symbols {
			if dup[sym] {
				report.Failed[sym] = fmt.Errorf("duplicate broker position")
				continue
			}
			row, err := reconcile(sym, net[sym], entries[sym].LTQtyRaw)
			if err != nil {
				report.Failed[sym] = err
				continue
			}
			report.Rows = append(report.Rows, row)
			if row.LTAfter != row.LTBefore {
				stage(&change, entries, sym, row.LTAfter)
				report.Changed++
			}
		}
		return change, nil
	})
	if err != nil {
		return report, fmt.Errorf("ledger.FinalizeDay: %w", err)
	}

	for sym, ferr := range report.Failed {
		slog.Warn("ledger: finalize skipped symbol", "account", accountID, "symbol", sym, "err", ferr)
	}
	s.metrics.LedgerReconciled(ActionCollapse, report.Count(ActionCollapse))
	s.metrics.LedgerReconciled(ActionFlatten, report.Count(ActionFlatten))

	slog.Info("ledger: finalize complete",
		"account", accountID,
		"symbols", len(report.Rows),
		"changed", report.Changed,
		"collapsed", report.Count(ActionCollapse),
		"flattened", report.Count(ActionFlatten),
		"failed", len(report.Failed),
	)
	return report, nil
}
