package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alejandrodnm/prefbot/internal/application/execution"
	"github.com/alejandrodnm/prefbot/internal/application/ledger"
	"github.com/alejandrodnm/prefbot/internal/domain"
)

// finish aplica last-snapshot-wins, audita el arbitraje y envía lo aceptado.
// Un ciclo cuyo seq es menor que el último completado se descarta entero.
func (e *Engine) finish(ctx context.Context, d decision) domain.CycleReport {
	e.mu.Lock()
	stale := d.seq < e.lastCompleted
	if !stale {
		e.lastCompleted = d.seq
	}
	e.mu.Unlock()

	if stale {
		slog.Warn("engine: stale snapshot discarded", "seq", d.seq, "accepted", len(d.accepted))
		for _, p := range d.accepted {
			d.suppress(p, ReasonStaleSnapshot)
		}
		d.accepted = nil
	}

	if e.deps.Tracker != nil {
		e.deps.Tracker.Record(ctx, d.seq, d.proposed, d.accepted, d.suppressed)
	}

	report := d.report
	report.Accepted = d.accepted
	report.Suppressed = d.suppressed
	report.Stale = stale

	if stale || e.cfg.DryRun || len(d.accepted) == 0 {
		return report
	}
	report.Submitted = e.submit(ctx, d.accepted)
	return report
}

// submit envía las propuestas una a una. Los envíos de ciclos distintos no
// se intercalan.
func (e *Engine) submit(ctx context.Context, accepted []domain.OrderProposal) []domain.Submission {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	out := make([]domain.Submission, 0, len(accepted))
	for _, p := range accepted {
		plan := execution.PlanOrder(p, e.cfg.Split)
		results := e.splitter.Execute(ctx, p, plan)

		sub := domain.Submission{Proposal: p, Children: make([]domain.ChildFill, 0, len(results))}
		for _, r := range results {
			cf := domain.ChildFill{OrderID: r.Proposal.ID, Qty: r.Child.Qty}
			if r.Err != nil {
				cf.Err = r.Err.Error()
				sub.Children = append(sub.Children, cf)
				continue
			}
			ev := e.normalizeFill(r)
			cf.Filled, cf.Price = ev.FillQty, ev.FillPrice
			sub.Children = append(sub.Children, cf)
			if ev.FillQty > 0 {
				e.recordFill(ctx, ev)
			}
		}
		out = append(out, sub)
	}
	return out
}

// normalizeFill completa los campos que el executor puede dejar vacíos.
func (e *Engine) normalizeFill(r execution.ChildResult) domain.ExecutionEvent {
	ev := r.Event
	if ev.AccountID == "" {
		ev.AccountID = e.cfg.AccountID
	}
	if ev.Symbol == "" {
		ev.Symbol = r.Proposal.Symbol
	}
	if ev.Side == "" {
		ev.Side = r.Proposal.Side
	}
	if ev.Classification == "" {
		ev.Classification = r.Proposal.Classification
	}
	if ev.OrderID == "" {
		ev.OrderID = r.Proposal.ID
	}
	if ev.FilledAt.IsZero() {
		ev.FilledAt = e.now()
	}
	return ev
}

// recordFill publica el fill y, si es LT, lo aplica al ledger. Si el ledger
// no acepta la escritura, la entrada del stream queda para el consumidor.
func (e *Engine) recordFill(ctx context.Context, ev domain.ExecutionEvent) {
	if e.deps.Events != nil {
		if _, err := e.deps.Events.Append(ctx, ledger.ExecutionsStream, ledger.EncodeExecution(ev)); err != nil {
			slog.Warn("engine: execution append failed", "order_id", ev.OrderID, "err", err)
		}
	}
	if !ev.Classification.IsLT() {
		return
	}
	if _, err := e.deps.Ledger.ApplyFill(ctx, ev); err != nil {
		if errors.Is(err, ledger.ErrReconciliationPending) {
			slog.Warn("engine: ledger reconciliation pending",
				"order_id", ev.OrderID,
				"symbol", ev.Symbol,
				"err", err,
			)
			return
		}
		slog.Error("engine: ledger fill rejected", "order_id", ev.OrderID, "symbol", ev.Symbol, "err", err)
	}
}
