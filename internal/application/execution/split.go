package execution

// split.go — envío de órdenes troceadas con ritmo entre hijas.
//
// Las hijas salen separadas por ChildDelay (rate.Limiter con burst 1). Si una
// hija falla se anota en su resultado y se sigue con la siguiente: un fallo
// nunca bloquea el resto de la secuencia.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
	"golang.org/x/time/rate"
)

// ChildResult es el resultado de una hija.
type ChildResult struct {
	Child    domain.ChildOrder
	Proposal domain.OrderProposal
	Event    domain.ExecutionEvent
	Err      error
}

// Filled devuelve true si la hija produjo un fill.
func (r ChildResult) Filled() bool {
	return r.Err == nil && r.Event.FillQty > 0
}

// PlanOrder trocea una propuesta conservando su cantidad exacta.
//
// Split trabaja sobre lotes; una salida completa puede no ser múltiplo de 100
// (p.ej. 1350) y una residual permitida puede ser menor que el lote mínimo.
// La parte no múltiplo y el remanente descartado por Split se suman a la
// última hija, así que Sum() == p.Qty siempre.
func PlanOrder(p domain.OrderProposal, cfg domain.SplitConfig) domain.SplitPlan {
	single := domain.SplitPlan{
		ParentID: p.ID,
		Total:    p.Qty,
		Children: []domain.ChildOrder{{ParentID: p.ID, Index: 1, Count: 1, Qty: p.Qty}},
	}
	if p.Qty <= 0 {
		return domain.SplitPlan{ParentID: p.ID}
	}

	odd := p.Qty % domain.LotSize
	base := p.Qty - odd
	if base < domain.MinLotSize || p.Qty <= cfg.Threshold {
		return single
	}

	plan := domain.Split(base, cfg, p.ID)
	if len(plan.Children) == 0 {
		return single
	}
	plan.Children[len(plan.Children)-1].Qty += odd + plan.Dropped
	plan.Total = p.Qty
	plan.Dropped = 0
	return plan
}

// SplitExecutor envía las hijas de un plan a un OrderExecutor.
type SplitExecutor struct {
	exec    ports.OrderExecutor
	limiter *rate.Limiter
}

// NewSplitExecutor crea un executor con delay mínimo entre hijas.
func NewSplitExecutor(exec ports.OrderExecutor, childDelay time.Duration) *SplitExecutor {
	limit := rate.Inf
	if childDelay > 0 {
		limit = rate.Every(childDelay)
	}
	return &SplitExecutor{exec: exec, limiter: rate.NewLimiter(limit, 1)}
}

// Execute envía cada hija de plan como una propuesta derivada de parent.
func (s *SplitExecutor) Execute(ctx context.Context, parent domain.OrderProposal, plan domain.SplitPlan) []ChildResult {
	results := make([]ChildResult, 0, len(plan.Children))

	for _, child := range plan.Children {
		p := parent
		p.ID = fmt.Sprintf("%s-%d", parent.ID, child.Index)
		p.Qty = child.Qty
		p.ParentID = parent.ID
		p.ChildIndex = child.Index
		p.ChildCount = child.Count

		res := ChildResult{Child: child, Proposal: p}
		if err := s.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("execution.Execute: pacing: %w", err)
			results = append(results, res)
			continue
		}

		ev, err := s.exec.Execute(ctx, p)
		if err != nil {
			res.Err = fmt.Errorf("execution.Execute: child %d/%d: %w", child.Index, child.Count, err)
			slog.Warn("execution: child failed",
				"parent", parent.ID,
				"symbol", parent.Symbol,
				"child", child.Index,
				"count", child.Count,
				"qty", child.Qty,
				"err", err,
			)
		} else {
			res.Event = ev
		}
		results = append(results, res)
	}
	return results
}
