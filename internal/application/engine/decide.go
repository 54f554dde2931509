package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alejandrodnm/prefbot/internal/application/banddrift"
	"github.com/alejandrodnm/prefbot/internal/application/liquidity"
	"github.com/alejandrodnm/prefbot/internal/application/ranking"
	"github.com/alejandrodnm/prefbot/internal/application/session"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Motivos de supresión propios del engine.
const (
	ReasonMissingQuote    = "missing quote"
	ReasonDust            = "dust"
	ReasonAddsBlocked     = "adds blocked: hard regime"
	ReasonSuperseded      = "superseded by derisk"
	ReasonCycleLimit      = "cycle order limit"
	ReasonStaleSnapshot   = "stale snapshot"
	ReasonInvalidQty      = "invalid quantity"
	ReasonNetted          = "netted: no broker exposure to reduce"
	reasonLiquidityPrefix = "liquidity: "
)

// decision es lo que un ciclo decide antes de pasar por el control de
// staleness y el envío.
type decision struct {
	seq        uint64
	report     domain.CycleReport
	proposed   []domain.OrderProposal
	accepted   []domain.OrderProposal
	suppressed []domain.Suppression
}

func (d *decision) propose(p domain.OrderProposal) {
	d.proposed = append(d.proposed, p)
}

func (d *decision) accept(p domain.OrderProposal) {
	d.accepted = append(d.accepted, p)
}

func (d *decision) suppress(p domain.OrderProposal, reason string) {
	d.suppressed = append(d.suppressed, domain.Suppression{Proposal: p, Reason: reason})
}

// TargetNotional devuelve cuánto nocional hay que reducir para volver al
// umbral soft. En SOFT solo se persigue la fracción reduce_intent.
func TargetNotional(intent domain.Intent, exp domain.Exposure, cfg domain.IntentConfig) decimal.Decimal {
	gap := exp.GrossPct - cfg.SoftThreshold()
	if intent.Regime == domain.RegimeNormal || gap <= 0 || exp.Equity <= 0 {
		return decimal.Zero
	}
	t := decimal.NewFromFloat(exp.Equity).Mul(decimal.NewFromFloat(gap)).Div(decimal.NewFromInt(100))
	if intent.Regime == domain.RegimeSoft {
		t = t.Mul(decimal.NewFromFloat(intent.ReduceIntent)).Div(decimal.NewFromInt(100))
	}
	return t.Round(2)
}

// decide lee la foto del ciclo y produce propuestas aceptadas y suprimidas.
func (e *Engine) decide(ctx context.Context, seq uint64) (decision, error) {
	d := decision{seq: seq}

	positions, err := e.deps.Snapshot.Positions(ctx)
	if err != nil {
		return d, fmt.Errorf("engine.decide: positions: %w", err)
	}
	exp, err := e.deps.Snapshot.Exposure(ctx)
	if err != nil {
		return d, fmt.Errorf("engine.decide: exposure: %w", err)
	}
	if exp.AccountID == "" {
		exp.AccountID = e.cfg.AccountID
	}

	subs, err := e.deps.Ledger.Attribution(ctx, e.cfg.AccountID, positions)
	if err != nil {
		return d, fmt.Errorf("engine.decide: %w", err)
	}

	quotes := fetchQuotesConcurrent(ctx, e.deps.Snapshot, symbolsOf(subs), e.cfg.Workers)
	for i := range subs {
		if q, ok := quotes[subs[i].Symbol]; ok && subs[i].MarkPrice <= 0 {
			subs[i].MarkPrice = q.Mid()
		}
	}

	intent := domain.ComputeIntent(exp.GrossPct, e.cfg.Intent)
	e.deps.Metrics.ExposureObserved(exp.GrossPct, intent.AddIntent)
	if e.deps.Regimes != nil {
		e.deps.Regimes.Observe(ctx, domain.RegimeKindExposure, string(intent.Regime),
			fmt.Sprintf("gross %.1f%%", exp.GrossPct), exp.GrossPct)
	}

	sess, _ := session.Latest(ctx, e.deps.State)

	var lt []domain.Position
	for _, p := range subs {
		if p.Bucket == domain.BucketLT {
			lt = append(lt, p)
		}
	}

	var (
		assessment  banddrift.Assessment
		correctives []banddrift.Corrective
	)
	if e.deps.Bands != nil {
		assessment, correctives, err = e.deps.Bands.Evaluate(ctx, e.cfg.AccountID, lt, exp.Equity, exp.GrossPct)
		if err != nil {
			slog.Warn("engine: band state unavailable", "err", err)
		}
	}

	target := TargetNotional(intent, exp, e.cfg.Intent)
	d.report = domain.CycleReport{
		Seq:      seq,
		Exposure: exp,
		Intent:   intent,
		Session:  sess,
		Target:   target.InexactFloat64(),
		DryRun:   e.cfg.DryRun,
	}

	// LT y MM suman la posición del broker; el neto es lo reducible.
	net := make(map[string]int64, len(subs))
	for _, p := range subs {
		net[p.Symbol] += p.Qty
	}

	exits := make(map[string]bool)
	if target.IsPositive() {
		e.derisk(&d, subs, quotes, intent, sess, target, assessment.Bias, net, exits)
	}
	e.correct(&d, correctives, quotes, intent, sess, net, exits)
	e.limit(&d)

	return d, nil
}

// derisk selecciona salidas hasta cubrir target. Cada salida pasa por el
// guard y por el neto del broker antes de contar para el objetivo.
func (e *Engine) derisk(
	d *decision,
	subs []domain.Position,
	quotes map[string]domain.MarketQuote,
	intent domain.Intent,
	sess domain.SessionState,
	target decimal.Decimal,
	bias domain.BandBias,
	net map[string]int64,
	exits map[string]bool,
) {
	mode, intentType := ranking.ModeChurn, domain.IntentSoftDerisk
	if intent.Regime == domain.RegimeHard {
		mode, intentType = ranking.ModeHardExit, domain.IntentHardDerisk
	}

	cands := make([]ranking.Candidate, 0, len(subs))
	for _, p := range subs {
		if p.Qty == 0 {
			continue
		}
		cls := p.ExitClassification()
		q, ok := quotes[p.Symbol]
		if !ok {
			pr := e.proposal(p.Symbol, cls, p.AbsQty(), 0, intentType, "derisk")
			d.propose(pr)
			d.suppress(pr, ReasonMissingQuote)
			continue
		}
		good := domain.Goodness(q, cls.Side(), e.cfg.GoodnessScale)
		cands = append(cands, ranking.Candidate{
			Position:   p,
			Quote:      q,
			Confidence: domain.Desire(intent.ReduceIntent, good, e.cfg.DesireAlpha, e.cfg.DesireBeta),
		})
	}
	relativeConfidence(cands)

	size := func(c ranking.Candidate) (int64, string) {
		p := c.Position
		room := reducible(net[p.Symbol], p.Qty)
		if room == 0 {
			return 0, ReasonNetted
		}
		qty, reason := e.sizeExit(p, c.Quote, sess, intentType, room)
		if qty == 0 {
			return 0, reason
		}
		reduceNet(net, p, qty)
		return qty, ""
	}

	res := e.deps.Ranker.SelectSized(cands, target, mode, bias, size)

	for i, sel := range res.Selected {
		c := sel.Candidate
		pr := e.proposal(c.Position.Symbol, sel.Classification, sel.Qty, sel.Confidence, intentType,
			fmt.Sprintf("%s rank %d", mode, i+1))
		d.propose(pr)
		d.accept(pr)
		exits[exitKey(c.Position.Symbol, c.Position.Bucket)] = true
	}

	for _, s := range res.Skipped {
		c := s.Candidate
		pr := e.proposal(c.Position.Symbol, c.Position.ExitClassification(), c.Position.AbsQty(),
			c.NormalizedConfidence(), intentType, string(mode))
		d.propose(pr)
		d.suppress(pr, s.Reason)
	}

	if !res.TargetMet() {
		slog.Info("engine: derisk target not met",
			"target", res.Target.StringFixed(2),
			"selected", res.Filled.StringFixed(2),
			"mode", mode,
		)
	}
}

// relativeConfidence reescala el desire de cada candidato contra el mejor del
// ciclo, que queda en 1. Sin ningún desire positivo todos quedan en 1.
func relativeConfidence(cands []ranking.Candidate) {
	best := 0.0
	for _, c := range cands {
		best = max(best, c.Confidence)
	}
	for i := range cands {
		if best <= 0 {
			cands[i].Confidence = 1
			continue
		}
		cands[i].Confidence /= best
	}
}

// reducible devuelve cuántas acciones puede mover una salida de la sub-posición
// leg sin cruzar el neto del broker por cero. Patas de signo opuesto al neto
// no tienen exposición que reducir.
func reducible(net, leg int64) int64 {
	switch {
	case leg > 0 && net > 0:
		return min(leg, net)
	case leg < 0 && net < 0:
		return min(-leg, -net)
	}
	return 0
}

func reduceNet(net map[string]int64, p domain.Position, qty int64) {
	if p.Qty > 0 {
		net[p.Symbol] -= qty
	} else {
		net[p.Symbol] += qty
	}
}

// sizeExit pasa una salida de hasta room acciones por el guard y la deja
// ejecutable.
func (e *Engine) sizeExit(p domain.Position, q domain.MarketQuote, sess domain.SessionState, it domain.IntentType, room int64) (int64, string) {
	want := min(p.AbsQty(), room)
	dec, err := e.deps.Guard.Admit(liquidity.Request{
		Symbol:         p.Symbol,
		Bucket:         p.Bucket,
		DesiredQty:     float64(want),
		AvgDailyVolume: q.AvgDailyVolume,
		MinutesToClose: sess.MinutesToClose,
		IntentType:     it,
	})
	if err != nil {
		return 0, ReasonInvalidQty
	}
	if dec.Deferred || dec.Qty == 0 {
		return 0, reasonLiquidityPrefix + dec.Reason
	}
	if dec.Qty >= want {
		return want, ""
	}
	qty := domain.SizeReduction(want, dec.Qty, e.deps.Guard.MinLot())
	if qty == 0 {
		return 0, ReasonDust
	}
	return qty, ""
}

// correct convierte los correctivos de bandas en propuestas. No compiten con
// el de-risk: si la posición ya sale en este ciclo, el correctivo sobra.
func (e *Engine) correct(
	d *decision,
	correctives []banddrift.Corrective,
	quotes map[string]domain.MarketQuote,
	intent domain.Intent,
	sess domain.SessionState,
	net map[string]int64,
	exits map[string]bool,
) {
	type scored struct {
		c      banddrift.Corrective
		q      domain.MarketQuote
		ok     bool
		desire float64
	}
	list := make([]scored, 0, len(correctives))
	for _, c := range correctives {
		q, ok := quotes[c.Position.Symbol]
		s := scored{c: c, q: q, ok: ok}
		if ok {
			iv := intent.ReduceIntent
			if c.Classification.IsIncrease() {
				iv = intent.AddIntent
			}
			good := domain.Goodness(q, c.Classification.Side(), e.cfg.GoodnessScale)
			s.desire = domain.Desire(iv, good, e.cfg.DesireAlpha, e.cfg.DesireBeta)
		}
		list = append(list, s)
	}
	slices.SortStableFunc(list, func(a, b scored) int {
		if c := cmp.Compare(b.desire, a.desire); c != 0 {
			return c
		}
		return cmp.Compare(a.c.Position.Symbol, b.c.Position.Symbol)
	})

	for _, s := range list {
		c := s.c
		pr := e.proposal(c.Position.Symbol, c.Classification, int64(c.RawQty+0.5), s.desire,
			domain.IntentBandCorrective, c.Reason)
		d.propose(pr)

		switch {
		case exits[exitKey(c.Position.Symbol, domain.BucketLT)]:
			d.suppress(pr, ReasonSuperseded)
			continue
		case c.Classification.IsIncrease() && intent.Regime == domain.RegimeHard:
			d.suppress(pr, ReasonAddsBlocked)
			continue
		case !s.ok:
			d.suppress(pr, ReasonMissingQuote)
			continue
		}

		desired, room := c.RawQty, int64(0)
		if !c.Classification.IsIncrease() {
			room = reducible(net[c.Position.Symbol], c.Position.Qty)
			if room == 0 {
				d.suppress(pr, ReasonNetted)
				continue
			}
			desired = min(desired, float64(room))
		}

		dec, err := e.deps.Guard.Admit(liquidity.Request{
			Symbol:         c.Position.Symbol,
			Bucket:         domain.BucketLT,
			DesiredQty:     desired,
			AvgDailyVolume: s.q.AvgDailyVolume,
			MinutesToClose: sess.MinutesToClose,
			IntentType:     domain.IntentBandCorrective,
		})
		if err != nil {
			d.suppress(pr, ReasonInvalidQty)
			continue
		}
		if dec.Deferred {
			d.suppress(pr, reasonLiquidityPrefix+dec.Reason)
			continue
		}

		var qty int64
		if c.Classification.IsIncrease() {
			qty = domain.RoundLot(float64(dec.Qty))
		} else {
			qty = domain.SizeReduction(min(c.Position.AbsQty(), room), dec.Qty, e.deps.Guard.MinLot())
		}
		if qty == 0 {
			d.suppress(pr, ReasonDust)
			continue
		}
		if !c.Classification.IsIncrease() {
			reduceNet(net, c.Position, qty)
		}
		pr.Qty = qty
		d.accept(pr)
	}
}

// limit aplica el tope de órdenes por ciclo respetando el orden de aceptación.
func (e *Engine) limit(d *decision) {
	n := e.cfg.MaxOrdersPerCycle
	if n <= 0 || len(d.accepted) <= n {
		return
	}
	for _, p := range d.accepted[n:] {
		d.suppress(p, ReasonCycleLimit)
	}
	d.accepted = d.accepted[:n]
}

func (e *Engine) proposal(symbol string, cls domain.Classification, qty int64, conf float64, it domain.IntentType, reason string) domain.OrderProposal {
	return domain.OrderProposal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           cls.Side(),
		Qty:            qty,
		Classification: cls,
		Confidence:     conf,
		IntentType:     it,
		Reason:         reason,
	}
}

func exitKey(symbol string, b domain.Bucket) string {
	return symbol + "/" + string(b)
}

func symbolsOf(subs []domain.Position) []string {
	seen := make(map[string]bool, len(subs))
	out := make([]string, 0, len(subs))
	for _, p := range subs {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	slices.Sort(out)
	return out
}
