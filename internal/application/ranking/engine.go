package ranking

// engine.go — HardExitEngine: orden total de candidatos para salidas forzadas
// y churn.
//
// Clave de orden (prioridad decreciente):
//   1. ganadoras antes que break-even/perdedoras
//   2. ganadoras: mayor beneficio primero; perdedoras: menor pérdida primero
//   3. preferencia de bucket (MM por defecto; LT si el coste de MM > k × LT)
//   4. sesgo de bandas LT (preferida → neutral → evitada)
//   5. menor ADV primero (la capacidad se regala a quien la necesita)
//   6. spread más estrecho primero
//   7. símbolo, bucket, cantidad
//
// El P&L se cuantiza con PnLTolerance antes de comparar: así "iguales" es una
// relación de equivalencia y el orden es transitivo.

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/shopspring/decimal"
)

// Mode selecciona la política de selección.
type Mode string

const (
	// ModeHardExit: de-risk forzado. La confianza nunca bloquea y las
	// clasificaciones evitadas solo se degradan.
	ModeHardExit Mode = "HARD_EXIT"
	// ModeChurn: confianza por debajo del gate y clasificaciones evitadas se saltan.
	ModeChurn Mode = "CHURN"
)

// Config parametriza el ranking.
type Config struct {
	CostOverrideMultiplier float64 // default 1.8
	ConfidenceGate         float64 // [0,1], default 0.5
	PnLTolerance           float64 // $ por debajo de los cuales dos P&L son iguales; 0 = exacto
}

// DefaultConfig devuelve la configuración por defecto.
func DefaultConfig() Config {
	return Config{
		CostOverrideMultiplier: 1.8,
		ConfidenceGate:         0.5,
		PnLTolerance:           1.0,
	}
}

// Candidate es una sub-posición (LT o MM) que compite por salir.
type Candidate struct {
	Position   domain.Position
	Quote      domain.MarketQuote
	Confidence float64 // [0,1]; valores > 1 se leen como porcentaje

	// RoundTripCost sustituye al coste derivado de la cotización si es > 0.
	RoundTripCost float64
}

// Cost devuelve el coste por acción de salir contra el truth price.
func (c Candidate) Cost() float64 {
	if c.RoundTripCost > 0 {
		return c.RoundTripCost
	}
	return c.Quote.ExitSlippage(c.Position.Direction())
}

// Mark devuelve el precio de marca, o el mid si la posición no lo trae.
func (c Candidate) Mark() float64 {
	if c.Position.MarkPrice > 0 {
		return c.Position.MarkPrice
	}
	return c.Quote.Mid()
}

// PnL devuelve el P&L mark-to-cost de la sub-posición.
func (c Candidate) PnL() float64 {
	p := c.Position
	p.MarkPrice = c.Mark()
	return p.PnL()
}

// Notional devuelve |qty| × mark.
func (c Candidate) Notional() decimal.Decimal {
	return decimal.NewFromInt(c.Position.AbsQty()).Mul(decimal.NewFromFloat(c.Mark()))
}

// NormalizedConfidence devuelve la confianza en [0,1].
func (c Candidate) NormalizedConfidence() float64 {
	v := c.Confidence
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

// Selection es un candidato elegido. Sin Sizer es siempre salida completa.
type Selection struct {
	Candidate      Candidate
	Qty            int64
	Notional       decimal.Decimal
	Classification domain.Classification
	Confidence     float64
}

// Skip es un candidato descartado con su motivo de auditoría.
type Skip struct {
	Candidate Candidate
	Reason    string
}

// Result es la salida de Select.
type Result struct {
	Ranked   []Candidate
	Selected []Selection
	Skipped  []Skip
	Target   decimal.Decimal
	Filled   decimal.Decimal
}

// TargetMet devuelve true si el nocional seleccionado cubre el objetivo.
func (r Result) TargetMet() bool {
	return r.Filled.GreaterThanOrEqual(r.Target)
}

// HardExitEngine ordena y selecciona candidatos. No persiste estado.
type HardExitEngine struct {
	cfg Config
}

// New crea un HardExitEngine.
func New(cfg Config) *HardExitEngine {
	if cfg.CostOverrideMultiplier <= 0 {
		cfg.CostOverrideMultiplier = 1.8
	}
	if cfg.PnLTolerance < 0 {
		cfg.PnLTolerance = 0
	}
	return &HardExitEngine{cfg: cfg}
}

// costOverride describe un símbolo cuyo bucket preferido pasa de MM a LT.
type costOverride struct {
	mmCost, ltCost float64
}

func (o costOverride) reason(mult float64) string {
	return fmt.Sprintf("cost override: MM slippage %.1f > %.1f×LT %.1f", o.mmCost, mult, o.ltCost)
}

// overrides detecta los símbolos donde salir por MM cuesta más de k veces
// que salir por LT.
func (e *HardExitEngine) overrides(cands []Candidate) map[string]costOverride {
	type pair struct {
		lt, mm *Candidate
	}
	bySymbol := make(map[string]*pair)
	for i := range cands {
		c := &cands[i]
		p := bySymbol[c.Position.Symbol]
		if p == nil {
			p = &pair{}
			bySymbol[c.Position.Symbol] = p
		}
		if c.Position.Bucket == domain.BucketLT {
			p.lt = c
		} else {
			p.mm = c
		}
	}

	out := make(map[string]costOverride)
	for sym, p := range bySymbol {
		if p.lt == nil || p.mm == nil {
			continue
		}
		mm, lt := p.mm.Cost(), p.lt.Cost()
		if mm > e.cfg.CostOverrideMultiplier*lt {
			out[sym] = costOverride{mmCost: mm, ltCost: lt}
		}
	}
	return out
}

// Rank devuelve los candidatos en orden total determinista.
func (e *HardExitEngine) Rank(cands []Candidate, bias domain.BandBias) []Candidate {
	ov := e.overrides(cands)
	preferred := func(c Candidate) int {
		want := domain.BucketMM
		if _, ok := ov[c.Position.Symbol]; ok {
			want = domain.BucketLT
		}
		if c.Position.Bucket == want {
			return 0
		}
		return 1
	}

	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b Candidate) int {
		pa, pb := e.quantize(a.PnL()), e.quantize(b.PnL())
		wa, wb := pa > 0, pb > 0
		if wa != wb {
			if wa {
				return -1
			}
			return 1
		}
		// ganadoras: más beneficio primero; perdedoras: menos pérdida primero.
		// En ambos casos es P&L descendente.
		if c := cmp.Compare(pb, pa); c != 0 {
			return c
		}
		if c := cmp.Compare(preferred(a), preferred(b)); c != 0 {
			return c
		}
		ca, cb := a.Position.ExitClassification(), b.Position.ExitClassification()
		if c := cmp.Compare(bias.Weight(ca), bias.Weight(cb)); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Quote.AvgDailyVolume, b.Quote.AvgDailyVolume); c != 0 {
			return c
		}
		if c := cmp.Compare(quantizeSpread(a.Quote.Spread()), quantizeSpread(b.Quote.Spread())); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Position.Symbol, b.Position.Symbol); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Position.Bucket, b.Position.Bucket); c != 0 {
			return c
		}
		return cmp.Compare(a.Position.Qty, b.Position.Qty)
	})
	return out
}

// Sizer fija la cantidad ejecutable de un candidato elegido. Devuelve 0 y un
// motivo si el candidato no puede salir en este ciclo.
type Sizer func(c Candidate) (qty int64, reason string)

// Select ordena los candidatos y consume hasta cubrir target (nocional).
// Cada candidato elegido sale completo; cada salto deja un motivo.
func (e *HardExitEngine) Select(cands []Candidate, target decimal.Decimal, mode Mode, bias domain.BandBias) Result {
	return e.SelectSized(cands, target, mode, bias, nil)
}

// SelectSized es Select con un Sizer: cada elegido cuenta para el objetivo
// por la cantidad que el Sizer admite, y si no admite nada se salta y la
// selección sigue con el siguiente del orden.
func (e *HardExitEngine) SelectSized(cands []Candidate, target decimal.Decimal, mode Mode, bias domain.BandBias, size Sizer) Result {
	res := Result{Target: target, Filled: decimal.Zero}

	valid := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Position.Qty == 0 {
			continue
		}
		if err := c.Quote.Validate(); err != nil {
			res.Skipped = append(res.Skipped, Skip{Candidate: c, Reason: "invalid quote: " + err.Error()})
			continue
		}
		valid = append(valid, c)
	}

	res.Ranked = e.Rank(valid, bias)
	ov := e.overrides(valid)

	eligible := func(c Candidate) (bool, string) {
		if mode != ModeChurn {
			return true, ""
		}
		if conf := c.NormalizedConfidence(); conf < e.cfg.ConfidenceGate {
			return false, fmt.Sprintf("low confidence %.2f < %.2f", conf, e.cfg.ConfidenceGate)
		}
		if cls := c.Position.ExitClassification(); bias.IsAvoided(cls) {
			return false, fmt.Sprintf("band veto: %s avoided", cls)
		}
		return true, ""
	}

	// La alternativa LT solo sustituye a MM si ella misma puede salir.
	ltEligible := make(map[string]bool)
	for _, c := range valid {
		if c.Position.Bucket == domain.BucketLT {
			ok, _ := eligible(c)
			ltEligible[c.Position.Symbol] = ok
		}
	}

	for _, c := range res.Ranked {
		if res.TargetMet() {
			break
		}
		if ok, reason := eligible(c); !ok {
			res.Skipped = append(res.Skipped, Skip{Candidate: c, Reason: reason})
			continue
		}
		if c.Position.Bucket == domain.BucketMM {
			if o, ok := ov[c.Position.Symbol]; ok && ltEligible[c.Position.Symbol] {
				res.Skipped = append(res.Skipped, Skip{Candidate: c, Reason: o.reason(e.cfg.CostOverrideMultiplier)})
				continue
			}
		}

		qty := c.Position.AbsQty()
		if size != nil {
			sized, reason := size(c)
			if sized <= 0 {
				res.Skipped = append(res.Skipped, Skip{Candidate: c, Reason: reason})
				continue
			}
			qty = min(sized, qty)
		}

		n := decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(c.Mark()))
		res.Selected = append(res.Selected, Selection{
			Candidate:      c,
			Qty:            qty,
			Notional:       n,
			Classification: c.Position.ExitClassification(),
			Confidence:     c.NormalizedConfidence(),
		})
		res.Filled = res.Filled.Add(n)
	}

	for _, s := range res.Skipped {
		slog.Debug("ranking: candidate skipped",
			"symbol", s.Candidate.Position.Symbol,
			"bucket", s.Candidate.Position.Bucket,
			"reason", s.Reason,
		)
	}
	return res
}

func (e *HardExitEngine) quantize(pnl float64) float64 {
	if math.IsNaN(pnl) {
		return 0
	}
	if e.cfg.PnLTolerance == 0 {
		return pnl
	}
	return math.Round(pnl / e.cfg.PnLTolerance)
}

// quantizeSpread lleva el spread a décimas de centavo para evitar ruido de float.
func quantizeSpread(s float64) float64 {
	return math.Round(s * 1000)
}
