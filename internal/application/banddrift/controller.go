package banddrift

// controller.go — LTBandController: vigila la composición largo/corto del
// bucket LT contra sus bandas objetivo.
//
// Las bandas se expresan como % del bruto LT (no del equity): primero se
// convierten los % de equity en cuotas del propio bucket. Una banda violada
// produce sesgo (clasificaciones preferidas/evitadas) desde el primer ciclo;
// los correctivos solo salen cuando la violación lleva tolerance_days.
// El inicio de la violación se guarda en el state store (band_drift:<cuenta>).

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// Range es un intervalo cerrado [Min, Max] en %.
type Range struct {
	Min float64
	Max float64
}

// Config parametriza el controlador.
type Config struct {
	LongRange         Range
	ShortRange        Range
	ToleranceDays     int
	CorrectiveSizePct float64 // % del nocional de la posición, p.ej. 2
	MaxGrossPct       float64 // techo de exposición bruta global
}

// DefaultConfig devuelve bandas 60–100 largo / 0–40 corto.
func DefaultConfig() Config {
	return Config{
		LongRange:         Range{Min: 60, Max: 100},
		ShortRange:        Range{Min: 0, Max: 40},
		ToleranceDays:     2,
		CorrectiveSizePct: 2,
		MaxGrossPct:       130,
	}
}

// Violation describe una banda fuera de rango.
type Violation struct {
	Direction domain.Direction
	Share     float64 // % del bruto LT
	Range     Range
	Above     bool
}

func (v Violation) String() string {
	pos := "below"
	if v.Above {
		pos = "above"
	}
	return fmt.Sprintf("%s %.1f%% %s [%.0f,%.0f]", strings.ToLower(string(v.Direction)), v.Share, pos, v.Range.Min, v.Range.Max)
}

// Assessment es la foto de bandas de un ciclo.
type Assessment struct {
	LongPctEquity  float64
	ShortPctEquity float64
	LongShare      float64 // % del bruto LT
	ShortShare     float64
	Violations     []Violation
	Bias           domain.BandBias
	Since          time.Time // inicio de la violación (cero si no hay)
	Persisted      bool      // la violación supera tolerance_days
}

// Corrective es un ajuste pequeño sobre una posición LT concreta.
type Corrective struct {
	Position       domain.Position
	Classification domain.Classification
	Notional       float64
	RawQty         float64 // acciones sin cuantizar
	Reason         string
}

// Controller evalúa bandas y mantiene el reloj de tolerancia.
type Controller struct {
	cfg   Config
	state ports.StateStore
	now   func() time.Time
}

// New crea un Controller. state puede ser nil: entonces la violación nunca
// se considera persistente y no se emiten correctivos.
func New(cfg Config, state ports.StateStore) *Controller {
	return &Controller{cfg: cfg, state: state, now: time.Now}
}

// Assess calcula cuotas, violaciones y sesgo. Pura.
func (c *Controller) Assess(lt []domain.Position, equity float64) Assessment {
	var long, short float64
	for _, p := range lt {
		if p.Qty > 0 {
			long += p.Notional()
		} else if p.Qty < 0 {
			short += p.Notional()
		}
	}

	var a Assessment
	if equity > 0 {
		a.LongPctEquity = long / equity * 100
		a.ShortPctEquity = short / equity * 100
	}
	gross := a.LongPctEquity + a.ShortPctEquity
	if gross <= 0 {
		return a
	}
	a.LongShare = a.LongPctEquity / gross * 100
	a.ShortShare = a.ShortPctEquity / gross * 100

	pref := make(map[domain.Classification]bool)
	avoid := make(map[domain.Classification]bool)
	mark := func(p, q, x, y domain.Classification) {
		pref[p], pref[q] = true, true
		avoid[x], avoid[y] = true, true
	}

	if v, ok := check(domain.DirectionShort, a.ShortShare, c.cfg.ShortRange); ok {
		a.Violations = append(a.Violations, v)
		if v.Above {
			mark(domain.LTShortDecrease, domain.LTLongIncrease, domain.LTShortIncrease, domain.LTLongDecrease)
		} else {
			mark(domain.LTShortIncrease, domain.LTLongDecrease, domain.LTShortDecrease, domain.LTLongIncrease)
		}
	}
	if v, ok := check(domain.DirectionLong, a.LongShare, c.cfg.LongRange); ok {
		a.Violations = append(a.Violations, v)
		if v.Above {
			mark(domain.LTLongDecrease, domain.LTShortIncrease, domain.LTLongIncrease, domain.LTShortDecrease)
		} else {
			mark(domain.LTLongIncrease, domain.LTShortDecrease, domain.LTLongDecrease, domain.LTShortIncrease)
		}
	}

	if len(a.Violations) > 0 {
		a.Bias = domain.BandBias{Preferred: pref, Avoided: avoid}
	}
	return a
}

func check(d domain.Direction, share float64, r Range) (Violation, bool) {
	switch {
	case share > r.Max:
		return Violation{Direction: d, Share: share, Range: r, Above: true}, true
	case share < r.Min:
		return Violation{Direction: d, Share: share, Range: r}, true
	}
	return Violation{}, false
}

// Evaluate evalúa bandas, actualiza el reloj de tolerancia y, si la violación
// ya persiste, propone correctivos. Un error del state store se devuelve junto
// con el Assessment: el sesgo sigue siendo utilizable.
func (c *Controller) Evaluate(ctx context.Context, accountID string, lt []domain.Position, equity, grossPct float64) (Assessment, []Corrective, error) {
	a := c.Assess(lt, equity)
	if c.state == nil {
		return a, nil, nil
	}
	key := "band_drift:" + accountID

	if len(a.Violations) == 0 {
		if err := c.state.Delete(ctx, key); err != nil {
			return a, nil, fmt.Errorf("banddrift.Evaluate: clear %s: %w", key, err)
		}
		return a, nil, nil
	}

	now := c.now()
	fields, err := c.state.Get(ctx, key)
	if err != nil {
		return a, nil, fmt.Errorf("banddrift.Evaluate: get %s: %w", key, err)
	}
	since, perr := time.Parse(time.RFC3339Nano, fields["since"])
	if perr != nil {
		since = now
		summary := make([]string, len(a.Violations))
		for i, v := range a.Violations {
			summary[i] = v.String()
		}
		err := c.state.Set(ctx, key, map[string]any{
			"since":      since.UTC().Format(time.RFC3339Nano),
			"violations": strings.Join(summary, "; "),
		}, 0)
		if err != nil {
			return a, nil, fmt.Errorf("banddrift.Evaluate: set %s: %w", key, err)
		}
		slog.Info("band: drift detected",
			"account", accountID,
			"long_share", fmt.Sprintf("%.1f%%", a.LongShare),
			"short_share", fmt.Sprintf("%.1f%%", a.ShortShare),
			"violations", strings.Join(summary, "; "),
		)
	}

	a.Since = since
	tolerance := time.Duration(c.cfg.ToleranceDays) * 24 * time.Hour
	a.Persisted = now.Sub(since) >= tolerance
	if !a.Persisted {
		return a, nil, nil
	}
	return a, c.correctives(a, lt, equity, grossPct), nil
}

// correctives elige, por cada clasificación preferida, la posición más suave:
// P&L no negativo primero, luego nocional más pequeño.
func (c *Controller) correctives(a Assessment, lt []domain.Position, equity, grossPct float64) []Corrective {
	classes := make([]domain.Classification, 0, len(a.Bias.Preferred))
	for cls := range a.Bias.Preferred {
		if a.Bias.Weight(cls) == 0 {
			classes = append(classes, cls)
		}
	}
	slices.Sort(classes)

	headroom := math.Max(0, (c.cfg.MaxGrossPct-grossPct)/100*equity)

	var out []Corrective
	for _, cls := range classes {
		var pool []domain.Position
		for _, p := range lt {
			if p.Qty != 0 && p.MarkPrice > 0 && p.Direction() == cls.Direction() {
				pool = append(pool, p)
			}
		}
		if len(pool) == 0 {
			continue
		}
		slices.SortFunc(pool, func(x, y domain.Position) int {
			gx, gy := x.PnL() >= 0, y.PnL() >= 0
			if gx != gy {
				if gx {
					return -1
				}
				return 1
			}
			if r := cmp.Compare(x.Notional(), y.Notional()); r != 0 {
				return r
			}
			return cmp.Compare(x.Symbol, y.Symbol)
		})
		target := pool[0]

		notional := target.Notional() * c.cfg.CorrectiveSizePct / 100
		if cls.IsIncrease() {
			if headroom <= 0 {
				slog.Debug("band: corrective blocked by gross ceiling",
					"symbol", target.Symbol,
					"classification", cls,
					"gross_pct", grossPct,
				)
				continue
			}
			notional = math.Min(notional, headroom)
			headroom -= notional
		}
		if notional <= 0 {
			continue
		}

		out = append(out, Corrective{
			Position:       target,
			Classification: cls,
			Notional:       notional,
			RawQty:         notional / target.MarkPrice,
			Reason:         fmt.Sprintf("band drift since %s", a.Since.Format(time.DateOnly)),
		})
	}
	return out
}
