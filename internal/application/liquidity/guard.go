package liquidity

// guard.go — control de admisión por liquidez.
//
// Cada orden pasa por aquí antes de cuantizarse:
//   base_max = max(round(adv / scale_factor), min_lot)
//   max_qty  = min(base_max, cap del bucket)   (LT puede no tener cap)
//
// Una cantidad deseada ≥ min_lot se recorta a max_qty. Una residual (< min_lot)
// solo sale si estamos cerca del cierre con la política activa o si el tipo de
// intención está en la lista de overrides; si no, se difiere (qty 0, sin error).

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/alejandrodnm/prefbot/internal/domain"
)

// Motivos que acompañan a cada decisión.
const (
	ReasonWithinLimit       = "within_limit"
	ReasonCapped            = "capped"
	ReasonZero              = "zero"
	ReasonResidualNearClose = "residual_near_close"
	ReasonResidualOverride  = "residual_override"
	ReasonResidualDeferred  = "residual_deferred"
)

// Config parametriza el guard.
type Config struct {
	MinLot      int64
	ScaleFactor float64 // adv / scale_factor = tamaño base permitido

	// LTMaxCap nil = LT sin cap. MM siempre tiene cap finito.
	LTMaxCap *int64
	MMMaxCap int64

	NearCloseMinutes       float64
	AllowNearCloseResidual bool
	ResidualOverrides      []domain.IntentType
}

// DefaultConfig devuelve valores razonables para preferentes.
func DefaultConfig() Config {
	return Config{
		MinLot:                 domain.MinLotSize,
		ScaleFactor:            10,
		MMMaxCap:               2000,
		NearCloseMinutes:       15,
		AllowNearCloseResidual: true,
		ResidualOverrides:      []domain.IntentType{domain.IntentHardDerisk},
	}
}

// Request es una petición de admisión.
type Request struct {
	Symbol         string
	Bucket         domain.Bucket
	DesiredQty     float64 // acciones, sin signo
	AvgDailyVolume float64
	MinutesToClose float64 // +Inf si no se conoce
	IntentType     domain.IntentType
}

// Decision es el resultado del guard.
type Decision struct {
	Qty      int64
	MaxQty   int64
	Reason   string
	Deferred bool
	Capped   bool
}

// Guard aplica los límites de liquidez. No tiene estado mutable.
type Guard struct {
	cfg Config
}

// New crea un Guard.
func New(cfg Config) *Guard {
	if cfg.MinLot <= 0 {
		cfg.MinLot = domain.MinLotSize
	}
	if cfg.ScaleFactor <= 0 {
		cfg.ScaleFactor = 1
	}
	return &Guard{cfg: cfg}
}

// MinLot devuelve el lote mínimo efectivo. Las reducciones parciales no
// pueden dejar un remanente por debajo de él.
func (g *Guard) MinLot() int64 { return g.cfg.MinLot }

// MaxQty devuelve el techo para un bucket y un ADV, alineado a lotes.
// Es monótono no decreciente en adv y nunca supera el cap del bucket.
func (g *Guard) MaxQty(bucket domain.Bucket, adv float64) int64 {
	base := int64(0)
	if adv > 0 && !math.IsInf(adv, 0) {
		base = int64(math.Round(adv/g.cfg.ScaleFactor)) / domain.LotSize * domain.LotSize
	}
	if base < g.cfg.MinLot {
		base = g.cfg.MinLot
	}

	if capQty, ok := g.bucketCap(bucket); ok {
		return min(base, capQty)
	}
	return base
}

func (g *Guard) bucketCap(bucket domain.Bucket) (int64, bool) {
	if bucket == domain.BucketLT {
		if g.cfg.LTMaxCap == nil {
			return 0, false
		}
		return *g.cfg.LTMaxCap, true
	}
	return g.cfg.MMMaxCap, true
}

// Admit aplica el guard. Solo falla para cantidades negativas o no finitas.
func (g *Guard) Admit(req Request) (Decision, error) {
	if math.IsNaN(req.DesiredQty) || math.IsInf(req.DesiredQty, 0) || req.DesiredQty < 0 {
		return Decision{}, fmt.Errorf("liquidity.Admit: %s desired %v: %w", req.Symbol, req.DesiredQty, domain.ErrInvalidQuantity)
	}

	maxQty := g.MaxQty(req.Bucket, req.AvgDailyVolume)
	d := Decision{MaxQty: maxQty}

	desired := int64(math.Round(req.DesiredQty))
	switch {
	case desired == 0:
		d.Reason = ReasonZero

	case desired >= g.cfg.MinLot:
		d.Qty = min(desired, maxQty)
		d.Reason = ReasonWithinLimit
		if d.Qty < desired {
			d.Capped = true
			d.Reason = ReasonCapped
			slog.Debug("liquidity: capped",
				"symbol", req.Symbol,
				"bucket", req.Bucket,
				"desired", desired,
				"max", maxQty,
			)
		}

	case g.cfg.AllowNearCloseResidual && req.MinutesToClose <= g.cfg.NearCloseMinutes:
		d.Qty = desired
		d.Reason = ReasonResidualNearClose

	case slices.Contains(g.cfg.ResidualOverrides, req.IntentType):
		d.Qty = desired
		d.Reason = ReasonResidualOverride

	default:
		d.Deferred = true
		d.Reason = ReasonResidualDeferred
		slog.Debug("liquidity: residual deferred",
			"symbol", req.Symbol,
			"desired", desired,
			"min_lot", g.cfg.MinLot,
			"intent", req.IntentType,
		)
	}
	return d, nil
}
