package domain

import "math"

// LotSize es la unidad de redondeo. Un lote válido es 0 o un múltiplo de 100 ≥ 200.
const (
	LotSize    = 100
	MinLotSize = 200
)

// RoundLot cuantiza una cantidad bruta al lote más cercano (modo "nearest",
// mitad hacia arriba) para el sizing final. Nunca devuelve 100:
//   - raw < 150      → 0
//   - 150 ≤ raw < 250 → 200
//   - resto          → múltiplo de 100 más cercano
func RoundLot(raw float64) int64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < LotSize {
		return 0
	}
	lot := int64(math.Floor(raw/LotSize+0.5)) * LotSize
	if lot <= LotSize {
		return 0
	}
	return lot
}

// RoundUpLot redondea hacia arriba al siguiente múltiplo de 100 (modo
// "round up", usado al trocear órdenes). 1–200 → 200: nunca devuelve 100.
func RoundUpLot(raw float64) int64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw <= 0 {
		return 0
	}
	lot := int64(math.Ceil(raw/LotSize)) * LotSize
	if lot < MinLotSize {
		return MinLotSize
	}
	return lot
}

// SplitConfig controla el troceo de órdenes grandes.
type SplitConfig struct {
	Threshold   int64 // por encima de este tamaño se trocea
	MaxPerChild int64
	MinChild    int64
}

// ChildOrder es una orden hija de un split.
type ChildOrder struct {
	ParentID string
	Index    int // 1-based
	Count    int
	Qty      int64
}

// SplitPlan es el resultado de Split.
type SplitPlan struct {
	ParentID string
	Total    int64 // RoundLot(total) pedido
	Children []ChildOrder
	Dropped  int64 // remanente < MinChild que no se pudo repartir
}

// Sum devuelve la suma de las hijas.
func (p SplitPlan) Sum() int64 {
	var s int64
	for _, c := range p.Children {
		s += c.Qty
	}
	return s
}

// Split trocea total en órdenes hijas de como máximo MaxPerChild.
//
// Si el lote no supera Threshold devuelve una sola orden. Si no, va pelando
// min(restante, MaxPerChild) redondeado en modo "round up". Cuando pelar
// dejaría un remanente por debajo de MinChild, la hija actual se encoge para
// que la última sea exactamente MinChild; si ni así cabe, el remanente se
// descarta (Dropped) en lugar de emitir una hija sub-mínima.
func Split(total int64, cfg SplitConfig, parentID string) SplitPlan {
	lot := RoundLot(float64(total))
	plan := SplitPlan{ParentID: parentID, Total: lot}
	if lot == 0 {
		return plan
	}

	minChild := RoundUpLot(float64(cfg.MinChild))
	if minChild < MinLotSize {
		minChild = MinLotSize
	}

	var qtys []int64
	if cfg.MaxPerChild <= 0 || lot <= cfg.Threshold {
		qtys = []int64{lot}
	} else {
		remaining := lot
		for remaining >= minChild {
			chunk := RoundUpLot(float64(min(remaining, cfg.MaxPerChild)))
			if chunk > remaining {
				chunk = remaining
			}
			if left := remaining - chunk; left > 0 && left < minChild {
				if adj := chunk - (minChild - left); adj >= minChild {
					chunk = adj
				}
			}
			qtys = append(qtys, chunk)
			remaining -= chunk
		}
		plan.Dropped = remaining
	}

	plan.Children = make([]ChildOrder, len(qtys))
	for i, q := range qtys {
		plan.Children[i] = ChildOrder{
			ParentID: parentID,
			Index:    i + 1,
			Count:    len(qtys),
			Qty:      q,
		}
	}
	return plan
}

// SizeReduction convierte una reducción deseada en una cantidad ejecutable
// sobre una posición de posQty (con signo):
//   - nunca supera |posQty| (no cambia de signo)
//   - una salida total se mantiene exacta
//   - una parcial se redondea al lote y, si dejaría un remanente en (0, minLot),
//     se encoge para dejar exactamente minLot; si entonces queda por debajo de
//     minLot, devuelve 0 (sería polvo).
func SizeReduction(posQty, desired, minLot int64) int64 {
	abs := posQty
	if abs < 0 {
		abs = -abs
	}
	if desired <= 0 || abs == 0 {
		return 0
	}
	if desired >= abs {
		return abs
	}

	lot := RoundLot(float64(desired))
	if lot >= abs {
		return abs
	}
	if rem := abs - lot; rem > 0 && rem < minLot {
		lot = ((abs - minLot) / LotSize) * LotSize
		if lot < minLot {
			return 0
		}
	}
	return lot
}
