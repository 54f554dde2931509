package domain

import (
	"math"
	"time"
)

// Position es una posición (o sub-posición de un bucket) en un símbolo.
// Qty es con signo: positivo = largo, negativo = corto.
type Position struct {
	Symbol    string
	Qty       int64
	AvgCost   float64
	Bucket    Bucket
	MarkPrice float64
}

// Direction devuelve LONG o SHORT según el signo de Qty.
func (p Position) Direction() Direction {
	if p.Qty < 0 {
		return DirectionShort
	}
	return DirectionLong
}

// AbsQty devuelve |Qty|.
func (p Position) AbsQty() int64 {
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}

// Notional devuelve el valor absoluto de la posición a precio de marca.
func (p Position) Notional() float64 {
	return float64(p.AbsQty()) * p.MarkPrice
}

// PnL devuelve el P&L mark-to-cost: (mark − cost) × qty. Para cortos el signo
// de qty invierte el resultado.
func (p Position) PnL() float64 {
	return (p.MarkPrice - p.AvgCost) * float64(p.Qty)
}

// DistanceFromCost devuelve |mark − cost| / cost, o 0 si no hay coste.
func (p Position) DistanceFromCost() float64 {
	if p.AvgCost <= 0 {
		return 0
	}
	return math.Abs(p.MarkPrice-p.AvgCost) / p.AvgCost
}

// ExitClassification devuelve la clasificación que cierra esta posición.
func (p Position) ExitClassification() Classification {
	return Classify(p.Bucket, p.Direction(), ActionDecrease)
}

// Exposure es la foto de exposición de la cuenta para un ciclo.
type Exposure struct {
	AccountID string
	GrossPct  float64 // exposición bruta como % del equity
	Equity    float64
	AsOf      time.Time
}

// MMQty devuelve la sub-posición market-making derivada. Nunca se almacena.
func MMQty(brokerNet, ltRaw int64) int64 {
	return brokerNet - ltRaw
}

// LedgerEntry es la contabilidad interna LT de un (cuenta, símbolo).
type LedgerEntry struct {
	AccountID string
	Symbol    string
	LTQtyRaw  int64
	Version   int64 // para compare-and-swap en el storage
	UpdatedAt time.Time
}

// OrderProposal es la intención de orden acotada y auditada que sale del core.
type OrderProposal struct {
	ID             string
	Symbol         string
	Side           Side
	Qty            int64
	Classification Classification
	Confidence     float64 // [0,1]
	IntentType     IntentType
	Reason         string

	// Órdenes hijas de un split: comparten ParentID.
	ParentID   string
	ChildIndex int
	ChildCount int
}

// ExecutionEvent es el fill reportado por el adaptador de ejecución.
type ExecutionEvent struct {
	AccountID      string
	Symbol         string
	Side           Side
	FillQty        int64
	FillPrice      float64
	OrderID        string
	Classification Classification
	FilledAt       time.Time
}

// SignedQty devuelve la cantidad con signo: compra suma, venta resta.
func (e ExecutionEvent) SignedQty() int64 {
	if e.Side == SideSell {
		return -e.FillQty
	}
	return e.FillQty
}
