package domain

import (
	"fmt"
	"math"
	"time"
)

// MarketQuote es la cotización de un símbolo para un ciclo. Solo lectura.
type MarketQuote struct {
	Symbol         string
	Bid            float64
	Ask            float64
	TruthPrice     float64 // estimación de valor justo
	AvgDailyVolume float64
	Timestamp      time.Time
}

// Validate devuelve ErrInvalidQuote si la cotización no sirve para decidir:
// precios no positivos, book cruzado, spread cero o ADV cero.
func (q MarketQuote) Validate() error {
	switch {
	case q.Bid <= 0 || q.Ask <= 0:
		return fmt.Errorf("%w: %s non-positive bid/ask", ErrInvalidQuote, q.Symbol)
	case q.Ask < q.Bid:
		return fmt.Errorf("%w: %s crossed book", ErrInvalidQuote, q.Symbol)
	case q.Ask == q.Bid:
		return fmt.Errorf("%w: %s zero spread", ErrInvalidQuote, q.Symbol)
	case q.AvgDailyVolume <= 0:
		return fmt.Errorf("%w: %s zero ADV", ErrInvalidQuote, q.Symbol)
	}
	return nil
}

// Mid devuelve el punto medio entre bid y ask.
func (q MarketQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread devuelve ask − bid.
func (q MarketQuote) Spread() float64 {
	return q.Ask - q.Bid
}

// Truth devuelve TruthPrice, o el mid si no hay estimación.
func (q MarketQuote) Truth() float64 {
	if q.TruthPrice > 0 {
		return q.TruthPrice
	}
	return q.Mid()
}

// ExitSlippage devuelve el coste por acción de salir de una posición en la
// dirección dada cruzando el spread, medido contra el truth price.
// Un largo vende al bid; un corto recompra al ask.
func (q MarketQuote) ExitSlippage(d Direction) float64 {
	truth := q.Truth()
	if d == DirectionShort {
		return math.Max(0, q.Ask-truth)
	}
	return math.Max(0, truth-q.Bid)
}

// Goodness puntúa en [0,100] lo atractivo que es ejecutar en el lado dado:
// 50 es neutral; cada punto de edge relativo contra truth suma edgeScale.
//
//	buy:  edge = (truth − ask) / truth
//	sell: edge = (bid − truth) / truth
func Goodness(q MarketQuote, side Side, edgeScale float64) float64 {
	truth := q.Truth()
	if truth <= 0 {
		return 0
	}
	var edge float64
	if side == SideBuy {
		edge = (truth - q.Ask) / truth
	} else {
		edge = (q.Bid - truth) / truth
	}
	return clamp(50+edge*edgeScale, 0, 100)
}
