package domain

import (
	"errors"
	"fmt"
)

// Bucket identifica la sub-cartera a la que se atribuye una posición.
type Bucket string

const (
	BucketLT Bucket = "LT" // long-term: buy-and-hold, contabilizado internamente
	BucketMM Bucket = "MM" // market-making: derivado = broker neto − LT
)

// Valid devuelve true si el bucket es uno de los conocidos.
func (b Bucket) Valid() bool {
	return b == BucketLT || b == BucketMM
}

// Side es el lado de una orden.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction es el sentido económico de la exposición.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Action indica si una clasificación aumenta o reduce la exposición.
type Action string

const (
	ActionIncrease Action = "INCREASE"
	ActionDecrease Action = "DECREASE"
)

// Classification etiqueta una orden por bucket, dirección y acción,
// p.ej. LT_LONG_DECREASE.
type Classification string

const (
	LTLongIncrease  Classification = "LT_LONG_INCREASE"
	LTLongDecrease  Classification = "LT_LONG_DECREASE"
	LTShortIncrease Classification = "LT_SHORT_INCREASE"
	LTShortDecrease Classification = "LT_SHORT_DECREASE"
	MMLongIncrease  Classification = "MM_LONG_INCREASE"
	MMLongDecrease  Classification = "MM_LONG_DECREASE"
	MMShortIncrease Classification = "MM_SHORT_INCREASE"
	MMShortDecrease Classification = "MM_SHORT_DECREASE"
)

// Classify construye la clasificación para un bucket, dirección y acción.
func Classify(b Bucket, d Direction, a Action) Classification {
	return Classification(fmt.Sprintf("%s_%s_%s", b, d, a))
}

// Bucket devuelve el bucket codificado en la clasificación.
func (c Classification) Bucket() Bucket {
	if len(c) >= 2 {
		return Bucket(c[:2])
	}
	return ""
}

// Direction devuelve el sentido de la exposición que toca la clasificación.
func (c Classification) Direction() Direction {
	switch c {
	case LTShortIncrease, LTShortDecrease, MMShortIncrease, MMShortDecrease:
		return DirectionShort
	default:
		return DirectionLong
	}
}

// IsLT devuelve true para las clasificaciones que mueven el ledger interno.
func (c Classification) IsLT() bool {
	return c.Bucket() == BucketLT
}

// Side devuelve el lado de la orden que implementa la clasificación:
// aumentar un largo o reducir un corto compra; lo demás vende.
func (c Classification) Side() Side {
	switch c {
	case LTLongIncrease, MMLongIncrease, LTShortDecrease, MMShortDecrease:
		return SideBuy
	default:
		return SideSell
	}
}

// IsIncrease devuelve true si la clasificación añade exposición bruta.
func (c Classification) IsIncrease() bool {
	switch c {
	case LTLongIncrease, LTShortIncrease, MMLongIncrease, MMShortIncrease:
		return true
	}
	return false
}

// ExposureRegime es la zona del modelo de intención por exposición bruta.
type ExposureRegime string

const (
	RegimeNormal ExposureRegime = "NORMAL"
	RegimeSoft   ExposureRegime = "SOFT"
	RegimeHard   ExposureRegime = "HARD"
)

// SessionPhase es la fase de la sesión de mercado publicada por el heartbeat.
type SessionPhase string

const (
	PhaseClosed SessionPhase = "CLOSED"
	PhaseOpen   SessionPhase = "OPEN"
	PhaseEarly  SessionPhase = "EARLY"
	PhaseMid    SessionPhase = "MID"
	PhaseLate   SessionPhase = "LATE"
	PhaseClose  SessionPhase = "CLOSE"
)

// IntentType describe por qué se genera una orden; LiquidityGuard lo usa
// para decidir si un residual puede emitirse.
type IntentType string

const (
	IntentHardDerisk     IntentType = "HARD_DERISK"
	IntentSoftDerisk     IntentType = "SOFT_DERISK"
	IntentBandCorrective IntentType = "BAND_CORRECTIVE"
	IntentChurn          IntentType = "CHURN"
)

// Errores de la taxonomía compartida.
var (
	// ErrInvalidQuantity: cantidad negativa o NaN. Es un rechazo explícito, no un diferimiento.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrMissingQuote: no hay cotización para el símbolo; el candidato se salta.
	ErrMissingQuote = errors.New("missing quote")
	// ErrInvalidQuote: cotización inutilizable (ADV cero, spread cero o cruzado).
	ErrInvalidQuote = errors.New("invalid quote")
)
