package domain

import "math"

// IntentConfig parametriza la curva de intención por exposición bruta.
//
//	S = H × (SoftRatioNum / SoftRatioDen)
//	NORMAL (E ≤ S):    x = clamp((E/S)^q, 0, 1);  add = Asoft + (Amax − Asoft) × (1 − x)^pn
//	SOFT   (S < E < H): t = clamp((E−S)/(H−S), 0, 1); add = Asoft × (1 − t)^ps
//	HARD   (E ≥ H):    add = 0
type IntentConfig struct {
	HardThresholdPct float64 // H
	SoftRatioNum     float64
	SoftRatioDen     float64
	Amax             float64
	Asoft            float64
	Pn               float64
	Q                float64
	Ps               float64
}

// Intent es el resultado de la curva: add + reduce == 100 siempre.
type Intent struct {
	AddIntent    float64
	ReduceIntent float64
	Regime       ExposureRegime
	GrossPct     float64
}

// SoftThreshold devuelve S. Un denominador cero se trata como ratio 0.
func (c IntentConfig) SoftThreshold() float64 {
	if c.SoftRatioDen == 0 {
		return 0
	}
	return c.HardThresholdPct * (c.SoftRatioNum / c.SoftRatioDen)
}

// ComputeIntent mapea la exposición bruta E (%) a intención de añadir/reducir.
// Función pura: nunca falla; denominadores degenerados (S ≤ 0, H = S) se tratan
// como x = 0 y t = 1. E no finito (NaN) cae en HARD.
func ComputeIntent(grossPct float64, cfg IntentConfig) Intent {
	s := cfg.SoftThreshold()
	h := cfg.HardThresholdPct

	var add float64
	var regime ExposureRegime
	switch {
	case grossPct <= s:
		regime = RegimeNormal
		x := 0.0
		if s > 0 {
			x = clamp(math.Pow(math.Max(grossPct, 0)/s, cfg.Q), 0, 1)
		}
		add = cfg.Asoft + (cfg.Amax-cfg.Asoft)*math.Pow(1-x, cfg.Pn)
	case grossPct < h:
		regime = RegimeSoft
		t := 1.0
		if h-s > 0 {
			t = clamp((grossPct-s)/(h-s), 0, 1)
		}
		add = cfg.Asoft * math.Pow(1-t, cfg.Ps)
	default:
		regime = RegimeHard
		add = 0
	}

	add = clamp(add, 0, 100)
	if math.IsNaN(add) {
		add = 0
	}
	return Intent{
		AddIntent:    add,
		ReduceIntent: 100 - add,
		Regime:       regime,
		GrossPct:     grossPct,
	}
}

// Desire combina intención y goodness en un score [0,1] solo para ordenar
// candidatos entre sí: (intent/100)^alpha × (goodness/100)^beta.
// Ambas entradas se recortan a [0,100] antes de normalizar.
func Desire(intent, goodness, alpha, beta float64) float64 {
	i := clamp(intent, 0, 100) / 100
	g := clamp(goodness, 0, 100) / 100
	return math.Pow(i, alpha) * math.Pow(g, beta)
}

// DefaultDesire usa alpha = 1, beta = 2.
func DefaultDesire(intent, goodness float64) float64 {
	return Desire(intent, goodness, 1.0, 2.0)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
