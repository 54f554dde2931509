package domain

// BandBias es el sesgo que el control de bandas LT pasa al ranking.
// Una clasificación que acaba en ambos conjuntos se trata como neutral.
type BandBias struct {
	Preferred map[Classification]bool
	Avoided   map[Classification]bool
}

// Weight devuelve 0 (preferida), 1 (neutral) o 2 (evitada).
func (b BandBias) Weight(c Classification) int {
	pref, avoid := b.Preferred[c], b.Avoided[c]
	switch {
	case pref && !avoid:
		return 0
	case avoid && !pref:
		return 2
	default:
		return 1
	}
}

// IsAvoided devuelve true si la clasificación está vetada por el sesgo.
func (b BandBias) IsAvoided(c Classification) bool {
	return b.Weight(c) == 2
}

// Empty devuelve true si el sesgo no tiene efecto.
func (b BandBias) Empty() bool {
	return len(b.Preferred) == 0 && len(b.Avoided) == 0
}
