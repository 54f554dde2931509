package domain

import "time"

// Suppression es una propuesta que no sobrevivió al arbitraje y su motivo.
type Suppression struct {
	Proposal OrderProposal
	Reason   string
}

// ArbitrationLogEntry resume un paso de arbitraje. Append-only: nunca se muta.
type ArbitrationLogEntry struct {
	TradingDate        string // YYYY-MM-DD
	RecordedAt         time.Time
	CycleSeq           uint64
	Proposed           int
	Accepted           int
	Suppressed         int
	ProposedByClass    map[Classification]int
	AcceptedByClass    map[Classification]int
	ProposedByType     map[IntentType]int
	SuppressedByReason map[string]int
}

// RegimeKind distingue los streams de transición.
type RegimeKind string

const (
	RegimeKindSession  RegimeKind = "session"
	RegimeKindExposure RegimeKind = "exposure"
)

// RegimeTransition registra un cambio de modo/régimen. Append-only.
type RegimeTransition struct {
	Kind       RegimeKind
	From       string
	To         string
	Reason     string
	GrossPct   float64 // exposición en el momento del cambio
	OccurredAt time.Time
}

// SessionState es el gauge publicado por el heartbeat: last-value-wins.
type SessionState struct {
	MarketOpen     bool
	MinutesToClose float64
	Phase          SessionPhase
	PublishedAt    time.Time
}
