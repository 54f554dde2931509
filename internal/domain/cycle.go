package domain

import "time"

// ChildFill resume el envío de una hija.
type ChildFill struct {
	OrderID string
	Qty     int64
	Filled  int64
	Price   float64
	Err     string
}

// Submission es una propuesta aceptada y lo que pasó al enviarla.
type Submission struct {
	Proposal OrderProposal
	Children []ChildFill
}

// CycleReport resume un ciclo de decisión para notificación.
type CycleReport struct {
	Seq        uint64
	StartedAt  time.Time
	Duration   time.Duration
	Exposure   Exposure
	Intent     Intent
	Session    SessionState
	Target     float64 // nocional objetivo de reducción
	Accepted   []OrderProposal
	Suppressed []Suppression
	Submitted  []Submission
	Stale      bool
	DryRun     bool
}
