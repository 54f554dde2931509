package audit

// tracker.go — rastro de arbitraje append-only.
//
// Record nunca devuelve error: cualquier fallo de storage o de stream se
// registra en WARN, cuenta en métricas y se olvida. Auditar no puede frenar
// una decisión de trading.

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

const (
	ArbitrationStream = "arbitration"
	RegimeStream      = "regime"
)

// Tracker persiste resúmenes de arbitraje en storage y en el event log.
type Tracker struct {
	storage ports.AuditStorage // puede ser nil
	events  ports.EventLog     // puede ser nil
	metrics ports.Metrics
	loc     *time.Location
	now     func() time.Time

	mu sync.Mutex // orden de escritura = orden de reloj
}

// NewTracker crea un Tracker. loc define el día de trading (zona del exchange).
func NewTracker(storage ports.AuditStorage, events ports.EventLog, metrics ports.Metrics, loc *time.Location) *Tracker {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{storage: storage, events: events, metrics: metrics, loc: loc, now: time.Now}
}

// Summarize calcula conteos y desgloses sin efectos secundarios.
func Summarize(seq uint64, proposed, accepted []domain.OrderProposal, suppressed []domain.Suppression) domain.ArbitrationLogEntry {
	e := domain.ArbitrationLogEntry{
		CycleSeq:           seq,
		Proposed:           len(proposed),
		Accepted:           len(accepted),
		Suppressed:         len(suppressed),
		ProposedByClass:    make(map[domain.Classification]int),
		AcceptedByClass:    make(map[domain.Classification]int),
		ProposedByType:     make(map[domain.IntentType]int),
		SuppressedByReason: make(map[string]int),
	}
	for _, p := range proposed {
		e.ProposedByClass[p.Classification]++
		e.ProposedByType[p.IntentType]++
	}
	for _, p := range accepted {
		e.AcceptedByClass[p.Classification]++
	}
	for _, s := range suppressed {
		e.SuppressedByReason[s.Reason]++
	}
	return e
}

// Record resume y persiste un paso de arbitraje. Devuelve la entrada escrita.
func (t *Tracker) Record(ctx context.Context, seq uint64, proposed, accepted []domain.OrderProposal, suppressed []domain.Suppression) domain.ArbitrationLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Summarize(seq, proposed, accepted, suppressed)
	e.RecordedAt = t.now()
	e.TradingDate = e.RecordedAt.In(t.loc).Format(time.DateOnly)

	for _, a := range accepted {
		t.metrics.ProposalAccepted(a.Classification)
	}
	for _, s := range suppressed {
		t.metrics.ProposalSuppressed(s.Reason)
	}

	if t.storage != nil {
		if err := t.storage.AppendArbitration(ctx, e); err != nil {
			t.metrics.AuditFailed("storage")
			slog.Warn("audit: arbitration persist failed", "seq", seq, "err", err)
		}
	}
	if t.events != nil {
		_, err := t.events.Append(ctx, ArbitrationStream, map[string]any{
			"trading_date": e.TradingDate,
			"seq":          e.CycleSeq,
			"proposed":     e.Proposed,
			"accepted":     e.Accepted,
			"suppressed":   e.Suppressed,
		})
		if err != nil {
			t.metrics.AuditFailed("stream")
			slog.Warn("audit: arbitration append failed", "seq", seq, "err", err)
		}
	}

	slog.Debug("audit: arbitration recorded",
		"seq", seq,
		"proposed", e.Proposed,
		"accepted", e.Accepted,
		"suppressed", e.Suppressed,
	)
	return e
}
