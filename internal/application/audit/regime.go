package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// RegimeLogger registra cambios de fase de sesión y de régimen de exposición.
// Solo escribe cuando el valor cambia; cada tipo tiene su propio lock para que
// las transiciones de un stream queden en orden de reloj.
type RegimeLogger struct {
	storage ports.AuditStorage
	events  ports.EventLog
	metrics ports.Metrics
	now     func() time.Time

	mu    sync.Mutex
	kinds map[domain.RegimeKind]*kindState
}

type kindState struct {
	mu   sync.Mutex
	last string
}

// NewRegimeLogger crea un RegimeLogger. storage y events pueden ser nil.
func NewRegimeLogger(storage ports.AuditStorage, events ports.EventLog, metrics ports.Metrics) *RegimeLogger {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RegimeLogger{
		storage: storage,
		events:  events,
		metrics: metrics,
		now:     time.Now,
		kinds:   make(map[domain.RegimeKind]*kindState),
	}
}

func (r *RegimeLogger) state(kind domain.RegimeKind) *kindState {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.kinds[kind]
	if !ok {
		k = &kindState{}
		r.kinds[kind] = k
	}
	return k
}

// Current devuelve el último valor observado para el tipo ("" si ninguno).
func (r *RegimeLogger) Current(kind domain.RegimeKind) string {
	k := r.state(kind)
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Observe compara to con el último valor y, si cambió, registra la transición.
// Devuelve la transición y true si hubo cambio. Los fallos se tragan.
func (r *RegimeLogger) Observe(ctx context.Context, kind domain.RegimeKind, to, reason string, grossPct float64) (domain.RegimeTransition, bool) {
	k := r.state(kind)
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.last == to {
		return domain.RegimeTransition{}, false
	}
	from := k.last
	if from == "" {
		from = "UNKNOWN"
	}
	k.last = to

	tr := domain.RegimeTransition{
		Kind:       kind,
		From:       from,
		To:         to,
		Reason:     reason,
		GrossPct:   grossPct,
		OccurredAt: r.now(),
	}

	slog.Info("regime: transition",
		"kind", kind,
		"from", tr.From,
		"to", tr.To,
		"reason", reason,
	)

	if r.storage != nil {
		if err := r.storage.AppendTransition(ctx, tr); err != nil {
			r.metrics.AuditFailed("storage")
			slog.Warn("audit: transition persist failed", "kind", kind, "err", err)
		}
	}
	if r.events != nil {
		_, err := r.events.Append(ctx, RegimeStream, map[string]any{
			"kind":        string(kind),
			"from":        tr.From,
			"to":          tr.To,
			"reason":      reason,
			"gross_pct":   grossPct,
			"occurred_at": tr.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			r.metrics.AuditFailed("stream")
			slog.Warn("audit: transition append failed", "kind", kind, "err", err)
		}
	}
	return tr, true
}
