// Package metrics expone las métricas del core en formato Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

const namespace = "prefbot"

// Recorder implementa ports.Metrics con un registry propio (no el global).
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	accepted      *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	grossPct      prometheus.Gauge
	addIntent     prometheus.Gauge
	reconciled    *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
}

var _ ports.Metrics = (*Recorder)(nil)

// New crea y registra todas las métricas.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "cycles_total", Help: "Decision cycles by result"},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Decision cycle wall time",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		accepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "proposals_accepted_total", Help: "Accepted proposals by classification"},
			[]string{"classification"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "proposals_suppressed_total", Help: "Suppressed proposals by reason"},
			[]string{"reason"},
		),
		grossPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gross_exposure_pct", Help: "Last observed gross exposure (% of equity)",
		}),
		addIntent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "add_intent", Help: "Last computed add intent [0,100]",
		}),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "ledger_reconciled_total", Help: "Finalize actions applied to the LT ledger"},
			[]string{"action"},
		),
		auditFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "audit_failures_total", Help: "Audit writes that failed"},
			[]string{"kind"},
		),
	}

	r.registry.MustRegister(
		r.cycles, r.cycleDuration, r.accepted, r.suppressed,
		r.grossPct, r.addIntent, r.reconciled, r.auditFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry devuelve el registry (tests y handlers externos).
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler devuelve el handler HTTP de /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve arranca el endpoint en addr hasta que el contexto se cancele.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Recorder) CycleCompleted(result string, d time.Duration) {
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) ProposalAccepted(c domain.Classification) {
	r.accepted.WithLabelValues(string(c)).Inc()
}

// ProposalSuppressed cuenta por motivo. Los motivos del ranking llevan
// números ("low confidence 0.31 < 0.50"): se agrupan por su prefijo para no
// disparar la cardinalidad.
func (r *Recorder) ProposalSuppressed(reason string) {
	r.suppressed.WithLabelValues(reasonLabel(reason)).Inc()
}

func (r *Recorder) ExposureObserved(grossPct, addIntent float64) {
	r.grossPct.Set(grossPct)
	r.addIntent.Set(addIntent)
}

func (r *Recorder) LedgerReconciled(action string, n int) {
	if n > 0 {
		r.reconciled.WithLabelValues(action).Add(float64(n))
	}
}

func (r *Recorder) AuditFailed(kind string) {
	r.auditFailures.WithLabelValues(kind).Inc()
}

// reasonLabel corta el motivo antes de ':' o del primer número.
func reasonLabel(reason string) string {
	if !strings.HasPrefix(reason, "liquidity") {
		if i := strings.IndexByte(reason, ':'); i > 0 {
			return reason[:i]
		}
	}
	if i := strings.IndexAny(reason, "0123456789"); i >= 0 {
		if l := strings.TrimRight(reason[:i], " ("); l != "" {
			return l
		}
		return "other"
	}
	return reason
}
