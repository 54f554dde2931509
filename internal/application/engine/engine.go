package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/prefbot/internal/application/audit"
	"github.com/alejandrodnm/prefbot/internal/application/banddrift"
	"github.com/alejandrodnm/prefbot/internal/application/execution"
	"github.com/alejandrodnm/prefbot/internal/application/ledger"
	"github.com/alejandrodnm/prefbot/internal/application/liquidity"
	"github.com/alejandrodnm/prefbot/internal/application/ranking"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

// Config contiene la configuración del ciclo de decisión.
type Config struct {
	AccountID         string
	Interval          time.Duration
	Workers           int // goroutines para leer cotizaciones (0 = NumCPU*2)
	MaxOrdersPerCycle int // 0 = sin límite
	MaxInFlight       int // ciclos solapados permitidos (default 2)

	Split      domain.SplitConfig
	ChildDelay time.Duration

	Intent        domain.IntentConfig
	DesireAlpha   float64
	DesireBeta    float64
	GoodnessScale float64 // puntos de goodness por unidad de edge relativo

	DryRun bool
}

// Deps agrupa las dependencias del engine. Events, State, Notifier y
// Metrics son opcionales.
type Deps struct {
	Snapshot ports.SnapshotProvider
	Executor ports.OrderExecutor
	Ledger   *ledger.Store
	Guard    *liquidity.Guard
	Ranker   *ranking.HardExitEngine
	Bands    *banddrift.Controller
	Tracker  *audit.Tracker
	Regimes  *audit.RegimeLogger
	Events   ports.EventLog
	State    ports.StateStore
	Notifier ports.Notifier
	Metrics  ports.Metrics
}

// Engine orquesta el ciclo de decisión: snapshot → intención → ranking →
// liquidez → arbitraje → auditoría → envío.
type Engine struct {
	cfg      Config
	deps     Deps
	splitter *execution.SplitExecutor

	seq atomic.Uint64

	mu            sync.Mutex
	lastCompleted uint64

	submitMu sync.Mutex
	now      func() time.Time
}

// New crea un Engine con todas las dependencias inyectadas.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.DesireAlpha <= 0 {
		cfg.DesireAlpha = 1
	}
	if cfg.DesireBeta <= 0 {
		cfg.DesireBeta = 2
	}
	if cfg.GoodnessScale <= 0 {
		cfg.GoodnessScale = 1000
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		splitter: execution.NewSplitExecutor(deps.Executor, cfg.ChildDelay),
		now:      time.Now,
	}
}

// Run ejecuta ciclos hasta que el contexto se cancele. Cada tick lanza un
// ciclo; si hay MaxInFlight ciclos en curso el tick se salta.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting",
		"account", e.cfg.AccountID,
		"interval", e.cfg.Interval,
		"dry_run", e.cfg.DryRun,
		"workers", e.cfg.Workers,
	)

	sem := make(chan struct{}, e.cfg.MaxInFlight)
	var wg sync.WaitGroup
	launch := func() {
		select {
		case sem <- struct{}{}:
		default:
			slog.Warn("engine: cycle skipped, too many in flight", "max", e.cfg.MaxInFlight)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("decision cycle failed", "err", err)
			}
		}()
	}

	launch()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("engine stopped")
			return nil
		case <-ticker.C:
			launch()
		}
	}
}

// RunOnce ejecuta exactamente un ciclo y devuelve su informe.
func (e *Engine) RunOnce(ctx context.Context) (domain.CycleReport, error) {
	start := e.now()
	seq := e.seq.Add(1)

	d, err := e.decide(ctx, seq)
	if err != nil {
		e.deps.Metrics.CycleCompleted("error", e.now().Sub(start))
		return domain.CycleReport{Seq: seq, StartedAt: start}, err
	}
	d.report.StartedAt = start

	report := e.finish(ctx, d)
	report.Duration = e.now().Sub(start)

	result := "ok"
	if report.Stale {
		result = "stale"
	}
	e.deps.Metrics.CycleCompleted(result, report.Duration)

	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.NotifyCycle(ctx, report); err != nil {
			slog.Warn("notifier error", "err", err)
		}
	}

	slog.Info("decision cycle complete",
		"seq", seq,
		"regime", report.Intent.Regime,
		"gross_pct", fmt.Sprintf("%.1f", report.Exposure.GrossPct),
		"accepted", len(report.Accepted),
		"suppressed", len(report.Suppressed),
		"stale", report.Stale,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// Finalize reconcilia el ledger LT contra las posiciones actuales del broker.
func (e *Engine) Finalize(ctx context.Context) (ledger.FinalizeReport, error) {
	positions, err := e.deps.Snapshot.Positions(ctx)
	if err != nil {
		return ledger.FinalizeReport{}, fmt.Errorf("engine.Finalize: positions: %w", err)
	}
	return e.deps.Ledger.FinalizeDay(ctx, e.cfg.AccountID, positions)
}
