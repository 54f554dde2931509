package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alejandrodnm/prefbot/config"
	"github.com/alejandrodnm/prefbot/internal/adapters/fixture"
	"github.com/alejandrodnm/prefbot/internal/adapters/membus"
	"github.com/alejandrodnm/prefbot/internal/adapters/metrics"
	"github.com/alejandrodnm/prefbot/internal/adapters/notify"
	"github.com/alejandrodnm/prefbot/internal/adapters/redisbus"
	"github.com/alejandrodnm/prefbot/internal/adapters/storage"
	"github.com/alejandrodnm/prefbot/internal/application/audit"
	"github.com/alejandrodnm/prefbot/internal/application/banddrift"
	"github.com/alejandrodnm/prefbot/internal/application/engine"
	"github.com/alejandrodnm/prefbot/internal/application/ledger"
	"github.com/alejandrodnm/prefbot/internal/application/liquidity"
	"github.com/alejandrodnm/prefbot/internal/application/ranking"
	"github.com/alejandrodnm/prefbot/internal/application/session"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one decision cycle and exit")
	finalize := flag.Bool("finalize", false, "run end-of-day ledger reconciliation and exit")
	report := flag.String("report", "", "print the audit trail for a trading date (YYYY-MM-DD) and exit")
	dryRun := flag.Bool("dry-run", false, "decide but never submit; in-process bus")
	bookPath := flag.String("book", "", "YAML book used as broker (overrides config)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full order table (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *dryRun {
		cfg.Engine.DryRun = true
	}
	if *bookPath != "" {
		cfg.Fixture.Book = *bookPath
	}
	setupLogger(cfg.Log)

	slog.Info("prefbot starting",
		"config", *configPath,
		"account", cfg.Engine.Account,
		"interval", cfg.CycleInterval(),
		"dry_run", cfg.Engine.DryRun,
		"once", *once,
		"finalize", *finalize,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	notifier := notify.NewConsole(*table)

	if *report != "" {
		runReport(ctx, store, notifier, *report)
		return
	}

	sessCfg, err := sessionConfig(cfg)
	if err != nil {
		slog.Error("invalid session config", "err", err)
		os.Exit(1)
	}

	events, state, closeBus := openBus(ctx, cfg)
	defer closeBus()

	rec := metrics.New()

	book, err := fixture.Load(cfg.Fixture.Book)
	if err != nil {
		slog.Error("failed to load book", "err", err, "path", cfg.Fixture.Book)
		os.Exit(1)
	}
	if book.Account() != "" && book.Account() != cfg.Engine.Account {
		slog.Warn("book account differs from config", "book", book.Account(), "config", cfg.Engine.Account)
	}

	lt := ledger.New(store, ledgerConfig(cfg), rec)
	regimes := audit.NewRegimeLogger(store, events, rec)
	heartbeat := session.NewHeartbeat(sessCfg, state, events, regimes)

	eng := engine.New(engineConfig(cfg), engine.Deps{
		Snapshot: book,
		Executor: fixture.NewPaperExecutor(book, cfg.Engine.Account),
		Ledger:   lt,
		Guard:    liquidity.New(liquidityConfig(cfg)),
		Ranker:   ranking.New(rankingConfig(cfg)),
		Bands:    banddrift.New(bandConfig(cfg), state),
		Tracker:  audit.NewTracker(store, events, rec, sessCfg.Location),
		Regimes:  regimes,
		Events:   events,
		State:    state,
		Notifier: notifier,
		Metrics:  rec,
	})

	hostname, _ := os.Hostname()
	consumer := ledger.NewFillConsumer(events, lt, "prefbot-"+hostname)

	switch {
	case *finalize:
		res, err := eng.Finalize(ctx)
		if err != nil {
			slog.Error("finalize failed", "err", err)
			os.Exit(1)
		}
		notifier.PrintFinalize(res)
		return

	case *once:
		if _, err := heartbeat.Beat(ctx); err != nil {
			slog.Warn("session publish failed", "err", err)
		}
		if _, err := eng.RunOnce(ctx); err != nil {
			slog.Error("decision cycle failed", "err", err)
			os.Exit(1)
		}
		// El consumer recoge lo que el append directo no llegó a aplicar.
		if n, err := consumer.PollOnce(ctx); err != nil {
			slog.Warn("fill consumer poll failed", "err", err)
		} else if n > 0 {
			slog.Info("fill consumer applied pending fills", "count", n)
		}
		return
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				slog.Error(name+" exited with error", "err", err)
				cancel()
			}
		}()
	}

	if cfg.Metrics.Addr != "" {
		run("metrics", func(ctx context.Context) error { return rec.Serve(ctx, cfg.Metrics.Addr) })
	}
	run("session heartbeat", heartbeat.Run)
	run("fill consumer", consumer.Run)
	run("engine", eng.Run)

	<-ctx.Done()
	wg.Wait()
	slog.Info("prefbot stopped cleanly")
}

// openBus elige Redis si hay dirección y no es dry-run; si no, el bus en
// proceso. Redis inalcanzable al arrancar es fatal.
func openBus(ctx context.Context, cfg *config.Config) (ports.EventLog, ports.StateStore, func()) {
	if cfg.Redis.Addr == "" || cfg.Engine.DryRun {
		slog.Info("bus: in-process")
		b := membus.New()
		return b, b, func() {}
	}

	b := redisbus.New(redisbus.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		MaxLen:    cfg.Redis.MaxLen,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		slog.Error("failed to connect to redis", "err", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	slog.Info("bus: redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.KeyPrefix)
	return b, b, func() { _ = b.Close() }
}

func runReport(ctx context.Context, store *storage.SQLiteStorage, notifier *notify.Console, date string) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		slog.Error("invalid report date, want YYYY-MM-DD", "date", date)
		os.Exit(1)
	}
	entries, err := store.ArbitrationByDate(ctx, date)
	if err != nil {
		slog.Error("failed to read arbitration log", "err", err)
		os.Exit(1)
	}
	transitions, err := store.TransitionsByDate(ctx, date)
	if err != nil {
		slog.Error("failed to read regime transitions", "err", err)
		os.Exit(1)
	}
	notifier.PrintAudit(date, entries, transitions)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
