package session

// heartbeat.go — publica la fase de la sesión cada ~1s.
//
// El estado va a una clave last-value-wins (session:state, TTL corto) y a un
// stream. Los ciclos de decisión leen la clave sin bloquear: si no hay valor
// (heartbeat caído o TTL expirado) se asume que el cierre no está cerca.
//
// Fases (hora del exchange, por defecto America/New_York 09:30–16:00):
//   OPEN   primeros 5 min
//   EARLY  hasta 60 min tras la apertura
//   MID    resto
//   LATE   últimos 60 min
//   CLOSE  últimos 15 min
//   CLOSED fuera de sesión y fines de semana

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/alejandrodnm/prefbot/internal/application/audit"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
)

const (
	StateKey = "session:state"
	Stream   = "session"
)

const (
	openWindow  = 5 * time.Minute
	earlyWindow = 60 * time.Minute
	lateWindow  = 60 * time.Minute
	closeWindow = 15 * time.Minute
)

// Config define la sesión del exchange.
type Config struct {
	Location *time.Location
	Open     time.Duration // desde medianoche local
	Close    time.Duration
	Interval time.Duration
	StateTTL time.Duration
}

// DefaultConfig: NYSE regular session.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Location: loc,
		Open:     9*time.Hour + 30*time.Minute,
		Close:    16 * time.Hour,
		Interval: time.Second,
		StateTTL: 5 * time.Second,
	}
}

// ParseClock convierte "HH:MM" en desplazamiento desde medianoche.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("session.ParseClock: %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Compute devuelve el estado de la sesión en el instante dado.
func Compute(cfg Config, now time.Time) domain.SessionState {
	local := now.In(cfg.Location)
	st := domain.SessionState{Phase: domain.PhaseClosed, MinutesToClose: math.Inf(1), PublishedAt: now}

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return st
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Location)
	open := midnight.Add(cfg.Open)
	closeAt := midnight.Add(cfg.Close)
	if local.Before(open) || !local.Before(closeAt) {
		return st
	}

	sinceOpen := local.Sub(open)
	toClose := closeAt.Sub(local)
	st.MarketOpen = true
	st.MinutesToClose = toClose.Minutes()

	switch {
	case toClose <= closeWindow:
		st.Phase = domain.PhaseClose
	case toClose <= lateWindow:
		st.Phase = domain.PhaseLate
	case sinceOpen < openWindow:
		st.Phase = domain.PhaseOpen
	case sinceOpen < earlyWindow:
		st.Phase = domain.PhaseEarly
	default:
		st.Phase = domain.PhaseMid
	}
	return st
}

// Heartbeat publica el estado de la sesión periódicamente.
type Heartbeat struct {
	cfg     Config
	state   ports.StateStore
	events  ports.EventLog // puede ser nil
	regimes *audit.RegimeLogger
	now     func() time.Time
}

// NewHeartbeat crea un Heartbeat.
func NewHeartbeat(cfg Config, state ports.StateStore, events ports.EventLog, regimes *audit.RegimeLogger) *Heartbeat {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 5 * cfg.Interval
	}
	return &Heartbeat{cfg: cfg, state: state, events: events, regimes: regimes, now: time.Now}
}

// Run publica hasta que el contexto se cancele.
func (h *Heartbeat) Run(ctx context.Context) error {
	slog.Info("session: heartbeat started", "interval", h.cfg.Interval, "tz", h.cfg.Location)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := h.Beat(ctx); err != nil {
			slog.Warn("session: publish failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("session: heartbeat stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Beat calcula y publica el estado una vez.
func (h *Heartbeat) Beat(ctx context.Context) (domain.SessionState, error) {
	st := Compute(h.cfg, h.now())

	if h.regimes != nil {
		reason := "market closed"
		if st.MarketOpen {
			reason = fmt.Sprintf("%.0f min to close", st.MinutesToClose)
		}
		h.regimes.Observe(ctx, domain.RegimeKindSession, string(st.Phase), reason, 0)
	}

	fields := encode(st)
	if err := h.state.Set(ctx, StateKey, fields, h.cfg.StateTTL); err != nil {
		return st, fmt.Errorf("session.Beat: set state: %w", err)
	}
	if h.events != nil {
		if _, err := h.events.Append(ctx, Stream, fields); err != nil {
			return st, fmt.Errorf("session.Beat: append: %w", err)
		}
	}
	return st, nil
}

func encode(st domain.SessionState) map[string]any {
	mtc := "inf"
	if !math.IsInf(st.MinutesToClose, 1) {
		mtc = strconv.FormatFloat(st.MinutesToClose, 'f', 2, 64)
	}
	return map[string]any{
		"phase":            string(st.Phase),
		"market_open":      strconv.FormatBool(st.MarketOpen),
		"minutes_to_close": mtc,
		"published_at":     st.PublishedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Latest lee el último estado publicado. ok = false si no hay valor: el
// llamante debe tratarlo como "cierre lejano" y seguir sin bloquear.
func Latest(ctx context.Context, store ports.StateStore) (domain.SessionState, bool) {
	unknown := domain.SessionState{Phase: domain.PhaseClosed, MinutesToClose: math.Inf(1)}
	if store == nil {
		return unknown, false
	}
	fields, err := store.Get(ctx, StateKey)
	if err != nil || len(fields) == 0 {
		return unknown, false
	}

	st := domain.SessionState{
		Phase:          domain.SessionPhase(fields["phase"]),
		MinutesToClose: math.Inf(1),
	}
	st.MarketOpen, _ = strconv.ParseBool(fields["market_open"])
	if v, err := strconv.ParseFloat(fields["minutes_to_close"], 64); err == nil {
		st.MinutesToClose = v
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["published_at"]); err == nil {
		st.PublishedAt = t
	}
	return st, true
}
