package main

import (
	"fmt"
	"time"

	"github.com/alejandrodnm/prefbot/config"
	"github.com/alejandrodnm/prefbot/internal/application/banddrift"
	"github.com/alejandrodnm/prefbot/internal/application/engine"
	"github.com/alejandrodnm/prefbot/internal/application/ledger"
	"github.com/alejandrodnm/prefbot/internal/application/liquidity"
	"github.com/alejandrodnm/prefbot/internal/application/ranking"
	"github.com/alejandrodnm/prefbot/internal/application/session"
	"github.com/alejandrodnm/prefbot/internal/domain"
)

// Conversión de la config de archivo a la config de cada componente.

func engineConfig(cfg *config.Config) engine.Config {
	e, in := cfg.Engine, cfg.Intent
	return engine.Config{
		AccountID:         e.Account,
		Interval:          cfg.CycleInterval(),
		Workers:           e.Workers,
		MaxOrdersPerCycle: e.MaxOrdersPerCycle,
		MaxInFlight:       e.MaxInFlight,
		Split: domain.SplitConfig{
			Threshold:   e.SplitThreshold,
			MaxPerChild: e.MaxChild,
			MinChild:    e.MinChild,
		},
		ChildDelay: time.Duration(e.ChildDelayMs) * time.Millisecond,
		Intent: domain.IntentConfig{
			HardThresholdPct: in.HardThresholdPct,
			SoftRatioNum:     in.SoftRatioNum,
			SoftRatioDen:     in.SoftRatioDen,
			Amax:             in.Amax,
			Asoft:            in.Asoft,
			Pn:               in.Pn,
			Q:                in.Q,
			Ps:               in.Ps,
		},
		DesireAlpha:   in.Alpha,
		DesireBeta:    in.Beta,
		GoodnessScale: e.GoodnessScale,
		DryRun:        e.DryRun,
	}
}

func liquidityConfig(cfg *config.Config) liquidity.Config {
	l := cfg.Liquidity
	out := liquidity.Config{
		MinLot:                 l.MinLot,
		ScaleFactor:            l.ScaleFactor,
		LTMaxCap:               l.LTMaxCap,
		MMMaxCap:               l.MMMaxCap,
		AllowNearCloseResidual: l.AllowNearCloseResidual == nil || *l.AllowNearCloseResidual,
	}
	if l.NearCloseMinutes != nil {
		out.NearCloseMinutes = *l.NearCloseMinutes
	}
	for _, t := range l.ResidualOverrides {
		out.ResidualOverrides = append(out.ResidualOverrides, domain.IntentType(t))
	}
	return out
}

func rankingConfig(cfg *config.Config) ranking.Config {
	r := cfg.Ranking
	out := ranking.Config{CostOverrideMultiplier: r.CostOverrideMultiplier}
	if r.ConfidenceGate != nil {
		out.ConfidenceGate = *r.ConfidenceGate
	}
	if r.PnLTolerance != nil {
		out.PnLTolerance = *r.PnLTolerance
	}
	return out
}

func bandConfig(cfg *config.Config) banddrift.Config {
	b := cfg.Band
	out := banddrift.Config{
		LongRange:         banddrift.Range{Min: b.LongRange.Min, Max: b.LongRange.Max},
		ShortRange:        banddrift.Range{Min: b.ShortRange.Min, Max: b.ShortRange.Max},
		CorrectiveSizePct: b.CorrectiveSizePct,
		MaxGrossPct:       b.MaxGrossPct,
	}
	if b.ToleranceDays != nil {
		out.ToleranceDays = *b.ToleranceDays
	}
	return out
}

func sessionConfig(cfg *config.Config) (session.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return session.Config{}, fmt.Errorf("session timezone: %w", err)
	}
	open, err := session.ParseClock(cfg.Session.Open)
	if err != nil {
		return session.Config{}, err
	}
	closeAt, err := session.ParseClock(cfg.Session.Close)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Location: loc,
		Open:     open,
		Close:    closeAt,
		Interval: time.Duration(cfg.Session.HeartbeatMs) * time.Millisecond,
		StateTTL: time.Duration(cfg.Session.StateTTLSeconds) * time.Second,
	}, nil
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		MaxRetries:    cfg.Ledger.MaxRetries,
		BaseRetryWait: time.Duration(cfg.Ledger.RetryWaitMs) * time.Millisecond,
	}
}
