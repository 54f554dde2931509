package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/prefbot/config"
	"github.com/alejandrodnm/prefbot/internal/domain"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "REDIS_ADDR", "REDIS_PASSWORD", "PREFBOT_ACCOUNT"} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load("../../config/config.yaml")
	require.NoError(t, err)
	return cfg
}

func TestWire_ShippedConfig(t *testing.T) {
	cfg := loadTestConfig(t)

	ec := engineConfig(cfg)
	assert.Equal(t, "DU1234567", ec.AccountID)
	assert.Equal(t, 30*time.Second, ec.Interval)
	assert.Equal(t, domain.SplitConfig{Threshold: 1000, MaxPerChild: 500, MinChild: 200}, ec.Split)
	assert.Equal(t, 250*time.Millisecond, ec.ChildDelay)
	assert.Equal(t, 100.0, ec.Intent.HardThresholdPct)
	assert.Equal(t, 2.0, ec.DesireBeta)

	lc := liquidityConfig(cfg)
	assert.Nil(t, lc.LTMaxCap)
	assert.True(t, lc.AllowNearCloseResidual)
	assert.Equal(t, []domain.IntentType{domain.IntentHardDerisk}, lc.ResidualOverrides)

	bc := bandConfig(cfg)
	assert.Equal(t, 2, bc.ToleranceDays)
	assert.Equal(t, 60.0, bc.LongRange.Min)

	sc, err := sessionConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", sc.Location.String())
	assert.Equal(t, 9*time.Hour+30*time.Minute, sc.Open)
	assert.Equal(t, 16*time.Hour, sc.Close)
	assert.Equal(t, time.Second, sc.Interval)

	assert.Equal(t, 100*time.Millisecond, ledgerConfig(cfg).BaseRetryWait)
	rc := rankingConfig(cfg)
	assert.Equal(t, 1.8, rc.CostOverrideMultiplier)
	assert.Equal(t, 0.5, rc.ConfidenceGate)
	assert.Equal(t, 15.0, lc.NearCloseMinutes)
}

func TestWire_ExplicitZeroKnobs(t *testing.T) {
	cfg := loadTestConfig(t)
	zero := 0.0
	cfg.Ranking.ConfidenceGate = &zero
	cfg.Ranking.PnLTolerance = &zero
	cfg.Liquidity.NearCloseMinutes = &zero

	rc := rankingConfig(cfg)
	assert.Zero(t, rc.ConfidenceGate)
	assert.Zero(t, rc.PnLTolerance)
	assert.Zero(t, liquidityConfig(cfg).NearCloseMinutes)
}
