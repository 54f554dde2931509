package liquidity

import (
	"errors"
	"math"
	"testing"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(ltCap *int64) *Guard {
	cfg := DefaultConfig()
	cfg.LTMaxCap = ltCap
	return New(cfg)
}

func TestGuard_MaxQty(t *testing.T) {
	g := testGuard(nil)

	// 50k ADV / 10 = 5000, MM cap 2000
	assert.Equal(t, int64(2000), g.MaxQty(domain.BucketMM, 50_000))
	// LT sin cap
	assert.Equal(t, int64(5000), g.MaxQty(domain.BucketLT, 50_000))
	// ADV bajo: suelo en min_lot
	assert.Equal(t, int64(200), g.MaxQty(domain.BucketLT, 300))
	assert.Equal(t, int64(200), g.MaxQty(domain.BucketLT, 0))
	// alineado a lotes
	assert.Equal(t, int64(1200), g.MaxQty(domain.BucketLT, 12_345))

	capped := int64(800)
	assert.Equal(t, int64(800), testGuard(&capped).MaxQty(domain.BucketLT, 50_000))
}

func TestGuard_MaxQtyMonotonicInADV(t *testing.T) {
	capped := int64(3000)
	for _, g := range []*Guard{testGuard(nil), testGuard(&capped)} {
		for _, b := range []domain.Bucket{domain.BucketLT, domain.BucketMM} {
			prev := int64(0)
			for adv := 0.0; adv < 200_000; adv += 733 {
				got := g.MaxQty(b, adv)
				assert.GreaterOrEqual(t, got, prev, "bucket=%s adv=%v", b, adv)
				if b == domain.BucketMM {
					assert.LessOrEqual(t, got, int64(2000))
				} else if g.cfg.LTMaxCap != nil {
					assert.LessOrEqual(t, got, capped)
				}
				prev = got
			}
		}
	}
}

func TestGuard_Admit(t *testing.T) {
	g := testGuard(nil)
	far := math.Inf(1)

	tests := []struct {
		name     string
		req      Request
		qty      int64
		reason   string
		deferred bool
	}{
		{
			name:   "within limit",
			req:    Request{Bucket: domain.BucketMM, DesiredQty: 1500, AvgDailyVolume: 50_000, MinutesToClose: far},
			qty:    1500,
			reason: ReasonWithinLimit,
		},
		{
			name:   "capped by bucket",
			req:    Request{Bucket: domain.BucketMM, DesiredQty: 4000, AvgDailyVolume: 50_000, MinutesToClose: far},
			qty:    2000,
			reason: ReasonCapped,
		},
		{
			name:   "capped by adv",
			req:    Request{Bucket: domain.BucketLT, DesiredQty: 4000, AvgDailyVolume: 10_000, MinutesToClose: far},
			qty:    1000,
			reason: ReasonCapped,
		},
		{
			name:     "residual deferred",
			req:      Request{Bucket: domain.BucketLT, DesiredQty: 50, AvgDailyVolume: 10_000, MinutesToClose: far, IntentType: domain.IntentBandCorrective},
			qty:      0,
			reason:   ReasonResidualDeferred,
			deferred: true,
		},
		{
			name:   "residual near close",
			req:    Request{Bucket: domain.BucketLT, DesiredQty: 50, AvgDailyVolume: 10_000, MinutesToClose: 10, IntentType: domain.IntentBandCorrective},
			qty:    50,
			reason: ReasonResidualNearClose,
		},
		{
			name:   "residual hard derisk override",
			req:    Request{Bucket: domain.BucketMM, DesiredQty: 150, AvgDailyVolume: 10_000, MinutesToClose: far, IntentType: domain.IntentHardDerisk},
			qty:    150,
			reason: ReasonResidualOverride,
		},
		{
			name:   "zero",
			req:    Request{Bucket: domain.BucketLT, DesiredQty: 0, AvgDailyVolume: 10_000, MinutesToClose: far},
			qty:    0,
			reason: ReasonZero,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Admit(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.qty, d.Qty)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.deferred, d.Deferred)
			assert.Equal(t, tt.reason == ReasonCapped, d.Capped)
		})
	}
}

func TestGuard_NearCloseDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowNearCloseResidual = false
	cfg.ResidualOverrides = nil
	g := New(cfg)

	d, err := g.Admit(Request{Bucket: domain.BucketLT, DesiredQty: 80, AvgDailyVolume: 10_000, MinutesToClose: 1})
	require.NoError(t, err)
	assert.True(t, d.Deferred)
	assert.Zero(t, d.Qty)
}

func TestGuard_MinLot(t *testing.T) {
	assert.Equal(t, int64(domain.MinLotSize), New(Config{}).MinLot())

	cfg := DefaultConfig()
	cfg.MinLot = 300
	assert.Equal(t, int64(300), New(cfg).MinLot())
}

func TestGuard_RejectsInvalidQuantity(t *testing.T) {
	g := testGuard(nil)
	for _, q := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := g.Admit(Request{Bucket: domain.BucketLT, DesiredQty: q, AvgDailyVolume: 1000})
		assert.True(t, errors.Is(err, domain.ErrInvalidQuantity), "qty=%v", q)
	}
}

func TestGuard_OutputIsZeroOrWithinBounds(t *testing.T) {
	g := testGuard(nil)
	for desired := 200.0; desired < 10_000; desired += 173 {
		for _, adv := range []float64{500, 5_000, 50_000, 500_000} {
			d, err := g.Admit(Request{Bucket: domain.BucketMM, DesiredQty: desired, AvgDailyVolume: adv, MinutesToClose: math.Inf(1)})
			require.NoError(t, err)
			assert.GreaterOrEqual(t, d.Qty, int64(domain.MinLotSize))
			assert.LessOrEqual(t, d.Qty, d.MaxQty)
		}
	}
}
