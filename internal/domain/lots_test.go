package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundLot(t *testing.T) {
	tests := []struct {
		raw  float64
		want int64
	}{
		{0, 0},
		{99, 0},
		{100, 0},
		{149.99, 0},
		{150, 200},
		{200, 200},
		{249, 200},
		{250, 300},
		{949, 900},
		{950, 1000},
		{1049, 1000},
		{1050, 1100},
		{12345, 12300},
		{-500, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundLot(tt.raw), "RoundLot(%v)", tt.raw)
	}
}

func TestRoundLot_NeverHundred(t *testing.T) {
	for raw := 0.0; raw < 20000; raw += 3.7 {
		lot := RoundLot(raw)
		assert.NotEqual(t, int64(100), lot)
		if lot != 0 {
			assert.GreaterOrEqual(t, lot, int64(MinLotSize))
			assert.Zero(t, lot%LotSize, "raw=%v", raw)
		}
	}
}

func TestRoundUpLot(t *testing.T) {
	assert.Equal(t, int64(0), RoundUpLot(0))
	assert.Equal(t, int64(200), RoundUpLot(1))
	assert.Equal(t, int64(200), RoundUpLot(100))
	assert.Equal(t, int64(200), RoundUpLot(200))
	assert.Equal(t, int64(300), RoundUpLot(201))
	assert.Equal(t, int64(1100), RoundUpLot(1001))
	// los dos modos son distintos
	assert.NotEqual(t, RoundLot(1001), RoundUpLot(1001))
}

func TestSplit_BelowThresholdSingleOrder(t *testing.T) {
	plan := Split(800, SplitConfig{Threshold: 1000, MaxPerChild: 500, MinChild: 200}, "p1")
	require.Len(t, plan.Children, 1)
	assert.Equal(t, int64(800), plan.Children[0].Qty)
	assert.Equal(t, 1, plan.Children[0].Index)
	assert.Equal(t, 1, plan.Children[0].Count)
	assert.Equal(t, "p1", plan.Children[0].ParentID)
}

func TestSplit_EvenPeel(t *testing.T) {
	plan := Split(2500, SplitConfig{Threshold: 1000, MaxPerChild: 1000, MinChild: 200}, "p2")
	require.Len(t, plan.Children, 3)
	assert.Equal(t, []int64{1000, 1000, 500}, qtys(plan))
	for i, c := range plan.Children {
		assert.Equal(t, i+1, c.Index)
		assert.Equal(t, 3, c.Count)
		assert.Equal(t, "p2", c.ParentID)
	}
}

func TestSplit_ShrinksToAvoidSubMinimumTail(t *testing.T) {
	plan := Split(2100, SplitConfig{Threshold: 1000, MaxPerChild: 1000, MinChild: 200}, "p3")
	assert.Equal(t, []int64{1000, 900, 200}, qtys(plan))
	assert.Zero(t, plan.Dropped)
}

func TestSplit_DropsUnplaceableRemainder(t *testing.T) {
	plan := Split(300, SplitConfig{Threshold: 0, MaxPerChild: 200, MinChild: 200}, "p4")
	assert.Equal(t, []int64{200}, qtys(plan))
	assert.Equal(t, int64(100), plan.Dropped)
}

func TestSplit_ZeroLot(t *testing.T) {
	plan := Split(120, SplitConfig{Threshold: 0, MaxPerChild: 1000, MinChild: 200}, "p5")
	assert.Empty(t, plan.Children)
	assert.Zero(t, plan.Total)
}

func TestSplit_LosslessAboveThreshold(t *testing.T) {
	cfg := SplitConfig{Threshold: 1000, MaxPerChild: 1000, MinChild: 200}
	for total := int64(1001); total < 25000; total += 37 {
		plan := Split(total, cfg, "p")
		require.Equal(t, RoundLot(float64(total)), plan.Sum(), "total=%d", total)
		for _, c := range plan.Children {
			assert.LessOrEqual(t, c.Qty, cfg.MaxPerChild)
			assert.GreaterOrEqual(t, c.Qty, cfg.MinChild)
			assert.Zero(t, c.Qty%LotSize)
		}
	}
}

func TestSizeReduction(t *testing.T) {
	tests := []struct {
		name    string
		pos     int64
		desired int64
		want    int64
	}{
		{"full exit when desired exceeds position", 1000, 5000, 1000},
		{"full exit stays exact for odd size", 350, 350, 350},
		{"short partial", -1000, 400, 400},
		{"shrinks to leave min lot", 1000, 900, 800},
		{"odd remainder shrinks", 1020, 1000, 800},
		{"dust suppressed", 300, 150, 0},
		{"zero desired", 1000, 0, 0},
		{"flat position", 0, 500, 0},
		{"below half lot rounds to zero", 5000, 120, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SizeReduction(tt.pos, tt.desired, MinLotSize))
		})
	}
}

func TestSizeReduction_NeverFlipsNorLeavesDust(t *testing.T) {
	for pos := int64(200); pos <= 5000; pos += 50 {
		for desired := int64(0); desired <= 6000; desired += 70 {
			got := SizeReduction(pos, desired, MinLotSize)
			require.LessOrEqual(t, got, pos, "pos=%d desired=%d", pos, desired)
			rem := pos - got
			assert.True(t, rem == 0 || rem >= MinLotSize, "pos=%d desired=%d rem=%d", pos, desired, rem)
		}
	}
}

func qtys(p SplitPlan) []int64 {
	out := make([]int64, len(p.Children))
	for i, c := range p.Children {
		out[i] = c.Qty
	}
	return out
}
