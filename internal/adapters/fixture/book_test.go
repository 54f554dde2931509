package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
account: U1
equity: 100000
positions:
  - symbol: PFF-A
    qty: 1000
    avg_cost: 24
    bid: 24.95
    ask: 25.05
    truth: 25
    adv: 50000
  - symbol: PFF-B
    qty: -400
    avg_cost: 26
    bid: 24.90
    ask: 25.10
    adv: 20000
  - symbol: PFF-C
    bid: 19.90
    ask: 20.10
    adv: 8000
`

func TestParse(t *testing.T) {
	b, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx := context.Background()

	pos, err := b.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 2, "zero-qty lines are quote-only")
	assert.Equal(t, "PFF-A", pos[0].Symbol)
	assert.Equal(t, int64(-400), pos[1].Qty)

	q, err := b.Quote(ctx, "PFF-C")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, q.Mid(), 1e-9)
	assert.NoError(t, q.Validate())

	_, err = b.Quote(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrMissingQuote)

	exp, err := b.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U1", exp.AccountID)
	// (1000×25 + 400×25) / 100k
	assert.InDelta(t, 35.0, exp.GrossPct, 1e-6)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("equity: 0\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("equity: 1\npositions:\n  - symbol: A\n  - symbol: A\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("equity: [\n"))
	assert.Error(t, err)
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "U1", b.Account())

	require.NoError(t, os.WriteFile(path, []byte("account: U2\nequity: 5\n"), 0o600))
	require.NoError(t, b.Reload())
	assert.Equal(t, "U2", b.Account())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPaperExecutor(t *testing.T) {
	b, err := Parse([]byte(sample))
	require.NoError(t, err)
	x := NewPaperExecutor(b, "U1")
	ctx := context.Background()

	ev, err := x.Execute(ctx, domain.OrderProposal{
		ID: "o1", Symbol: "PFF-A", Side: domain.SideSell, Qty: 400, Classification: domain.MMLongDecrease,
	})
	require.NoError(t, err)
	assert.Equal(t, "o1", ev.OrderID)
	assert.Equal(t, int64(400), ev.FillQty)
	assert.InDelta(t, 24.95, ev.FillPrice, 1e-9)

	// añadir a un corto promedia el coste
	_, err = x.Execute(ctx, domain.OrderProposal{
		ID: "o2", Symbol: "PFF-B", Side: domain.SideSell, Qty: 400, Classification: domain.LTShortIncrease,
	})
	require.NoError(t, err)

	pos, _ := b.Positions(ctx)
	bySym := map[string]domain.Position{}
	for _, p := range pos {
		bySym[p.Symbol] = p
	}
	assert.Equal(t, int64(600), bySym["PFF-A"].Qty)
	assert.InDelta(t, 24.0, bySym["PFF-A"].AvgCost, 1e-9, "reducing keeps cost")
	assert.Equal(t, int64(-800), bySym["PFF-B"].Qty)
	assert.InDelta(t, (400*26+400*24.90)/800.0, bySym["PFF-B"].AvgCost, 1e-9)

	_, err = x.Execute(ctx, domain.OrderProposal{ID: "o3", Symbol: "NOPE", Side: domain.SideBuy, Qty: 200})
	assert.ErrorIs(t, err, domain.ErrMissingQuote)

	_, err = x.Execute(ctx, domain.OrderProposal{ID: "o4", Symbol: "PFF-A", Side: domain.SideBuy})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}
