package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/prefbot/internal/adapters/membus"
	"github.com/alejandrodnm/prefbot/internal/adapters/storage"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acct = "U1"

func newStore(t *testing.T) (*Store, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, Config{MaxRetries: 3, BaseRetryWait: time.Millisecond}, nil), db
}

// flakyStorage falla las primeras N escrituras.
type flakyStorage struct {
	ports.LedgerStorage
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStorage) ApplyChange(ctx context.Context, c ports.LedgerChange) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.LedgerStorage.ApplyChange(ctx, c)
}

func TestStore_SetGetAddTrade(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Set(ctx, acct, "A", 1000))
	require.NoError(t, s.AddTrade(ctx, acct, "A", -300))
	require.NoError(t, s.AddTrade(ctx, acct, "B", -200))

	a, err := s.Get(ctx, acct, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(700), a)

	snap, err := s.Snapshot(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 700, "B": -200}, snap)

	// volver a cero borra la entrada
	require.NoError(t, s.AddTrade(ctx, acct, "B", 200))
	snap, err = s.Snapshot(ctx, acct)
	require.NoError(t, err)
	assert.NotContains(t, snap, "B")

	assert.Error(t, s.Set(ctx, acct, "", 100))
}

func TestStore_ApplyFillIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	ev := domain.ExecutionEvent{
		AccountID: acct, Symbol: "A", Side: domain.SideBuy, FillQty: 500,
		OrderID: "ord-1", Classification: domain.LTLongIncrease,
	}
	ok, err := s.ApplyFill(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyFill(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok, "redelivery is a no-op")

	got, _ := s.Get(ctx, acct, "A")
	assert.Equal(t, int64(500), got)

	// MM no toca el ledger
	mm := ev
	mm.OrderID, mm.Classification = "ord-2", domain.MMLongIncrease
	ok, err = s.ApplyFill(ctx, mm)
	require.NoError(t, err)
	assert.False(t, ok)
	got, _ = s.Get(ctx, acct, "A")
	assert.Equal(t, int64(500), got)

	bad := ev
	bad.OrderID, bad.FillQty = "ord-3", 0
	_, err = s.ApplyFill(ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))
}

func TestStore_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	flaky := &flakyStorage{LedgerStorage: db, failures: 2, err: ports.ErrVersionConflict}
	s := New(flaky, Config{MaxRetries: 3, BaseRetryWait: time.Millisecond}, nil)

	require.NoError(t, s.AddTrade(ctx, acct, "A", 400))
	assert.Equal(t, 3, flaky.calls)
	got, _ := s.Get(ctx, acct, "A")
	assert.Equal(t, int64(400), got)
}

func TestStore_ReconciliationPendingAfterRetries(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	flaky := &flakyStorage{LedgerStorage: db, failures: 100, err: errors.New("disk I/O error")}
	s := New(flaky, Config{MaxRetries: 2, BaseRetryWait: time.Millisecond}, nil)

	err = s.AddTrade(ctx, acct, "A", 400)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconciliationPending))
	assert.Equal(t, 3, flaky.calls)
}

func TestStore_ConcurrentTradesSerializePerAccount(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddTrade(ctx, acct, "A", 100))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, acct, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got, "no lost updates")
}

func TestStore_Attribution(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Set(ctx, acct, "A", 700))
	require.NoError(t, s.Set(ctx, acct, "GHOST", 300))

	subs, err := s.Attribution(ctx, acct, []domain.Position{
		{Symbol: "A", Qty: 1000, AvgCost: 25, MarkPrice: 25.5},
		{Symbol: "B", Qty: -400, AvgCost: 24, MarkPrice: 24},
	})
	require.NoError(t, err)

	got := make(map[string]int64)
	for _, p := range subs {
		got[p.Symbol+"/"+string(p.Bucket)] = p.Qty
	}
	assert.Equal(t, map[string]int64{
		"A/LT":     700,
		"A/MM":     300,
		"B/MM":     -400,
		"GHOST/LT": 300,
		"GHOST/MM": -300,
	}, got)
}

func TestFinalizeDay(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Set(ctx, acct, "COLLAPSE", 1000)) // broker 400 → mm −600: opuestos
	require.NoError(t, s.Set(ctx, acct, "SAME", 500))      // broker 800 → mm 300: mismo signo
	require.NoError(t, s.Set(ctx, acct, "FLAT", -300))     // broker 0 → fuera
	require.NoError(t, s.Set(ctx, acct, "SHORT", -800))    // broker 200 → mm 1000: opuestos

	broker := []domain.Position{
		{Symbol: "COLLAPSE", Qty: 400},
		{Symbol: "SAME", Qty: 800},
		{Symbol: "SHORT", Qty: 200},
		{Symbol: "MMONLY", Qty: -600},
	}

	report, err := s.FinalizeDay(ctx, acct, broker)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Changed)
	assert.Equal(t, 2, report.Count(ActionCollapse))
	assert.Equal(t, 1, report.Count(ActionFlatten))
	assert.Empty(t, report.Failed)

	snap, err := s.Snapshot(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"COLLAPSE": 400, "SAME": 500, "SHORT": 200}, snap)

	// idempotente
	again, err := s.FinalizeDay(ctx, acct, broker)
	require.NoError(t, err)
	assert.Zero(t, again.Changed)
	snap2, err := s.Snapshot(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, snap, snap2)
}

func TestFinalizeDay_SymbolIsolation(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Set(ctx, acct, "DUP", 500))
	require.NoError(t, s.Set(ctx, acct, "OK", 500))

	report, err := s.FinalizeDay(ctx, acct, []domain.Position{
		{Symbol: "DUP", Qty: -100},
		{Symbol: "DUP", Qty: -100},
		{Symbol: "OK", Qty: 0},
	})
	require.NoError(t, err)
	require.Contains(t, report.Failed, "DUP")
	assert.Equal(t, 1, report.Count(ActionFlatten))

	snap, _ := s.Snapshot(ctx, acct)
	assert.Equal(t, map[string]int64{"DUP": 500}, snap)
}

func TestFinalizeDay_InterruptedWriteLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ok := New(db, DefaultConfig(), nil)
	require.NoError(t, ok.Set(ctx, acct, "A", 1000))
	require.NoError(t, ok.Set(ctx, acct, "B", -500))

	flaky := &flakyStorage{LedgerStorage: db, failures: 100, err: errors.New("interrupted")}
	s := New(flaky, Config{MaxRetries: 0}, nil)
	broker := []domain.Position{{Symbol: "A", Qty: 0}, {Symbol: "B", Qty: 300}}

	_, err = s.FinalizeDay(ctx, acct, broker)
	require.ErrorIs(t, err, ErrReconciliationPending)

	snap, _ := ok.Snapshot(ctx, acct)
	assert.Equal(t, map[string]int64{"A": 1000, "B": -500}, snap)

	// relanzar con el storage sano converge
	_, err = ok.FinalizeDay(ctx, acct, broker)
	require.NoError(t, err)
	snap, _ = ok.Snapshot(ctx, acct)
	assert.Equal(t, map[string]int64{"B": 300}, snap)
}

func TestFillConsumer_AppliesAndAcks(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	bus := membus.New()

	ev := domain.ExecutionEvent{
		AccountID: acct, Symbol: "A", Side: domain.SideSell, FillQty: 200, FillPrice: 25.1,
		OrderID: "ord-9", Classification: domain.LTLongDecrease, FilledAt: time.Now(),
	}
	require.NoError(t, s.Set(ctx, acct, "A", 1000))

	_, err := bus.Append(ctx, ExecutionsStream, EncodeExecution(ev))
	require.NoError(t, err)
	_, err = bus.Append(ctx, ExecutionsStream, EncodeExecution(ev)) // duplicado
	require.NoError(t, err)
	_, err = bus.Append(ctx, ExecutionsStream, map[string]any{"symbol": "junk"})
	require.NoError(t, err)

	c := NewFillConsumer(bus, s, "test")
	n, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(ctx, acct, "A")
	assert.Equal(t, int64(800), got)

	// todo confirmado: nada pendiente
	n, err = c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// stuckFillStorage rechaza siempre el cambio que aplica un fill concreto.
type stuckFillStorage struct {
	ports.LedgerStorage
	orderID string
}

func (s *stuckFillStorage) ApplyChange(ctx context.Context, c ports.LedgerChange) error {
	for _, id := range c.FillIDs {
		if id == s.orderID {
			return errors.New("disk I/O error")
		}
	}
	return s.LedgerStorage.ApplyChange(ctx, c)
}

func TestFillConsumer_StuckFillDoesNotBlockLaterFills(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(&stuckFillStorage{LedgerStorage: db, orderID: "ord-stuck"},
		Config{MaxRetries: 1, BaseRetryWait: time.Millisecond}, nil)
	require.NoError(t, s.Set(ctx, acct, "A", 1000))
	require.NoError(t, s.Set(ctx, acct, "B", 1000))

	bus := membus.New()
	c := NewFillConsumer(bus, s, "test")

	stuck := domain.ExecutionEvent{
		AccountID: acct, Symbol: "A", Side: domain.SideSell, FillQty: 200, FillPrice: 25,
		OrderID: "ord-stuck", Classification: domain.LTLongDecrease, FilledAt: time.Now(),
	}
	_, err = bus.Append(ctx, ExecutionsStream, EncodeExecution(stuck))
	require.NoError(t, err)

	n, err := c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// llega un fill sano mientras el anterior sigue pendiente
	later := stuck
	later.Symbol, later.OrderID = "B", "ord-later"
	_, err = bus.Append(ctx, ExecutionsStream, EncodeExecution(later))
	require.NoError(t, err)

	n, err = c.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(ctx, acct, "B")
	assert.Equal(t, int64(800), got)
	got, _ = s.Get(ctx, acct, "A")
	assert.Equal(t, int64(1000), got, "stuck fill stays pending")
}

func TestDecodeExecution_RoundTrip(t *testing.T) {
	ev := domain.ExecutionEvent{
		AccountID: acct, Symbol: "PFF-A", Side: domain.SideBuy, FillQty: 300, FillPrice: 24.87,
		OrderID: "x", Classification: domain.LTShortDecrease,
		FilledAt: time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC),
	}
	fields := make(map[string]string)
	for k, v := range EncodeExecution(ev) {
		fields[k] = v.(string)
	}
	got, err := DecodeExecution(fields)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	_, err = DecodeExecution(map[string]string{"symbol": "A", "order_id": "x", "side": "HOLD", "qty": "1"})
	assert.Error(t, err)
}
