package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/prefbot/internal/adapters/storage"
	"github.com/alejandrodnm/prefbot/internal/domain"
	"github.com/alejandrodnm/prefbot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteStorage_InsertAndLoad(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	err := db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts: []domain.LedgerEntry{
			{Symbol: "PFF-A", LTQtyRaw: 1000},
			{Symbol: "PFF-B", LTQtyRaw: -400},
		},
	})
	require.NoError(t, err)

	entries, err := db.LoadAccount(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1000), entries["PFF-A"].LTQtyRaw)
	assert.Equal(t, int64(-400), entries["PFF-B"].LTQtyRaw)
	assert.Equal(t, int64(1), entries["PFF-A"].Version)
	assert.False(t, entries["PFF-A"].UpdatedAt.IsZero())

	other, err := db.LoadAccount(ctx, "U2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteStorage_CompareAndSwap(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 500}},
	}))

	// Actualización con la versión leída: OK
	require.NoError(t, db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 700, Version: 1}},
	}))

	// Versión vieja: conflicto
	err := db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 900, Version: 1}},
	})
	assert.True(t, errors.Is(err, ports.ErrVersionConflict))

	// Insert de algo que ya existe: conflicto
	err = db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 900}},
	})
	assert.True(t, errors.Is(err, ports.ErrVersionConflict))

	entries, err := db.LoadAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), entries["A"].LTQtyRaw)
	assert.Equal(t, int64(2), entries["A"].Version)
}

func TestSQLiteStorage_ChangeIsAtomic(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 500}, {Symbol: "B", LTQtyRaw: 300}},
	}))

	// B con versión incorrecta: A tampoco debe cambiar
	err := db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts: []domain.LedgerEntry{
			{Symbol: "A", LTQtyRaw: 0, Version: 1},
			{Symbol: "B", LTQtyRaw: 0, Version: 7},
		},
	})
	require.Error(t, err)

	entries, err := db.LoadAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), entries["A"].LTQtyRaw)
	assert.Equal(t, int64(300), entries["B"].LTQtyRaw)
}

func TestSQLiteStorage_Delete(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 500}},
	}))
	require.NoError(t, db.ApplyChange(ctx, ports.LedgerChange{
		AccountID: "U1",
		Deletes:   []domain.LedgerEntry{{Symbol: "A", Version: 1}, {Symbol: "never-existed"}},
	}))

	entries, err := db.LoadAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteStorage_FillDedupe(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	change := ports.LedgerChange{
		AccountID: "U1",
		Upserts:   []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 200}},
		FillIDs:   []string{"fill-1"},
	}
	require.NoError(t, db.ApplyChange(ctx, change))

	applied, err := db.FillApplied(ctx, "U1", "fill-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// El mismo fill otra vez: se descarta el cambio completo
	change.Upserts = []domain.LedgerEntry{{Symbol: "A", LTQtyRaw: 400, Version: 1}}
	err = db.ApplyChange(ctx, change)
	assert.True(t, errors.Is(err, ports.ErrFillAlreadyApplied))

	entries, err := db.LoadAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), entries["A"].LTQtyRaw)

	applied, err = db.FillApplied(ctx, "U2", "fill-1")
	require.NoError(t, err)
	assert.False(t, applied, "dedupe is per account")
}

func TestSQLiteStorage_AuditRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)

	entry := domain.ArbitrationLogEntry{
		TradingDate:        "2026-03-02",
		RecordedAt:         now,
		CycleSeq:           42,
		Proposed:           3,
		Accepted:           2,
		Suppressed:         1,
		ProposedByClass:    map[domain.Classification]int{domain.LTLongDecrease: 2, domain.MMShortDecrease: 1},
		AcceptedByClass:    map[domain.Classification]int{domain.LTLongDecrease: 2},
		ProposedByType:     map[domain.IntentType]int{domain.IntentHardDerisk: 3},
		SuppressedByReason: map[string]int{"liquidity deferred": 1},
	}
	require.NoError(t, db.AppendArbitration(ctx, entry))
	require.NoError(t, db.AppendArbitration(ctx, domain.ArbitrationLogEntry{TradingDate: "2026-03-03", RecordedAt: now.Add(24 * time.Hour)}))

	got, err := db.ArbitrationByDate(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(42), got[0].CycleSeq)
	assert.Equal(t, 2, got[0].ProposedByClass[domain.LTLongDecrease])
	assert.Equal(t, 1, got[0].SuppressedByReason["liquidity deferred"])
	assert.True(t, now.Equal(got[0].RecordedAt))

	require.NoError(t, db.AppendTransition(ctx, domain.RegimeTransition{
		Kind: domain.RegimeKindExposure, From: "NORMAL", To: "SOFT", Reason: "gross 80.0%", GrossPct: 80, OccurredAt: now,
	}))
	require.NoError(t, db.AppendTransition(ctx, domain.RegimeTransition{
		Kind: domain.RegimeKindSession, From: "MID", To: "LATE", OccurredAt: now.Add(time.Minute),
	}))

	trs, err := db.TransitionsByDate(ctx, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, "SOFT", trs[0].To)
	assert.Equal(t, domain.RegimeKindSession, trs[1].Kind)
}
