package redisbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Bus, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return NewWithClient(db, "pb:"), mock
}

func TestAppend(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "pb:executions",
		Values: []any{"order_id", "o1", "symbol", "PFF"},
	}).SetVal("1700000000000-0")

	id, err := b.Append(context.Background(), "executions", map[string]any{"symbol": "PFF", "order_id": "o1"})
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", id)
}

func TestAppend_BreakerOpensAfterFailures(t *testing.T) {
	b, mock := newMock(t)
	args := &redis.XAddArgs{Stream: "pb:s", Values: []any{"k", "v"}}
	for i := 0; i < 3; i++ {
		mock.ExpectXAdd(args).SetErr(errors.New("connection refused"))
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, "s", map[string]any{"k": "v"})
		require.Error(t, err)
	}

	// cuarta llamada: ni siquiera llega a Redis
	_, err := b.Append(ctx, "s", map[string]any{"k": "v"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestEnsureGroup_IgnoresBusyGroup(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectXGroupCreateMkStream("pb:executions", "ledger", "0").SetVal("OK")
	mock.ExpectXGroupCreateMkStream("pb:executions", "ledger", "0").
		SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
	mock.ExpectXGroupCreateMkStream("pb:executions", "ledger", "0").SetErr(errors.New("NOAUTH"))

	ctx := context.Background()
	assert.NoError(t, b.EnsureGroup(ctx, "executions", "ledger"))
	assert.NoError(t, b.EnsureGroup(ctx, "executions", "ledger"))
	assert.Error(t, b.EnsureGroup(ctx, "executions", "ledger"))
}

func TestRead_PendingFirstThenNew(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()

	pendingArgs := &redis.XReadGroupArgs{
		Group: "ledger", Consumer: "c1", Streams: []string{"pb:executions", "0"}, Count: 10, Block: -1,
	}
	newArgs := &redis.XReadGroupArgs{
		Group: "ledger", Consumer: "c1", Streams: []string{"pb:executions", ">"}, Count: 10, Block: -1,
	}

	// 1) hay pendientes: se entregan primero, seguidas de las nuevas
	mock.ExpectXReadGroup(pendingArgs).SetVal([]redis.XStream{{
		Stream:   "pb:executions",
		Messages: []redis.XMessage{{ID: "1-0", Values: map[string]any{"symbol": "PFF"}}},
	}})
	mock.ExpectXReadGroup(newArgs).RedisNil()
	msgs, err := b.Read(ctx, "executions", "ledger", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.Equal(t, "PFF", msgs[0].Fields["symbol"])

	// 2) sin pendientes: entradas nuevas
	mock.ExpectXReadGroup(pendingArgs).SetVal([]redis.XStream{{Stream: "pb:executions"}})
	mock.ExpectXReadGroup(newArgs).SetVal([]redis.XStream{{
		Stream:   "pb:executions",
		Messages: []redis.XMessage{{ID: "2-0", Values: map[string]any{"qty": "200"}}},
	}})
	msgs, err = b.Read(ctx, "executions", "ledger", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "200", msgs[0].Fields["qty"])

	// 3) timeout del block → vacío sin error
	mock.ExpectXReadGroup(pendingArgs).SetVal(nil)
	mock.ExpectXReadGroup(newArgs).RedisNil()
	msgs, err = b.Read(ctx, "executions", "ledger", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRead_StuckPendingDoesNotStarveNewEntries(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()

	// Con pendientes no se bloquea aunque el llamador pida block.
	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group: "ledger", Consumer: "c1", Streams: []string{"pb:executions", "0"}, Count: 50, Block: -1,
	}).SetVal([]redis.XStream{{
		Stream:   "pb:executions",
		Messages: []redis.XMessage{{ID: "1-0", Values: map[string]any{"symbol": "BAD"}}},
	}})
	mock.ExpectXReadGroup(&redis.XReadGroupArgs{
		Group: "ledger", Consumer: "c1", Streams: []string{"pb:executions", ">"}, Count: 50, Block: -1,
	}).SetVal([]redis.XStream{{
		Stream:   "pb:executions",
		Messages: []redis.XMessage{{ID: "2-0", Values: map[string]any{"symbol": "PFF"}}},
	}})

	msgs, err := b.Read(ctx, "executions", "ledger", "c1", 50, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.Equal(t, "2-0", msgs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAck(t *testing.T) {
	b, mock := newMock(t)
	mock.ExpectXAck("pb:executions", "ledger", "1-0", "2-0").SetVal(2)

	require.NoError(t, b.Ack(context.Background(), "executions", "ledger", "1-0", "2-0"))
	require.NoError(t, b.Ack(context.Background(), "executions", "ledger"))
}

func TestSetGetDelete(t *testing.T) {
	b, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectTxPipeline()
	mock.ExpectDel("pb:session:state").SetVal(1)
	mock.ExpectHSet("pb:session:state", "market_open", "true", "phase", "MID").SetVal(2)
	mock.ExpectExpire("pb:session:state", 5*time.Second).SetVal(true)
	mock.ExpectTxPipelineExec()

	err := b.Set(ctx, "session:state", map[string]any{"phase": "MID", "market_open": "true"}, 5*time.Second)
	require.NoError(t, err)

	mock.ExpectHGetAll("pb:session:state").SetVal(map[string]string{"phase": "MID"})
	got, err := b.Get(ctx, "session:state")
	require.NoError(t, err)
	assert.Equal(t, "MID", got["phase"])

	mock.ExpectHGetAll("pb:band_drift:U1").SetVal(map[string]string{})
	got, err = b.Get(ctx, "band_drift:U1")
	require.NoError(t, err)
	assert.Empty(t, got)

	mock.ExpectDel("pb:band_drift:U1").SetVal(0)
	require.NoError(t, b.Delete(ctx, "band_drift:U1"))
}

func TestFlattenIsSorted(t *testing.T) {
	got := flatten(map[string]any{"b": 2, "a": 1, "c": 3})
	assert.Equal(t, []any{"a", 1, "b", 2, "c", 3}, got)
}
