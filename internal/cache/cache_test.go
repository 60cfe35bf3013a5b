package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealedbid/auctionengine/internal/auction"
	"github.com/sealedbid/auctionengine/internal/domain"
)

func TestSnapshotStore_GetMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewSnapshotStore(rdb)

	mock.ExpectGet(snapshotKey("auc1")).RedisNil()

	_, ok := store.Get(context.Background(), "auc1")
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_SetThenGetRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewSnapshotStore(rdb)

	snap := &auction.BaseSnapshot{
		Auction:           domain.Auction{ID: "auc1", Title: "widget"},
		RemainingQuantity: 3,
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet(snapshotKey("auc1"), raw, time.Second).SetVal("OK")
	store.Set(context.Background(), "auc1", snap, time.Second)

	mock.ExpectGet(snapshotKey("auc1")).SetVal(string(raw))
	got, ok := store.Get(context.Background(), "auc1")
	require.True(t, ok)
	assert.Equal(t, "widget", got.Auction.Title)
	assert.Equal(t, int64(3), got.RemainingQuantity)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStore_Invalidate(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewSnapshotStore(rdb)

	mock.ExpectDel(snapshotKey("auc1")).SetVal(1)
	store.Invalidate(context.Background(), "auc1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventBus_PublishRoundClosed(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	bus := NewEventBus(rdb)

	mock.Regexp().ExpectXAdd(&redis.XAddArgs{
		Stream: roundClosedStream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]any{"auctionId": "auc1", "roundNumber": int64(2), "ended": false},
	}).SetVal("1-1")

	bus.PublishRoundClosed(context.Background(), "auc1", 2, false)
	require.NoError(t, mock.ExpectationsWereMet())
}
