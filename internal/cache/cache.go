// Package cache is the read-side accelerator from spec §2: a short-TTL
// snapshot cache plus an advisory "round closed" event stream. Neither is
// ever on the money-moving path — internal/auction and internal/engine work
// directly against internal/store and only consult this package to save a
// read or to nudge polling clients.
//
// NewClient is adapted from the teacher's internal/redis/redis_client
// (redis_client.go); the snapshot cache and event stream are a repurposing of
// the teacher's internal/syncbid stream-tailing shape from "mirror bids into
// Postgres" to "advertise settlement to anyone polling".
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sealedbid/auctionengine/internal/auction"
)

// NewClient dials Redis and verifies connectivity with a bounded ping.
func NewClient(host string, port int) (*redis.Client, error) {
	maxPool := runtime.NumCPU() * 8
	if maxPool > 512 {
		maxPool = 512
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		PoolSize: maxPool,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rc.Ping(ctx).Result(); err != nil {
		err = errors.New("redis connection failed: " + err.Error())
		zap.L().Error("cache_connect", zap.Error(err))
		return nil, err
	}
	return rc, nil
}

const snapshotKeyPrefix = "auctionengine:snapshot:"

// SnapshotStore implements internal/auction.SnapshotCache against Redis.
type SnapshotStore struct {
	rdb *redis.Client
}

func NewSnapshotStore(rdb *redis.Client) *SnapshotStore {
	return &SnapshotStore{rdb: rdb}
}

func snapshotKey(auctionID string) string {
	return snapshotKeyPrefix + auctionID
}

func (s *SnapshotStore) Get(ctx context.Context, auctionID string) (*auction.BaseSnapshot, bool) {
	raw, err := s.rdb.Get(ctx, snapshotKey(auctionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("snapshot_cache_get", zap.Error(err))
		}
		return nil, false
	}
	var snap auction.BaseSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		zap.L().Warn("snapshot_cache_decode", zap.Error(err))
		return nil, false
	}
	return &snap, true
}

func (s *SnapshotStore) Set(ctx context.Context, auctionID string, snap *auction.BaseSnapshot, ttl time.Duration) {
	raw, err := json.Marshal(snap)
	if err != nil {
		zap.L().Warn("snapshot_cache_encode", zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, snapshotKey(auctionID), raw, ttl).Err(); err != nil {
		zap.L().Warn("snapshot_cache_set", zap.Error(err))
	}
}

// Invalidate drops a cached snapshot early, implementing
// internal/engine.CacheInvalidator, so settlement isn't masked by the TTL.
func (s *SnapshotStore) Invalidate(ctx context.Context, auctionID string) {
	if err := s.rdb.Del(ctx, snapshotKey(auctionID)).Err(); err != nil {
		zap.L().Warn("snapshot_cache_invalidate", zap.Error(err))
	}
}

const roundClosedStream = "auctionengine:events:round_closed"

// EventBus publishes and tails the advisory round-closed stream. It
// implements internal/engine.EventPublisher on the write side.
type EventBus struct {
	rdb *redis.Client
}

func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{rdb: rdb}
}

func (b *EventBus) PublishRoundClosed(ctx context.Context, auctionID string, roundNumber int64, ended bool) {
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: roundClosedStream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]any{
			"auctionId":   auctionID,
			"roundNumber": roundNumber,
			"ended":       ended,
		},
	}).Result()
	if err != nil {
		zap.L().Warn("event_bus_publish", zap.Error(err))
	}
}

// RoundClosedEvent is one entry read back off the stream by Subscribe.
type RoundClosedEvent struct {
	AuctionID   string
	RoundNumber int64
	Ended       bool
}

// Subscribe tails the round-closed stream from the point Subscribe was
// called (not from history) and invokes onEvent for each entry, blocking
// until ctx is cancelled. Intended for an optional polling-hint consumer;
// nothing in this module depends on delivery.
func Subscribe(ctx context.Context, rdb *redis.Client, onEvent func(RoundClosedEvent)) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{roundClosedStream, lastID},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			zap.L().Warn("event_bus_xread", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			onEvent(decodeRoundClosed(m))
		}
		lastID = res[0].Messages[len(res[0].Messages)-1].ID
	}
}

func decodeRoundClosed(m redis.XMessage) RoundClosedEvent {
	ev := RoundClosedEvent{}
	if v, ok := m.Values["auctionId"].(string); ok {
		ev.AuctionID = v
	}
	switch v := m.Values["roundNumber"].(type) {
	case string:
		fmt.Sscanf(v, "%d", &ev.RoundNumber)
	}
	switch v := m.Values["ended"].(type) {
	case string:
		ev.Ended = v == "1" || v == "true"
	}
	return ev
}
