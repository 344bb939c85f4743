package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "snapshot:"

// RedisStore keeps each room in a hash at snapshot:<roomId> with the fields
// data and updated_at (unix milliseconds).
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func snapshotKey(roomID string) string { return snapshotKeyPrefix + roomID }

func (s *RedisStore) Get(ctx context.Context, roomID string) (*Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, snapshotKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	data, ok := fields["data"]
	if !ok {
		return nil, notFound(roomID)
	}
	return &Snapshot{
		RoomID:    roomID,
		Data:      []byte(data),
		UpdatedAt: parseMillis(fields["updated_at"]),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, roomID string, data []byte) error {
	return s.rdb.HSet(ctx, snapshotKey(roomID),
		"data", data,
		"updated_at", time.Now().UnixMilli(),
	).Err()
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	n, err := s.rdb.Del(ctx, snapshotKey(roomID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(roomID)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	var result []Snapshot
	iter := s.rdb.Scan(ctx, 0, snapshotKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		roomID := strings.TrimPrefix(iter.Val(), snapshotKeyPrefix)
		snap, err := s.Get(ctx, roomID)
		if err != nil {
			// Deleted between SCAN and HGETALL.
			continue
		}
		result = append(result, *snap)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortSnapshots(result)
	return result, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
