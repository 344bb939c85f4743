package server

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// Broker fans frames out across relay instances that serve the same rooms.
type Broker interface {
	Publish(ctx context.Context, roomID string, data []byte) error
	// Subscribe calls fn for every payload published on roomID until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, roomID string, fn func([]byte)) (cancel func() error, err error)
}

// RedisBroker implements Broker with Redis pub/sub on room:<id> channels.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func roomChannel(roomID string) string { return "room:" + roomID }

func (b *RedisBroker) Publish(ctx context.Context, roomID string, data []byte) error {
	return b.rdb.Publish(ctx, roomChannel(roomID), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, roomID string, fn func([]byte)) (func() error, error) {
	ps := b.rdb.Subscribe(ctx, roomChannel(roomID))
	// Wait for confirmation so nothing published after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", roomChannel(roomID), err)
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
		glog.V(1).Infof("[relay]broker channel %s closed", roomChannel(roomID))
	}()
	return ps.Close, nil
}
