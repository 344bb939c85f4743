package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alimasry/go-canvas-sync/store"
	"github.com/alimasry/go-canvas-sync/wire"
)

func testBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBroker(rdb)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b := testBroker(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	cancel, err := b.Subscribe(ctx, "r1", func(data []byte) { got <- data })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := b.Publish(ctx, "r1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("payload = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

// Two hubs sharing a broker behave like one relay.
func TestHub_FanOutAcrossInstances(t *testing.T) {
	b := testBroker(t)
	st := store.NewMemoryStore()

	hub1 := NewHub(st, b)
	hub2 := NewHub(st, b)
	go hub1.Run()
	go hub2.Run()
	defer hub1.Close()
	defer hub2.Close()

	c1, c2 := mockClient("p1"), mockClient("p2")
	hub1.Join(c1, "shared")
	hub2.Join(c2, "shared")
	<-c1.joined
	<-c2.joined

	c1.currentRoom().incoming <- frame{client: c1, msg: wire.Message{Type: wire.TypeSync, TargetID: "p2"}}

	msg := recvMsg(t, c2)
	if msg.SenderID != "p1" || msg.TargetID != "p2" {
		t.Errorf("unexpected frame: %+v", msg)
	}
	// The origin instance does not echo its own frame back.
	expectSilence(t, c1)
}
