package store

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	testSnapshotStore(t, NewRedisStore(rdb))
}

func TestRedisStore_Layout(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := NewRedisStore(rdb)
	if err := s.Put(context.Background(), "room1", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet("snapshot:room1", "data"); got != `{"x":1}` {
		t.Errorf("data field = %q", got)
	}
	if mr.HGet("snapshot:room1", "updated_at") == "" {
		t.Error("expected updated_at field")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres tests")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open Postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	testSnapshotStore(t, s)
}

func TestFirestoreStore(t *testing.T) {
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	testSnapshotStore(t, NewFirestoreStore(client))
}
