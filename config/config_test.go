package config

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RELAY_ADDR", "SNAPSHOT_BACKEND", "SNAPSHOT_FLUSH_INTERVAL", "DATABASE_URL", "REDIS_URL", "REDIS_FANOUT", "FIRESTORE_PROJECT"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BackendMemory, cfg.SnapshotBackend)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, false, cfg.RedisFanout)
	assert.Equal(t, nil, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("SNAPSHOT_BACKEND", "postgres")
	t.Setenv("SNAPSHOT_FLUSH_INTERVAL", "250ms")
	t.Setenv("DATABASE_URL", "postgres://localhost/canvas")
	t.Setenv("REDIS_FANOUT", "true")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, BackendPostgres, cfg.SnapshotBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, true, cfg.RedisFanout)
	assert.Equal(t, nil, cfg.Validate())
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("SNAPSHOT_FLUSH_INTERVAL", "soon")
	t.Setenv("REDIS_FANOUT", "maybe")
	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, false, cfg.RedisFanout)
}

func TestValidate(t *testing.T) {
	if err := (Config{SnapshotBackend: BackendFirestore, FlushInterval: time.Second}).Validate(); err == nil {
		t.Error("firestore without a project should fail")
	}
	if err := (Config{SnapshotBackend: BackendPostgres, FlushInterval: time.Second}).Validate(); err == nil {
		t.Error("postgres without a url should fail")
	}
	if err := (Config{SnapshotBackend: "sqlite", FlushInterval: time.Second}).Validate(); err == nil {
		t.Error("unknown backend should fail")
	}
}
