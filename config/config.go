// Package config reads the relay's environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
)

type Config struct {
	Addr string
	// SnapshotBackend is one of memory, firestore, postgres or redis.
	SnapshotBackend string
	// FlushInterval is the write-behind period for snapshot writes.
	FlushInterval time.Duration

	DatabaseURL      string
	RedisURL         string
	FirestoreProject string
	// RedisFanout relays frames between instances over Redis pub/sub.
	RedisFanout bool
}

func Load() Config {
	return Config{
		Addr:             getenv("RELAY_ADDR", ":8080"),
		SnapshotBackend:  getenv("SNAPSHOT_BACKEND", BackendMemory),
		FlushInterval:    getenvDuration("SNAPSHOT_FLUSH_INTERVAL", 5*time.Second),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		RedisURL:         getenv("REDIS_URL", "redis://localhost:6379/0"),
		FirestoreProject: getenv("FIRESTORE_PROJECT", ""),
		RedisFanout:      getenvBool("REDIS_FANOUT", false),
	}
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.SnapshotBackend {
	case BackendMemory, BackendRedis:
	case BackendFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("SNAPSHOT_BACKEND=firestore requires FIRESTORE_PROJECT")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("SNAPSHOT_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_FLUSH_INTERVAL must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
