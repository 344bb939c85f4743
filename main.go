package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/alimasry/go-canvas-sync/config"
	"github.com/alimasry/go-canvas-sync/server"
	"github.com/alimasry/go-canvas-sync/store"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()
	defer glog.Flush()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		glog.Fatalf("[relay]config: %v", err)
	}
	ctx := context.Background()

	var rdb *redis.Client
	if cfg.SnapshotBackend == config.BackendRedis || cfg.RedisFanout {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			glog.Fatalf("[relay]redis url: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			glog.Fatalf("[relay]redis connection failed: %v", err)
		}
		defer rdb.Close()
	}

	var backing store.SnapshotStore
	switch cfg.SnapshotBackend {
	case config.BackendMemory:
		backing = store.NewMemoryStore()
	case config.BackendRedis:
		backing = store.NewRedisStore(rdb)
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			glog.Fatalf("[relay]database connection failed: %v", err)
		}
		defer pg.Close()
		backing = pg
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			glog.Fatalf("[relay]firestore client: %v", err)
		}
		defer client.Close()
		backing = store.NewFirestoreStore(client)
	}
	glog.Infof("[relay]snapshot backend %s, flush every %s", cfg.SnapshotBackend, cfg.FlushInterval)

	// Memory is already the cache.
	snapshots := backing
	var cached *store.CachedStore
	if cfg.SnapshotBackend != config.BackendMemory {
		cached = store.NewCachedStore(backing, cfg.FlushInterval)
		snapshots = cached
	}

	var broker server.Broker
	if cfg.RedisFanout {
		broker = server.NewRedisBroker(rdb)
		glog.Infof("[relay]cross-instance fan-out over redis enabled")
	}

	hub := server.NewHub(snapshots, broker)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(hub),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		glog.Infof("[relay]listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("[relay]server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	glog.Infof("[relay]shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("[relay]shutdown: %v", err)
	}
	hub.Close()
	if cached != nil {
		cached.Close()
	}
}
