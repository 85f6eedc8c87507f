package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/api"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/catalog"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/config"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/download"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/importer"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/ingest"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/proxy"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/session"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Proxy pool. A missing list file degrades to direct-only mode.
	pool := proxy.LoadPool(cfg.ProxyListPath)

	// Anti-bot sessions share one landing page per key.
	sessions := session.NewCache(func(key string) string {
		return cfg.SourceBaseURL
	})

	client := source.NewClient(cfg.SourceBaseURL, sessions, pool)
	parser := source.NewParser(client)
	store := source.NewStore(cfg.DataDir)

	engine := download.NewEngine(download.Config{
		Workers:              cfg.DownloadWorkers,
		CDNHosts:             cfg.CDNHosts,
		SlowLatency:          cfg.DownloadSlowLatency,
		MinThroughputMBps:    cfg.DownloadMinMBps,
		MinSizeForThroughput: cfg.DownloadMinSizeBytes,
		HostCooldown:         cfg.HostCooldown,
		MaxRetries:           cfg.DownloadMaxRetries,
		RetryBaseDelay:       cfg.DownloadRetryDelay,
	}, pool)

	// Task snapshot retention in Redis is optional; without it terminal
	// tasks survive only in memory.
	var snapStore tasks.SnapshotStore
	if cfg.RedisURL != "" {
		redisStore, err := tasks.NewRedisStore(cfg.RedisURL, cfg.TaskRetention)
		if err != nil {
			log.Printf("[Main] Redis unavailable, task retention is memory-only: %v", err)
		} else {
			snapStore = redisStore
		}
	}

	hub := tasks.NewHub()
	go hub.Run()
	defer hub.Close()

	ledger := tasks.NewLedger(cfg.TaskRetention, hub, snapStore)
	ledger.StartJanitor(ctx)

	catalogClient := catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogToken)
	executor := importer.NewExecutor(catalogClient, store, ledger)
	queue := importer.NewQueue(executor.Execute, cfg.TaskRetention)
	queue.StartJanitor(ctx)

	// Sync state is optional as well; auto-update needs it, everything
	// else runs without a database.
	var states *ingest.SyncStateRepo
	if cfg.DatabaseDSN != "" {
		states, err = ingest.NewSyncStateRepo(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("Failed to open sync-state database: %v", err)
		}
	}

	orch := ingest.NewOrchestrator(ledger, parser, store, engine, queue, catalogClient, states, cfg.SourceBaseURL, cfg.PollInterval)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	handler := api.NewHandler(orch, ledger, hub, pool, parser)
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("[Main] Parser server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("[Main] Shutdown signal received")
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Forced shutdown: %v", err)
	}
	log.Println("[Main] Server stopped")
}
