package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"labhub/internal/app"
	"labhub/internal/config"
	"labhub/internal/identity"
	"labhub/internal/realtime"
	"labhub/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	if err := dataStore.DetectMultiAssign(ctx); err != nil {
		log.Fatalf("schema capability probe failed: %v", err)
	}
	if dataStore.MultiAssign() {
		log.Printf("task_assignees present, multi-assignment enabled")
	} else {
		log.Printf("task_assignees absent, single-assignment mode")
	}

	// Optional Redis-backed token revocation
	var sessions *identity.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token revocation")
		sessions, err = identity.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessions.Close()
	}
	resolver := identity.NewTokenResolver([]byte(cfg.TokenSecret), sessions)

	registry := realtime.NewRegistry()
	defer registry.Close()
	local := realtime.NewLocalBroadcaster(registry)

	// A secondary node forwards its emits to the primary, which holds the
	// connection table. The primary (and single-process deployments) emit
	// locally.
	var broadcaster realtime.Broadcaster = local
	if strings.TrimSpace(cfg.PrimaryURL) != "" {
		log.Printf("Relaying realtime emits to %s", cfg.PrimaryURL)
		broadcaster = realtime.NewRelayBroadcaster(cfg.PrimaryURL, cfg.RelayToken)
	}

	service := app.New(cfg, dataStore, broadcaster, resolver)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go service.RunTypingJanitor(janitorCtx)

	httpServer := app.NewHTTPServer(service, registry, local, cfg.CORSOrigin, cfg.RelayToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Labhub API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
