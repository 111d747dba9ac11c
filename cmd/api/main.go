package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keywarden.org/internal/audit"
	"keywarden.org/internal/deviceauth"
	"keywarden.org/internal/envelope"
	"keywarden.org/internal/httpapi"
	"keywarden.org/internal/obs"
	"keywarden.org/internal/ratelimit"
	"keywarden.org/internal/stream"
	"keywarden.org/internal/vault"
	"keywarden.org/internal/vault/pg"
)

var (
	version = "0.3.1"
	commit  = "dev" // перезаписывается через -ldflags
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Мастер-ключ обязателен: без него нечем расшифровывать хранилище.
	key, err := envelope.KeyFromHex(os.Getenv("WARDEN_MASTER_KEY"))
	if err != nil {
		log.Fatalf("WARDEN_MASTER_KEY: %v", err)
	}
	if os.Getenv("WARDEN_AUTH_SECRET") == "" {
		log.Fatal("WARDEN_AUTH_SECRET is not set")
	}

	// Постоянное хранилище при заданном DSN, иначе dev-режим в памяти.
	var (
		store vault.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("WARDEN_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Print("WARDEN_PG_DSN not set, using in-memory store")
		store = vault.NewInMemory()
	}

	limiter := ratelimit.New(10, time.Minute)
	defer limiter.Close()

	recorder := audit.NewRecorder(store.Audit())
	events := stream.New()

	service := vault.NewService(store, key,
		vault.WithLimiter(limiter),
		vault.WithRecorder(recorder),
		vault.WithNotifier(stream.Notifier{Stream: events}),
	)
	flow := deviceauth.New(store, deviceauth.WithRecorder(recorder))

	// HTTP API
	api := httpapi.New(service, flow, events, httpapi.ReadyProbe{DB: db}, version)

	addr := os.Getenv("WARDEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting warden-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
