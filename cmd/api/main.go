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

	_ "github.com/jackc/pgx/v5/stdlib"

	"tasklane.dev/internal/httpapi"
	"tasklane.dev/internal/obs"
	"tasklane.dev/internal/session"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("TASKLANE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TASKLANE_AUTH_SECRET is required")
	}
	codec, err := session.NewCodec(secret)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	// Postgres when a DSN is configured; the in-memory store keeps local
	// development working without one.
	var (
		db    *sql.DB
		store session.Store
	)
	if dsn := os.Getenv("TASKLANE_PG_DSN"); dsn != "" {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = session.NewPGStore(db)
	} else {
		log.Println("TASKLANE_PG_DSN not set, using in-memory store")
		store = session.NewInMemory()
	}

	var opts []session.ServiceOption
	if raw := os.Getenv("TASKLANE_ACCESS_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse TASKLANE_ACCESS_TTL: %v", err)
		}
		opts = append(opts, session.WithAccessTTL(ttl))
	}
	sessions, err := session.NewService(store, codec, opts...)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version,
		sessions, store.Memberships(context.Background()))

	addr := os.Getenv("TASKLANE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tasklane-auth %s on %s", version, srv.Addr)

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
