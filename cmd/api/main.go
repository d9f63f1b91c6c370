package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"medlock.org/internal/audit"
	"medlock.org/internal/auth"
	"medlock.org/internal/crypto"
	"medlock.org/internal/csrf"
	"medlock.org/internal/httpapi"
	"medlock.org/internal/obs"
	"medlock.org/internal/ratelimit"
	"medlock.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	masterKey, err := hex.DecodeString(strings.TrimSpace(os.Getenv("MEDLOCK_MASTER_KEY")))
	if err != nil {
		log.Fatalf("decode MEDLOCK_MASTER_KEY: %v", err)
	}
	vault, err := crypto.NewVault(masterKey)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	dsn := os.Getenv("MEDLOCK_PG_DSN")
	if dsn == "" {
		log.Fatal("MEDLOCK_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	auditStore := audit.NewPGStore(store.DB())
	sink := audit.NewSink(auditStore)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sink.Close(ctx)
	}()

	limiter := ratelimit.New(ratelimit.NewPGStore(store.DB()),
		ratelimit.WithRecorder(sink),
		ratelimit.WithBlockDuration(15*time.Minute),
	)
	stopLimiterSweep := limiter.StartSweeper(5*time.Minute, 24*time.Hour)
	defer stopLimiterSweep()

	blacklist := auth.NewBlacklist()
	blacklist.StartSweeper(time.Minute)
	defer blacklist.Stop()

	svc, err := auth.NewService(auth.NewPGStore(store.DB()), vault, limiter, blacklist,
		auth.WithTokenSecret(os.Getenv("MEDLOCK_AUTH_SECRET")),
		auth.WithRecorder(sink),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	csrfMgr := csrf.NewManager(csrf.NewPGStore(store.DB()), limiter, csrf.WithRecorder(sink))
	stopCSRFSweep := csrfMgr.StartSweeper(10 * time.Minute)
	defer stopCSRFSweep()

	// Retention sweeper for sessions, single-use tokens and audit rows.
	auditRetention := 90 * 24 * time.Hour
	retention := time.NewTicker(15 * time.Minute)
	defer retention.Stop()
	go func() {
		for range retention.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := svc.SweepExpired(ctx); err != nil {
				log.Printf("retention sweep: %v", err)
			}
			if _, err := auditStore.DeleteOlderThan(ctx, time.Now().UTC().Add(-auditRetention)); err != nil {
				log.Printf("audit retention sweep: %v", err)
			}
			cancel()
		}
	}()

	api := httpapi.New(svc, csrfMgr, httpapi.ReadyProbe{DB: store.DB()}, version)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting medlock-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
