package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"qazna.org/esign/internal/audit"
	"qazna.org/esign/internal/auth"
	"qazna.org/esign/internal/config"
	"qazna.org/esign/internal/envelope"
	"qazna.org/esign/internal/httpapi"
	"qazna.org/esign/internal/obs"
	"qazna.org/esign/internal/reconcile"
	"qazna.org/esign/internal/store/pg"
	"qazna.org/esign/internal/stream"
	"qazna.org/esign/internal/webhook"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Provider)

	// Хранилище: PostgreSQL при заданном DSN, иначе память (только для разработки)
	var (
		store envelope.Store
		ready httpapi.ReadyCheck
		pgs   *pg.Store
	)
	if cfg.PGDSN != "" {
		pgs, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store, ready = pgs, httpapi.ReadyCheck{DB: pgs.DB()}
	} else {
		if cfg.Hardened() {
			log.Fatalf("ESIGN_PG_DSN is required in %s", cfg.Env)
		}
		store = envelope.NewInMemory()
	}

	adapter, err := cfg.Adapter()
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	events := stream.New()
	chain := audit.NewChain(audit.WithSinks(audit.LogSink{}, events))
	engine := reconcile.New(store, adapter, chain, reconcile.WithProviderTimeout(cfg.ProviderTimeout))

	api := httpapi.New(httpapi.Config{
		Engine:       engine,
		Webhooks:     webhook.NewAuthenticator(cfg.WebhookSecret, !cfg.Hardened()),
		Issuer:       auth.NewIssuer(cfg.AuthSecret),
		Stream:       events,
		Ready:        ready,
		Version:      version,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCHealth(ready))
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.LogEvent("info", "starting esign-api", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
		"provider":  adapter.Name(),
		"env":       cfg.Env,
		"postgres":  pgs != nil,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	if cfg.SweepInterval > 0 {
		sweeper := reconcile.NewSweeper(engine, store, cfg.SweepConcurrency)
		go func() {
			if err := sweeper.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
				obs.LogEvent("error", "sweeper stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	obs.SetReady(true)

	<-ctx.Done()
	obs.SetReady(false)
	obs.LogEvent("info", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if pgs != nil {
		_ = pgs.Close()
	}
	obs.LogEvent("info", "stopped", nil)
}
