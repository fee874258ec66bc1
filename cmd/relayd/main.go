package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeplan/relay/internal/auth"
	"github.com/forgeplan/relay/internal/config"
	"github.com/forgeplan/relay/internal/coordinator"
	"github.com/forgeplan/relay/internal/engine"
	"github.com/forgeplan/relay/internal/httpapi"
	"github.com/forgeplan/relay/internal/observability"
	"github.com/forgeplan/relay/internal/registry"
	"github.com/forgeplan/relay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewStore(context.Background(), cfg.DatabaseURL, cfg.SessionMaxEvents)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("session store: postgres")
	} else {
		log.Printf("session store: in-memory (set DATABASE_URL for durability)")
	}

	adapter, err := engine.NewAdapter(engine.Config{
		Mode:    cfg.EngineMode,
		HTTPURL: cfg.EngineHTTPURL,
	})
	if err != nil {
		log.Fatalf("engine adapter init failed: %v", err)
	}

	var gate registry.Authenticator
	if cfg.AuthDisabled {
		gate = auth.NewInsecureGate()
		log.Printf("auth: DISABLED, any credential is accepted")
	} else {
		gate = auth.NewGate([]byte(cfg.JWTSecret))
	}

	reg := registry.New(gate, metrics)
	coord := coordinator.New(store, adapter, reg, metrics, coordinator.Options{
		DefaultAgent:      cfg.EngineDefaultAgent,
		EventTimeout:      cfg.EngineEventTimeout,
		StoreWriteTimeout: cfg.StoreWriteTimeout,
		StoreRetryMax:     cfg.StoreRetryMax,
		MaxHandoffs:       cfg.EngineMaxHandoffs,
	})

	api := httpapi.New(cfg, store, reg, coord, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	reg.StartReaper(runCtx, cfg.ConnReapInterval, cfg.ConnMaxInactive)
	session.StartJanitor(runCtx, store, cfg.SessionPurgeInterval, cfg.SessionRetention)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
