package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmoretti/concierge/internal/budget"
	"github.com/lmoretti/concierge/internal/config"
	"github.com/lmoretti/concierge/internal/gateway"
	"github.com/lmoretti/concierge/internal/observability"
	"github.com/lmoretti/concierge/internal/reliability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := budget.NewStore(ctx, cfg.DatabaseURL)
	for attempt := 0; err != nil && attempt < 4; attempt++ {
		delay := reliability.ExponentialBackoff(attempt, time.Second, 10*time.Second)
		log.Printf("budget store init failed, retrying in %s: %v", delay, err)
		time.Sleep(delay)
		store, err = budget.NewStore(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatalf("budget store init failed: %v", err)
	}
	defer store.Close()

	tracker := budget.NewTracker(store, budget.TrackerConfig{
		SessionTTL:       cfg.BudgetSessionTTL,
		SessionMaxTokens: cfg.BudgetSessionMaxTokens,
		RequestMaxTokens: cfg.BudgetRequestMaxTokens,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	switch s := store.(type) {
	case *budget.MemoryStore:
		s.StartJanitor(runCtx, time.Minute)
		log.Printf("budget store: in-memory")
	case *budget.PostgresStore:
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					if err := s.SweepExpired(runCtx); err != nil {
						log.Printf("budget sweep failed: %v", err)
					}
				}
			}
		}()
		log.Printf("budget store: postgres")
	}

	assistant := gateway.NewScriptedAssistant()
	api := gateway.New(cfg, tracker, assistant, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
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
