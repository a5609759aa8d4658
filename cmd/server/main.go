package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/api"
	"github.com/codyseavey/coin-tracker/internal/config"
	"github.com/codyseavey/coin-tracker/internal/database"
	"github.com/codyseavey/coin-tracker/internal/services"
)

func main() {
	cfg := config.Load()
	cfg.ConfigureLogging()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	if err := database.Initialize(cfg.StorageDSN()); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize services
	coinGecko := services.NewCoinGeckoService(cfg.CoinGeckoBaseURL, cfg.CoinGeckoAPIKey, cfg.UpstreamCallsPerMinute)
	if cfg.CoinGeckoAPIKey == "" {
		log.Println("COINGECKO_API_KEY not set, using the public rate limit")
	}

	governor := services.NewGovernor(services.GovernorConfig{
		MinInterval:        cfg.MinFetchInterval,
		MaxRetries:         cfg.MaxRetries,
		RateLimitBaseDelay: cfg.RateLimitBaseDelay,
		RateLimitMaxDelay:  cfg.RateLimitMaxDelay,
		TransientDelay:     cfg.TransientRetryDelay,
	}, nil)

	store := services.NewCoinStore(database.GetDB())
	refreshService := services.NewRefreshService(governor, coinGecko, store, nil, cfg.CoinLimit)

	scheduler := services.NewScheduler(refreshService, services.SchedulerConfig{
		RefreshInterval: cfg.RefreshInterval,
		HistoryInterval: cfg.HistoryInterval,
		StartupDelay:    cfg.StartupDelay,
	}, nil)

	// Create a cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start scheduler in background with panic recovery
	go func() {
		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("PANIC in scheduler: %v - restarting in 30 seconds", r)
					}
				}()
				scheduler.Start(ctx)
			}()

			select {
			case <-ctx.Done():
				return // Graceful shutdown
			case <-time.After(30 * time.Second):
				log.Println("Scheduler restarting after panic recovery...")
			}
		}
	}()

	// Setup router
	router := api.SetupRouter(cfg, refreshService, store, governor, scheduler)

	// Create HTTP server for graceful shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Cancel the context to stop the scheduler
	cancel()

	// Give outstanding requests a deadline to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
