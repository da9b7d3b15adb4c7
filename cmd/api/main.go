package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/internal/client"
	"github.com/abjerry97/duespay/internal/flow"
	"github.com/abjerry97/duespay/internal/processors"
	"github.com/abjerry97/duespay/internal/server"
	"github.com/abjerry97/duespay/internal/tools"
)

func main() {
	config := tools.LoadConfig()
	config.SetupLogging()
	ctx := context.Background()

	db, err := tools.NewDatabaseService(ctx, config.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare database schema: %v", err)
	}

	redisService, err := tools.NewRedisService(config.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisService.Close()

	tokenStore := tools.NewRedisTokenStore(redisService, "duespay:api_tokens")
	if err := tokenStore.SeedTokens(ctx, client.Tokens{Access: config.APIAccessToken, Refresh: config.APIRefreshToken}); err != nil {
		log.WithError(err).Warn("Failed to seed API tokens")
	}

	refresher := client.New(config.APIBaseURL)
	tokens := client.NewRefreshingTokenSource(tokenStore, refresher.RefreshToken)
	apiClient := client.New(config.APIBaseURL, client.WithTokenSource(tokens))

	flows := flow.NewService(
		apiClient,
		flow.NewKVStore(redisService, config.FlowTTL),
		redisService,
		db,
		flow.Options{MaxProofBytes: config.MaxProofBytes},
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processor := processors.NewPaymentProcessor(apiClient, redisService, redisService, db, config.WorkerCount)
	processor.Start(ctx)

	reconciler := processors.NewReconciler(db, redisService, config.ReconcileGrace)
	if err := reconciler.Start(ctx, config.ReconcileSchedule); err != nil {
		log.Fatalf("Failed to schedule reconciliation: %v", err)
	}

	apiServer := server.NewAPIServer(&server.Deps{
		Flows:         flows,
		Fetcher:       apiClient,
		Watchers:      processors.NewWatchers(),
		Statuses:      redisService,
		Ledger:        db,
		WorkerCount:   config.WorkerCount,
		BaseDomain:    config.BaseDomain,
		MaxProofBytes: config.MaxProofBytes,
		HealthChecks: map[string]func(context.Context) error{
			"postgres": db.Pool.Ping,
			"redis":    redisService.Ping,
		},
	})

	httpServer := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown incomplete")
		}
		reconciler.Stop()
		processor.Stop()
	}()

	log.Infof("Server starting on port %s", config.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
	<-stopped
	log.Info("Shutdown complete")
}
