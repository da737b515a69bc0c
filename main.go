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

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"pr-tracker/config"
	"pr-tracker/handlers"
	"pr-tracker/models"
	"pr-tracker/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.Print(log.Printf)

	db, err := gorm.Open(sqlite.Open(cfg.DBPath+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	metrics := services.NewMetrics()
	gh, err := services.NewGitHubClient(cfg.GitHubToken, services.GitHubClientOptions{
		BaseURL:        cfg.GitHubAPIURL,
		PageSize:       cfg.SearchPageSize,
		MaxPages:       cfg.SearchMaxPages,
		RequestDelay:   cfg.GitHubRequestDelay,
		RequestTimeout: cfg.GitHubRequestTimeout,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf("failed to create github client: %v", err)
	}

	store := services.NewStore(db)
	reconciler, err := services.NewReconciler(cfg.StoreStrategy, store, gh, cfg.MissingResourceTTL)
	if err != nil {
		log.Fatalf("failed to create reconciler: %v", err)
	}
	syncer := services.NewPRSyncer(store, gh, reconciler, services.SyncerOptions{
		Window:    services.SyncWindow{Start: cfg.WindowStart, End: cfg.WindowEnd},
		UserDelay: cfg.UserRefreshDelay,
		Metrics:   metrics,
	})
	stats, err := services.NewStatsReader(db, cfg.StoreStrategy)
	if err != nil {
		log.Fatalf("failed to create stats reader: %v", err)
	}

	var notifier services.BatchNotifier
	if cfg.SlackEnabled() {
		notifier = services.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannelID)
	}
	runner := services.NewBatchRunner(syncer, notifier, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler, err := services.NewScheduler(runner, cfg.RefreshCron, cfg.Location, cfg.StartupRefreshDelay)
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Syncer:        syncer,
		Batch:         runner,
		Store:         store,
		Stats:         stats,
		Metrics:       metrics,
		WebhookSecret: cfg.GitHubWebhookSecret,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("✅ server listening on :%s", cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	case sig := <-quit:
		log.Printf("shutdown signal received: %s", sig)
	}

	// 以降のバッチを拒否してから受付を閉じ、最後に DB を閉じる
	runner.Close()
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("server stopped")
}
