package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/wallbot/internal/config"
	"github.com/user/wallbot/internal/metrics"
	"github.com/user/wallbot/internal/notifier"
	"github.com/user/wallbot/internal/source"
	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/internal/telegram"
	"github.com/user/wallbot/pkg/logger"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	if err := cfg.ValidateBot(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Info().Msg("Starting wallpaper bot")

	// Initialize database
	db, err := storage.NewDatabase(cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	walls := storage.NewWallpaperStore(db)
	subs := storage.NewSubscriptionStore(db)
	logger.Info().Msg("Database initialized")

	// Initialize Telegram bot, through the proxy when one is configured
	httpClient, err := source.NewHTTPClient(cfg.Proxy, 90*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid proxy")
	}
	api, err := telegram.NewAPI(cfg.Telegram.Token, cfg.Telegram.Debug, httpClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}

	limits := telegram.Limits{MaxFileSize: cfg.Push.MaxFileSize, MaxDimension: cfg.Push.MaxDimension}
	bot := telegram.NewBot(api, telegram.NewHandlers(api, walls, subs, limits))

	scheduler := notifier.NewScheduler(walls, subs, telegram.NewSender(api), notifier.Config{
		Interval:     cfg.Push.Interval,
		Workers:      cfg.Push.Workers,
		SendTimeout:  cfg.Push.SendTimeout,
		MaxFileSize:  cfg.Push.MaxFileSize,
		MaxDimension: cfg.Push.MaxDimension,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = scheduler.Run(ctx)
	}()

	// Set up HTTP router for health checks and metrics
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Mount("/", metrics.NewRouter())

	// Start HTTP server
	server := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: r,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Start Telegram bot
	bot.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	// Stop the scheduler first; an in-flight tick still records what it already sent
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Stop Telegram bot
	bot.Stop()

	logger.Info().Msg("Shutdown complete")
}
