package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/user/wallbot/internal/config"
	"github.com/user/wallbot/internal/crawler"
	"github.com/user/wallbot/internal/metrics"
	"github.com/user/wallbot/internal/source"
	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	name := flag.String("source", "", "Source to crawl ("+strings.Join(source.Names(), ", ")+")")
	once := flag.Bool("once", false, "Run a single crawl cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	if err := cfg.ValidateCrawler(*name, source.Names()); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := storage.NewDatabase(cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	adapter, err := newAdapter(cfg, *name)
	if err != nil {
		logger.Fatal().Err(err).Str("source", *name).Msg("Failed to create source adapter")
	}

	runner := crawler.NewRunner(adapter, storage.NewWallpaperStore(db), cfg.Crawler.Interval).
		WithMaxPages(cfg.Crawler.MaxPages)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.Crawler.MetricsAddr != "" {
		server = &http.Server{Addr: cfg.Crawler.MetricsAddr, Handler: metrics.NewRouter()}
		go func() {
			logger.Info().Str("address", cfg.Crawler.MetricsAddr).Msg("Starting metrics server")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	exitCode := 0
	if *once {
		if _, err := runner.RunCycle(ctx); err != nil {
			exitCode = 1
		}
	} else {
		_ = runner.Run(ctx)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}

	logger.Info().Str("source", *name).Msg("Crawler exited")
	if exitCode != 0 {
		db.Close()
		os.Exit(exitCode)
	}
}

func newAdapter(cfg *config.Config, name string) (source.Adapter, error) {
	sc := cfg.Source(name)

	httpClient, err := source.NewHTTPClient(cfg.Proxy, 0)
	if err != nil {
		return nil, err
	}

	fetchDetails := true
	if sc.FetchDetails != nil {
		fetchDetails = *sc.FetchDetails
	}

	return source.New(name, source.Options{
		APIKey:         sc.APIKey,
		BaseURL:        sc.BaseURL,
		MinInterval:    sc.MinInterval,
		MaxPages:       sc.MaxPages,
		Query:          sc.Query,
		FetchDetails:   fetchDetails,
		Owner:          sc.Owner,
		Repo:           sc.Repo,
		Ref:            sc.Ref,
		Path:           sc.Path,
		Safety:         storage.Safety(sc.Safety),
		HTTPClient:     httpClient,
		RequestTimeout: cfg.Crawler.RequestTimeout,
		MaxAttempts:    cfg.Crawler.MaxAttempts,
		RetryInitial:   cfg.Crawler.RetryInitial,
	})
}
