package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portrait/internal/adapter/repo"
	"portrait/internal/backend"
	"portrait/internal/domain"
	"portrait/internal/http/handlers"
	httpapi "portrait/internal/http/httpapi"
	"portrait/internal/infra"
	"portrait/internal/payload"
	"portrait/internal/pipeline"
	"portrait/internal/providers/comfy"
	"portrait/internal/providers/runpod"
	"portrait/internal/retriever"
	"portrait/internal/stager"
	"portrait/internal/storage"
	"portrait/internal/tracker"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)
	ctx := context.Background()

	// Run ledger: PostgreSQL when configured, in-memory otherwise.
	var runs domain.RunRepository
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		pg := repo.NewRunRepository(infra.NewSQLRunner(dbpool, &logger))
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure run ledger schema")
		}
		runs = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set; runs will not survive a restart")
		runs = repo.NewMemoryRunRepository()
	}

	objects, err := infra.NewObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	uploads, err := storage.NewFileStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init upload dir")
	}
	outputs, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init output dir")
	}

	routes, err := buildRoutes(cfg, objects, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init backends")
	}

	track := tracker.New(
		retriever.New(objects, outputs, retriever.Options{Logger: &logger}),
		runs,
		tracker.Options{
			PollInterval:    cfg.PollInterval,
			MaxWait:         cfg.PollMaxWait,
			MaxPollFailures: cfg.PollMaxFailures,
			Logger:          &logger,
		},
	)

	defaultMode, err := domain.ParseMode(cfg.BackendMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid backend mode")
	}
	pipe, err := pipeline.New(pipeline.Deps{
		Routes:      routes,
		DefaultMode: defaultMode,
		Builder:     payload.NewBuilder(payload.Options{}),
		Tracker:     track,
		Runs:        runs,
		MaxSelfies:  cfg.MaxSelfies,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init pipeline")
	}

	board := handlers.NewBoard(outputs, cfg.MaxDisplayImages, &logger)
	if _, err := pipe.Resume(ctx, board); err != nil {
		logger.Error().Err(err).Msg("failed to resume runs")
	}

	app := handlers.NewApp(pipe, track, runs, board, uploads, outputs, cfg.GalleryDir, &logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:        &logger,
		RatePerMinute: cfg.RateLimitPerMin,
		CORSOrigins:   cfg.CORSOrigins,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("mode", string(defaultMode)).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	// In-flight queued runs stay SUBMITTED/RUNNING in the ledger and are
	// resumed on the next start.
	if err := track.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to stop trackers")
	}
	logger.Info().Msg("server stopped")
}

// buildRoutes wires a stager and backend for every mode whose endpoint is
// configured.
func buildRoutes(cfg *infra.Config, objects storage.ObjectStore, logger *infra.Logger) (map[domain.Mode]pipeline.Route, error) {
	routes := make(map[domain.Mode]pipeline.Route)
	stagerOpts := stager.Options{Parallelism: cfg.UploadParallelism, Logger: logger}

	if cfg.RunPodURI != "" {
		client, err := runpod.NewClient(runpod.Options{
			BaseURL:        cfg.RunPodURI,
			APIKey:         cfg.RunPodAPIKey,
			Logger:         logger,
			RequestTimeout: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		uploader := stager.NewObjectUploader(objects, stager.ObjectUploaderOptions{
			Public: cfg.ObjectPublicRead,
			Expiry: cfg.PresignExpiry,
		})
		routes[domain.ModeQueued] = pipeline.Route{
			Stager:  stager.New(uploader, stagerOpts),
			Backend: backend.NewQueued(client),
		}
	}

	if cfg.ComfyBaseURL != "" {
		client, err := comfy.NewClient(comfy.Options{
			BaseURL:        cfg.ComfyBaseURL,
			Logger:         logger,
			RequestTimeout: 60 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		routes[domain.ModeStreamed] = pipeline.Route{
			Stager:  stager.New(stager.NewEngineUploader(client), stagerOpts),
			Backend: backend.NewStreamed(client),
		}
	}

	return routes, nil
}
