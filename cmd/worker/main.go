package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"video-download-service/internal/config"
	"video-download-service/internal/extract"
	"video-download-service/internal/logging"
	"video-download-service/internal/media"
	"video-download-service/internal/models"
	"video-download-service/internal/queue"
	"video-download-service/internal/store"
	"video-download-service/internal/telemetry"
	workerproc "video-download-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.WorkerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := logging.New(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	rc := queue.NewRedisClient(cfg)
	defer rc.Close()
	q := queue.NewRedisQueue(rc, cfg)

	ytdlp := extract.NewYtDlp(cfg, logger)
	if err := ytdlp.Available(); err != nil {
		logger.Fatal().Err(err).Msg("extractor")
	}
	library, err := media.NewLibraryFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init media library")
	}
	download := workerproc.NewDownloadHandler(ytdlp, st, library, media.NewThumbnailer(cfg), logger)

	processor := workerproc.NewProcessor(cfg, q, st, logger)
	processor.RegisterHandler(models.TaskDownloadVideo, download.Handle)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info().
			Dur("visibility", cfg.VisibilityTimeout).
			Int("max_attempts", cfg.MaxAttempts).
			Str("media_dir", cfg.MediaDir).
			Msg("worker started")
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
