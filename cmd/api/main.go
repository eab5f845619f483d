package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"video-download-service/internal/api"
	"video-download-service/internal/config"
	"video-download-service/internal/jobs"
	"video-download-service/internal/logging"
	"video-download-service/internal/media"
	"video-download-service/internal/queue"
	"video-download-service/internal/ratelimit"
	"video-download-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg, "api")

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
	limiter := ratelimit.NewTokenBucket(rc, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	library, err := media.NewLibraryFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init media library")
	}

	server := api.New(cfg, api.Deps{
		Videos:  st,
		Jobs:    jobs.NewClient(st, q, cfg.DefaultPriority(), cfg.MaxAttempts, logger),
		Media:   library,
		Limiter: limiter.Middleware(logger),
		Checks: map[string]func(context.Context) error{
			"postgres": st.Ping,
			"redis":    q.Ping,
		},
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Str("media_dir", cfg.MediaDir).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api stopped")
		os.Exit(1)
	}
	logger.Info().Msg("api stopped")
}
