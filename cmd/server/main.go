package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/smartgate/gate-server-go/internal/config"
	"github.com/smartgate/gate-server-go/internal/database"
	"github.com/smartgate/gate-server-go/internal/handler"
	"github.com/smartgate/gate-server-go/internal/jobs"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/middleware"
	"github.com/smartgate/gate-server-go/internal/redis"
	"github.com/smartgate/gate-server-go/internal/repository"
	"github.com/smartgate/gate-server-go/internal/service"
	"github.com/smartgate/gate-server-go/internal/switchbot"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	cancel()
	log.Info().Msg("redis connected")

	appMetrics := metrics.New(prometheus.DefaultRegisterer)

	issuanceLogRepo := repository.NewIssuanceLogRepository(db.DB)

	lockClient := switchbot.NewClient(cfg.SwitchBot(), appMetrics)
	issuerService := service.NewIssuerService(lockClient, cfg.MaxValidHours, appMetrics)
	idempotencyStore := service.NewRedisIdempotencyStore(redisClient.Client, cfg.IdempotencyTTL(), cfg.EncryptionKey)
	idempotentIssuer := service.NewIdempotentIssuer(issuerService, idempotencyStore, cfg.SwitchBotTimeout(), appMetrics)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	submitLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, cfg.SubmitRateLimit, cfg.SubmitRateWindow(), redis.SubmitLimitKey, appMetrics,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	quizHandler := handler.NewQuizHandler(idempotentIssuer, cfg.AnswerSet(), issuanceLogRepo, appMetrics)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/quiz", func(r chi.Router) {
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(submitLimitMiddleware.Handler)
		r.Mount("/", quizHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(issuanceLogRepo, cfg.IssuanceLogRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("deviceId", cfg.DeviceID).
			Int("questions", len(cfg.QuizAnswers)).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
