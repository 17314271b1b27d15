package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/evoline/evoline/internal/config"
	"github.com/evoline/evoline/internal/domain/fusion"
	"github.com/evoline/evoline/internal/domain/identity"
	"github.com/evoline/evoline/internal/domain/narrative"
	"github.com/evoline/evoline/internal/domain/pipeline"
	"github.com/evoline/evoline/internal/domain/profile"
	"github.com/evoline/evoline/internal/domain/temporal"
	"github.com/evoline/evoline/internal/platform/auth"
	"github.com/evoline/evoline/internal/platform/blobstore"
	"github.com/evoline/evoline/internal/platform/dataset"
	"github.com/evoline/evoline/internal/platform/db"
	"github.com/evoline/evoline/internal/platform/genai"
	"github.com/evoline/evoline/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evoline-server",
		Short: "Patient clinical-evolution API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the evolution API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <identifier>",
		Short: "Generate an evolution document for one patient and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0])
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildService wires the pipeline stages from the loaded configuration.
// The returned pool is nil unless the postgres backend is selected; the
// cleanup closes it when present.
func buildService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pipeline.Service, *pgxpool.Pool, func(), error) {
	data := dataset.New(cfg.DataRoot)

	var store blobstore.Store
	var pool *pgxpool.Pool
	cleanup := func() {}
	switch cfg.StoreBackend {
	case "memory":
		store = blobstore.NewInMemoryStore()
	case "postgres":
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pg, err := blobstore.NewPGStore(ctx, p)
		if err != nil {
			p.Close()
			return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		store = pg
		pool = p
		cleanup = p.Close
	default:
		store = blobstore.NewFSStore(cfg.OutputRoot)
	}

	var ai *genai.Client
	if cfg.AIEndpoint != "" {
		ai = genai.New(genai.Config{
			Endpoint: cfg.AIEndpoint,
			APIKey:   cfg.AIAPIKey,
			Model:    cfg.AIModel,
			Provider: cfg.AIProvider,
			Timeout:  cfg.AITimeout(),
		}, logger)
	}

	svc := pipeline.NewService(
		identity.NewResolver(data, logger),
		profile.NewBuilder(data, logger),
		temporal.NewExtractor(data, logger, temporal.Config{
			TrendChangeThreshold: cfg.TrendChangeThreshold,
		}),
		fusion.NewFuser(data, logger, fusion.Config{
			ContextWindowDays:     cfg.ContextWindowDays,
			MaxRelatedDiagnoses:   cfg.MaxRelatedDiagnoses,
			MaxRelatedMedications: cfg.MaxRelatedMedications,
			MaxRelatedLabs:        cfg.MaxRelatedLabs,
			MaxRelatedProcedures:  cfg.MaxRelatedProcedures,
		}),
		narrative.NewGenerator(logger, ai, narrative.Config{
			ConditionCap: cfg.ConditionCap,
			AIEventCap:   cfg.AIEventCap,
		}),
		store,
		logger,
		nil,
	)
	return svc, pool, cleanup, nil
}

func runOnce(identifier string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	svc, _, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := svc.Run(ctx, identifier)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", pipeline.OutputKey(out.Identity.PatientKey))
	fmt.Printf("timeline events: %d, episodes: %d, alerts: %d\n",
		len(out.Timeline), len(out.Episodes), len(out.Alerts))
	return nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	svc, pool, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire pipeline")
	}
	defer cleanup()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware())
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSigningKey),
		}))
	}

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	handler := pipeline.NewHandler(svc)
	handler.RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
