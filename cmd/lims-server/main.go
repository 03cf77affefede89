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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/domain/stage"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/notification"
	"github.com/lims/lims/internal/platform/telemetry"
)

const (
	serviceName = "lims-server"
	version     = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Laboratory workflow progression server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(labCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
}

// app holds the wired engine. Every entry point (HTTP and CLI) builds it the
// same way so the stage store doubles as order seeder and pipeline checker.
type app struct {
	templates   *workflow.Service
	orders      *order.Service
	aggregator  *order.Aggregator
	coordinator *stage.Coordinator
	engine      *stage.Engine
	reader      *stage.Reader
}

func newApp(pool *pgxpool.Pool, pub events.Publisher, gate stage.AuthorizationGate, metrics *telemetry.Metrics, logger zerolog.Logger) *app {
	tx := db.NewTransactor(pool)

	templates := workflow.NewService(workflow.NewRepoPG(pool), tx)

	orderRepo := order.NewOrderRepoPG(pool)
	itemRepo := order.NewItemRepoPG(pool)
	sampleRepo := order.NewSampleRepoPG(pool)
	reportRepo := order.NewReportRepoPG(pool)

	stageRepo := stage.NewRepoPG(pool)
	store := stage.NewStore(stageRepo, templates)

	agg := order.NewAggregator(tx, orderRepo, itemRepo, store, reportRepo, order.NewEventNotifier(pub), pub)
	agg.SetLogger(logger.With().Str("component", "aggregator").Logger())
	agg.SetMetrics(metrics)

	orders := order.NewService(tx, orderRepo, itemRepo, sampleRepo, reportRepo, store, agg, pub)
	orders.SetLogger(logger.With().Str("component", "orders").Logger())

	coord := stage.NewCoordinator(tx, store, stageRepo, templates, itemRepo, sampleRepo, gate, pub)
	coord.SetLogger(logger.With().Str("component", "coordinator").Logger())
	coord.SetMetrics(metrics)

	engine := stage.NewEngine(tx, store, stageRepo, templates, itemRepo, orderRepo, agg, gate, pub)
	engine.SetLogger(logger.With().Str("component", "engine").Logger())
	engine.SetMetrics(metrics)

	return &app{
		templates:   templates,
		orders:      orders,
		aggregator:  agg,
		coordinator: coord,
		engine:      engine,
		reader:      stage.NewReader(store, stageRepo, templates, itemRepo),
	}
}

// newPublisher fans events out to Redis (when configured) or the log, plus
// the in-process notification dispatcher. The returned func closes Redis.
func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	var sinks events.Multi
	closeFn := func() {}

	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, closeFn, err
		}
		closeFn = func() { client.Close() }
		sinks = append(sinks, events.NewRedisPublisher(client, cfg.EventsStream, 100000))
		logger.Info().Str("stream", cfg.EventsStream).Msg("publishing events to redis")
	} else {
		sinks = append(sinks, events.NewLogPublisher(logger.With().Str("component", "events").Logger()))
	}

	if cfg.NotifyChannel == "log" {
		notifyLog := logger.With().Str("component", "notification").Logger()
		sinks = append(sinks, notification.NewDispatcher(notification.NewTemplateEngine(), notification.NewLogSender(notifyLog), notifyLog))
	}
	return sinks, closeFn, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: DevAuthMiddleware grants every request admin access")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	pub, closePub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer closePub()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.NewMetrics()
	}

	gate := auth.NewCapabilityGate(logger.With().Str("component", "gate").Logger())
	a := newApp(pool, pub, gate, metrics, logger)

	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return auth.IsPublicPath(c.Request().URL.Path)
	})))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.LabHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(timeout, "/metrics"))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(db.LabMiddleware(pool, cfg.DefaultLab))
	apiV1.Use(middleware.Audit(logger))

	workflow.NewHandler(a.templates).RegisterRoutes(apiV1)
	order.NewHandler(a.orders).RegisterRoutes(apiV1)
	stage.NewHandler(a.coordinator, a.engine, a.reader).RegisterRoutes(apiV1)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
