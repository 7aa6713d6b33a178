package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/empi/internal/config"
	"github.com/ehr/empi/internal/domain/empilink"
	"github.com/ehr/empi/internal/domain/person"
	"github.com/ehr/empi/internal/empi"
	"github.com/ehr/empi/internal/matching"
	"github.com/ehr/empi/internal/platform/auth"
	"github.com/ehr/empi/internal/platform/db"
	"github.com/ehr/empi/internal/platform/kafka"
	"github.com/ehr/empi/internal/platform/middleware"
	"github.com/ehr/empi/internal/platform/telemetry"
	"github.com/ehr/empi/internal/platform/validation"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired EMPI services shared by serve and resolve.
type app struct {
	persons  *person.Service
	linkRepo empilink.LinkRepository
	links    *empilink.Service
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, tel *telemetry.Provider, logger zerolog.Logger) (*app, error) {
	settings := cfg.EMPISettings()
	eids, err := empi.NewEIDHelper(settings.EIDSystems)
	if err != nil {
		return nil, err
	}

	linkRepo := empilink.NewLinkRepoPG(pool)
	persons := person.NewService(person.NewPersonRepoPG(pool), linkRepo, eids, logger)

	finder, err := matching.NewFinder(persons, eids, cfg.Thresholds(), cfg.MaxCandidates, logger)
	if err != nil {
		return nil, err
	}
	engine, err := empi.NewEngine(finder, linkRepo, persons, settings, logger)
	if err != nil {
		return nil, err
	}

	tx := db.NewTxRunner(pool, cfg.DefaultTenant)
	links := empilink.NewService(linkRepo, persons, finder, engine, tx, tel, logger)
	return &app{persons: persons, linkRepo: linkRepo, links: links}, nil
}

func runServer(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: requests without a token get admin access")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	tel := telemetry.NewProvider(telemetry.Config{ServiceName: "empi-server", RuntimeMetrics: true})
	registerPoolMetrics(tel.Registry(), pool)
	a, err := newApp(cfg, pool, tel, logger)
	if err != nil {
		return err
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled() && cfg.KafkaLinkTopic != "" {
		producer = kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLinkTopic}, logger)
		defer producer.Close()
		a.links.WithEvents(producer)
	}

	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		handler := empilink.NewEventHandler(a.links, validation.New(), cfg.DefaultTenant, tel, logger)
		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTargetTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			MaxAttempts:   cfg.KafkaMaxAttempts,
			Backoff:       cfg.KafkaRetryBackoff,
			Retryable:     empi.IsRetryable,
		}, handler.Handle, logger)
	}

	e := newEcho(cfg, pool, tel, a, logger)
	e.GET("/health", healthHandler(consumer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, tel *telemetry.Provider, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.NewEchoValidator(validation.New())

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", tel.PrometheusHandler())

	tenant := db.TenantMiddleware(pool, cfg.DefaultTenant)
	api := e.Group("/empi", tenant)
	fhirGroup := e.Group("/fhir", tenant)

	person.NewHandler(a.persons, a.linkRepo).RegisterRoutes(api, fhirGroup)
	empilink.NewHandler(a.links).RegisterRoutes(api, fhirGroup)
	return e
}

// healthHandler reports liveness. With a consumer configured, a stopped
// consume loop turns the check into a 503.
func healthHandler(consumer *kafka.Consumer) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]string{"status": "ok"}
		if consumer == nil {
			return c.JSON(http.StatusOK, body)
		}
		if !consumer.Health() {
			body["status"] = "degraded"
			body["consumer"] = "stopped"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["consumer"] = "running"
		return c.JSON(http.StatusOK, body)
	}
}

// registerPoolMetrics exposes pool usage as gauges sampled on scrape.
func registerPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	gauge := func(name, help string, value func(db.PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "empi_db_pool_" + name,
			Help: help,
		}, func() float64 { return value(db.StatsOf(pool)) })
	}
	reg.MustRegister(
		gauge("connections_total", "Open connections in the pool", func(s db.PoolStats) float64 { return float64(s.Total) }),
		gauge("connections_acquired", "Connections currently in use", func(s db.PoolStats) float64 { return float64(s.Acquired) }),
		gauge("connections_max", "Configured pool size", func(s db.PoolStats) float64 { return float64(s.Max) }),
	)
}
