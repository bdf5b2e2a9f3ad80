package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}()

	var store storage.Store
	var locator geo.Locator
	checks := []httpapi.Check{}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
		// Both start empty, so the index stays in step with the store.
		locator = geo.NewIndex()
	}
	checks = append(checks, httpapi.Check{Name: "store", Fn: store.Ping})

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		checks = append(checks, httpapi.Check{Name: "redis", Fn: rg.Ping})
		locator = rg
	}

	rates := pricing.DefaultTable()
	if cfg.PricingTableFile != "" {
		t, err := pricing.LoadTable(cfg.PricingTableFile)
		if err != nil {
			return err
		}
		rates = t
	}
	var factor pricing.FactorSource
	if cfg.PricingFactorURL != "" {
		factor = pricing.NewHTTPFactorSource(cfg.PricingFactorURL, cfg.PricingFactorKey, cfg.PricingTimeout)
	}
	calc := pricing.NewCalculator(rates, factor, cfg.PricingTimeout, cfg.TimeZone, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL, cfg.OSRMTimeout)
	}
	m := &matcher.Service{
		Drivers:       store,
		Locator:       locator,
		RerankTimeout: cfg.RerankTimeout,
		ETA:           estimator,
		ETATimeout:    cfg.ETATimeout,
		Logger:        logger,
	}
	if cfg.RerankURL != "" {
		m.Reranker = matcher.NewHTTPReranker(cfg.RerankURL, cfg.RerankKey, cfg.RerankTimeout)
	}

	ws := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{ws}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		es := ingest.NewEventSink(cfg.KafkaBrokers, cfg.KafkaRideEventTopic)
		closers = append(closers, es.Close)
		sinks = append(sinks, es)
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, kp.Close)
		locations = kp
	}
	if cfg.AMQPURL != "" {
		as, err := dispatch.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		closers = append(closers, as.Close)
		sinks = append(sinks, as)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	bus := dispatch.NewBus(dispatch.BusOptions{Logger: logger}, sinks...)

	svc := rides.NewService(store, m, calc, bus, rides.Options{
		MatchRadiusKm: cfg.MatchRadiusKm,
		MatchLimit:    cfg.MatchLimit,
		Locator:       locator,
		Logger:        logger,
	})

	if cfg.RideRequestTTL > 0 {
		sw := &rides.Sweeper{Service: svc, TTL: cfg.RideRequestTTL, Interval: cfg.SweepInterval, Logger: logger}
		go sw.Run(ctx)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:     svc,
		Auth:      auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		WS:        ws,
		Locations: locations,
		Checks:    checks,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "sinks", len(sinks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", "err", err)
	}
	return nil
}
