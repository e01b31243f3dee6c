/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the BluReserve seat reservation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (YAML + .env)
  2. Open the configured store (sqlite, postgres or memory)
  3. Wire optional Redis seat cache, RabbitMQ events, Prometheus metrics
  4. Build engine, identity service, catalog and API handler
  5. Start the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: $BLURESERVE_CONFIG, else built-in defaults)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close publishers and the store
  4. Exit

EXAMPLES:
  # Run with a config file
  ./server -config=config.yaml

  # Throwaway in-memory instance on another port
  BLURESERVE_JWT_SECRET=dev ./server -config=config.example.yaml -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/api"
	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/config"
	"github.com/blureserve/seat-engine/events"
	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/logging"
	"github.com/blureserve/seat-engine/metrics"
	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
)

func main() {
	// Flags
	configPath := flag.String("config", os.Getenv("BLURESERVE_CONFIG"), "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	backend, err := store.Open(ctx, store.Options{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("store ready")

	// Seat catalog, optionally behind Redis
	seats := catalog.New(backend, log)
	var seatLookup reserve.SeatCatalog = seats
	var checks []api.ReadinessCheck
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		seatLookup = catalog.NewCachedCatalog(seats, rdb, cfg.CacheTTL(), log)
		checks = append(checks, api.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		log.Info().Str("address", cfg.Redis.Address).Msg("seat cache enabled")
	}

	// Events: in-process bus always, RabbitMQ when configured
	bus := events.NewBus()
	publishers := events.Multi{bus}
	if cfg.RabbitMQ.Enabled {
		amqpPub := events.NewAMQPPublisher(cfg.RabbitMQ.URL, log)
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
		log.Info().Msg("rabbitmq publishing enabled")
	}
	activity, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	go logActivity(activity, log)

	opts := []reserve.Option{
		reserve.WithLogger(log),
		reserve.WithNotifier(events.NewNotifier(publishers)),
	}

	// Metrics
	var m *metrics.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		m = metrics.New()
		opts = append(opts, reserve.WithRecorder(m))
	}

	engine, err := reserve.NewEngine(backend, seatLookup, cfg.ReservePolicy(), opts...)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	tokens, err := identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	ids := identity.NewService(backend, tokens,
		identity.WithBcryptCost(cfg.Auth.BcryptCost),
		identity.WithServiceLogger(log),
	)

	handler := api.NewHandler(engine, backend, ids, seats, log)
	handler.Checks = checks

	// Reconciliation
	scheduler := api.NewReconciliationScheduler(backend, log)
	scheduler.CheckInterval = cfg.ReconcileInterval()
	if m != nil {
		scheduler.Observe = m.ObserveReconcile
	}
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     cfg.Server.CORSOrigins,
		EnableScenarios: cfg.Server.EnableScenarios,
		Metrics:         m,
		Logger:          log,
		RequestTimeout:  cfg.WriteTimeout(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Bool("scenarios", cfg.Server.EnableScenarios).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	// Wait for interrupt signal
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// logActivity writes every committed booking and cancellation to the log.
func logActivity(ch <-chan events.Event, log zerolog.Logger) {
	l := log.With().Str("component", "activity").Logger()
	for e := range ch {
		l.Info().
			Str("event", string(e.Type)).
			Str("reservation_id", e.ReservationID).
			Str("seat_id", e.SeatID).
			Str("employee_id", e.EmployeeID).
			Int64("amount", e.Amount).
			Msg("reservation activity")
	}
}
