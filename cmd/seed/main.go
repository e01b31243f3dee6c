// Command seed fills the seat catalog and, optionally, loads a demo scenario.
//
//	seed -config=config.yaml -seats=50 -scenario=small-office
//
// Both steps are idempotent, so seed can run on every deploy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/api"
	"github.com/blureserve/seat-engine/catalog"
	"github.com/blureserve/seat-engine/config"
	"github.com/blureserve/seat-engine/identity"
	"github.com/blureserve/seat-engine/logging"
	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("BLURESERVE_CONFIG"), "YAML config path")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seatCount := flag.Int("seats", 50, "number of seats the catalog should hold")
	scenario := flag.String("scenario", "", "demo scenario to load (small-office, busy-day, tight-budget)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err := seed(context.Background(), cfg, log, *seatCount, *scenario); err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}
}

func seed(ctx context.Context, cfg *config.Config, log zerolog.Logger, seatCount int, scenario string) error {
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

	seats := catalog.New(backend, log)
	created, err := seats.Seed(ctx, seatCount)
	if err != nil {
		return fmt.Errorf("seed seats: %w", err)
	}
	log.Info().Int("created", created).Int("target", seatCount).Msg("seat catalog seeded")

	if scenario == "" {
		return nil
	}

	engine, err := reserve.NewEngine(backend, seats, cfg.ReservePolicy(), reserve.WithLogger(log))
	if err != nil {
		return err
	}
	tokens, err := identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if err != nil {
		return err
	}
	ids := identity.NewService(backend, tokens, identity.WithBcryptCost(cfg.Auth.BcryptCost), identity.WithServiceLogger(log))

	result, err := api.NewHandler(engine, backend, ids, seats, log).ApplyScenario(ctx, scenario)
	if err != nil {
		return err
	}
	for _, a := range result.Accounts {
		log.Info().Str("email", a.Email).Str("role", a.Role).Msg("demo account")
	}
	log.Info().Str("password", result.Password).Int("reservations", result.Reservations).Msg("scenario loaded")
	return nil
}
