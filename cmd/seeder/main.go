package main

import (
	"context"
	"flag"
	"os"

	"github.com/arhyth/ledgerx"
	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	seedp := flag.String("seed", "testdata/accounts.yml", "path to account fixture file")
	flag.Parse()

	cfg, err := ledgerx.LoadConfig(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}
	if cfg.Store.Driver == ledgerx.DriverMemory {
		logger.Fatal().Msg("memory store does not outlive the seeder; use the server's -seed flag instead")
	}

	if cfg.Store.Driver == ledgerx.DriverPostgres {
		lh, err := ledgerx.NewLocalHelper(cfg.Store.Postgres.ConnStr)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting local helper")
		}
		if _, err = lh.InitDB(); err != nil {
			logger.Fatal().Err(err).Msg("error initializing database")
		}
		lh.DB.Close()
	}

	ctx := context.Background()
	repo, err := ledgerx.NewRepository(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting store")
	}
	defer repo.Close()

	fl, err := os.Open(*seedp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening seed file")
	}
	defer fl.Close()
	accts, err := ledgerx.LoadSeed(fl)
	if err != nil {
		logger.Fatal().Err(err).Msg("error decoding seed file")
	}
	ins, upd, err := ledgerx.SeedAccounts(ctx, repo, accts)
	if err != nil {
		logger.Fatal().Err(err).Msg("error seeding accounts")
	}
	logger.Info().
		Str("driver", cfg.Store.Driver).
		Int("inserted", ins).
		Int("updated", upd).
		Msg("accounts seeded")
}
