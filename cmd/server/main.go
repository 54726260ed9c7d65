package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arhyth/ledgerx"
	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	seedp := flag.String("seed", "", "optional account fixture loaded at startup")
	migrate := flag.Bool("migrate", false, "apply database migrations before serving (postgres only)")
	flag.Parse()

	cfg, err := ledgerx.LoadConfig(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		logger.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, keeping info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate && cfg.Store.Driver == ledgerx.DriverPostgres {
		lh, err := ledgerx.NewLocalHelper(cfg.Store.Postgres.ConnStr)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting local helper")
		}
		if _, err = lh.InitDB(); err != nil {
			logger.Fatal().Err(err).Msg("error migrating database")
		}
		lh.DB.Close()
	}

	repo, err := ledgerx.NewRepository(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("error starting store")
	}
	defer repo.Close()

	if *seedp != "" {
		fl, err := os.Open(*seedp)
		if err != nil {
			logger.Fatal().Err(err).Msg("error opening seed file")
		}
		accts, err := ledgerx.LoadSeed(fl)
		fl.Close()
		if err != nil {
			logger.Fatal().Err(err).Msg("error decoding seed file")
		}
		if _, _, err = ledgerx.SeedAccounts(ctx, repo, accts); err != nil {
			logger.Fatal().Err(err).Msg("error seeding accounts")
		}
	}

	svc := ledgerx.Chain(
		ledgerx.NewService(repo, &logger),
		ledgerx.NewValidationMiddleware(),
		ledgerx.NewLoggingMiddleware(&logger),
		ledgerx.NewCircuitBreakMiddleware(ledgerx.NewServiceBreaker(cfg.Breaker, &logger)),
		ledgerx.NewLimitMiddleware(ledgerx.NewServiceLimits(cfg.Limits)),
	)
	hndlr := ledgerx.NewHTTPHandler(svc, &logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      hndlr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("driver", cfg.Store.Driver).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("server stopped")
}
