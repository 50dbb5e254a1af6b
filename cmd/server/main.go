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

	"github.com/npezzotti/go-ticketchat/internal/api"
	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/config"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/presence"
	"github.com/npezzotti/go-ticketchat/internal/server"
	"github.com/npezzotti/go-ticketchat/internal/stats"
	"github.com/npezzotti/go-ticketchat/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "ticketchat"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: serviceName,
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OtelEndpoint)
	if err != nil {
		return err
	}

	store, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := store.Migrate(); err != nil {
		return err
	}
	if err := seedTickets(ctx, store, cfg.SeedTickets); err != nil {
		return err
	}

	var presenceStore presence.Store = presence.Noop{}
	if cfg.Redis.Addr != "" {
		rs, err := presence.NewRedisStore(presence.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   serviceName,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		presenceStore = rs
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("mirroring presence to redis")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	validator := auth.NewJWTValidator(cfg.SigningKey, auth.NewMemoryRevoker())

	chatServer, err := server.NewChatServer(logger, server.Deps{
		Validator: validator,
		Tickets:   store,
		Messages:  store,
		Presence:  presenceStore,
		Stats:     statsUpdater,
	}, cfg.Chat)
	if err != nil {
		return err
	}

	app := api.NewChatApp(mux, logger, chatServer, store, validator, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chatServer.Run()
		return nil
	})
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := app.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func seedTickets(ctx context.Context, store *database.Store, seeds []string) error {
	for _, s := range seeds {
		id, requester, expert, err := config.ParseSeedTicket(s)
		if err != nil {
			return err
		}
		if err := store.PutTicket(ctx, database.Ticket{Id: id, RequesterId: requester, ExpertId: expert}); err != nil {
			return err
		}
	}
	return nil
}
