package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/athariqk/gomssync/ctsync"
	"github.com/athariqk/gomssync/ddlevents"
	"github.com/athariqk/gomssync/state"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := ctsync.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("env", cfg.Env).Msg("environment loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("connecting to primary")
	primary, err := openPool(ctx, cfg.PrimaryURL)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open primary database")
	}
	defer primary.Close()

	log.Info().Msg("connecting to replica")
	replica, err := openPool(ctx, cfg.ReplicaURL)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open replica database")
	}
	defer replica.Close()

	log.Info().Msg("connecting to state store")
	store, err := state.Open(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot reach state store")
	}
	defer store.Close()

	consumer := ddlevents.NewConsumer(primary, replica, store, log)
	go consumer.Run(ctx)

	coordinator := ctsync.NewCoordinator(cfg, primary, replica, store, log)
	if err := coordinator.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("coordinator failed")
	}

	log.Info().Msg("shutdown complete")
}

func openPool(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
