// The api binary serves the read-only dashboard endpoints over the
// aggregated tables.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/kzaytsev/frostview/internal/api"
	"github.com/kzaytsev/frostview/internal/config"
	"github.com/kzaytsev/frostview/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadAPI()
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer st.Close()

	server := api.New(cfg, st, log)
	log.Info().Str("addr", cfg.ListenAddr()).Msg("api listening")
	return server.Run(ctx)
}
