// The loader is the long-lived ingestion daemon: it syncs the FROST entity
// catalog and folds new observations into hourly aggregates on a fixed
// schedule.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kzaytsev/frostview/internal/config"
	"github.com/kzaytsev/frostview/internal/frost"
	"github.com/kzaytsev/frostview/internal/ingest"
	"github.com/kzaytsev/frostview/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("loader failed")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadLoader()
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

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	client := frost.NewClient(cfg.FrostURL, cfg.PageTimeout, log)

	overrides := make([]ingest.ComponentOverride, 0, len(cfg.ComponentProps))
	for _, p := range cfg.ComponentProps {
		overrides = append(overrides, ingest.ComponentOverride{Name: p.Name, Unit: p.Unit})
	}

	orch := ingest.NewOrchestrator(client, st, st, ingest.Options{
		BatchSize:          cfg.BatchSize,
		StartFrom:          cfg.StartFrom,
		TargetLocations:    cfg.TargetLocations,
		ComponentOverrides: overrides,
	}, log)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	log.Info().Str("frost_url", cfg.FrostURL).Msg("starting ingestion loop")
	sched := ingest.NewScheduler(cfg.LoadInterval, cfg.StartupDelay, orch.RunCycle, log)
	return sched.Run(ctx)
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
