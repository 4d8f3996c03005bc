package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kzaytsev/frostview/internal/metrics"
)

// CycleFunc runs one ingestion cycle.
type CycleFunc func(ctx context.Context) error

// Scheduler repeats a cycle on a fixed wall-clock interval, blocking on each
// cycle's completion before sleeping. Ingestion is best effort: a failed or
// panicking cycle is logged and the loop keeps going.
type Scheduler struct {
	interval     time.Duration
	startupDelay time.Duration
	run          CycleFunc
	log          zerolog.Logger
}

// NewScheduler builds a scheduler around a cycle function.
func NewScheduler(interval, startupDelay time.Duration, run CycleFunc, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval:     interval,
		startupDelay: startupDelay,
		run:          run,
		log:          log.With().Str("component", "scheduler").Logger(),
	}
}

// Run loops until the context is cancelled. The startup delay gives dependent
// services (the database) time to come up before the first cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("loader started, waiting before first cycle")

	if err := sleepCtx(ctx, s.startupDelay); err != nil {
		return err
	}

	for {
		start := time.Now()
		s.log.Info().Msg("starting ingestion cycle")

		err := s.runOnce(ctx)
		elapsed := time.Since(start)
		metrics.CyclesTotal.Inc()
		metrics.CycleDuration.Observe(elapsed.Seconds())

		if err != nil {
			metrics.CycleErrors.Inc()
			s.log.Error().Err(err).Dur("elapsed", elapsed).Msg("ingestion cycle failed")
		} else {
			s.log.Info().Dur("elapsed", elapsed).Msg("ingestion cycle finished")
		}

		if err := sleepCtx(ctx, s.interval); err != nil {
			return err
		}
	}
}

// runOnce shields the loop from a panicking cycle.
func (s *Scheduler) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.run(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
