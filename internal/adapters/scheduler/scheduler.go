package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs batch syncs on cron specs. A job whose previous run is still
// going is skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	entries int
}

// New builds a scheduler whose jobs run under ctx.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cron.DiscardLogger)),
		ctx:  ctx,
	}
}

// Add registers a job. An empty spec disables it.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		log.Info().Str("job", name).Msg("scheduled job disabled")
		return nil
	}
	_, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.entries++
	log.Info().Str("job", name).Str("spec", spec).Msg("scheduled job registered")
	return nil
}

// wrap adds the skip-if-running guard and logging around a job.
func (s *Scheduler) wrap(name string, job Job) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			log.Warn().Str("job", name).Msg("previous run still in progress, skipping")
			return
		}
		defer running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", name).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()

		if err := job(s.ctx); err != nil {
			log.Warn().Err(err).Str("job", name).Msg("scheduled job finished with error")
			return
		}
		log.Info().Str("job", name).Msg("scheduled job finished")
	}
}

// Len is the number of enabled jobs.
func (s *Scheduler) Len() int { return s.entries }

func (s *Scheduler) Start() {
	if s.entries == 0 {
		return
	}
	s.cron.Start()
	log.Info().Int("jobs", s.entries).Msg("scheduler started")
}

// Stop halts scheduling and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}
