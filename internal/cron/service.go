package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

const defaultInterval = 5 * time.Minute

// ServiceParams configure the maintenance loop.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.MaintenanceMetrics
	Interval time.Duration
}

// Service runs every registered job once per interval. Only the worker
// holding the maintenance lease runs a cycle and the others skip it.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.MaintenanceMetrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Lock == nil:
		return nil, errors.New("lock required")
	case params.Registry == nil:
		return nil, errors.New("job registry required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// JobResult is the outcome of one job within a cycle.
type JobResult struct {
	Job      string
	Duration time.Duration
	Err      error
}

// Report summarizes a cycle. Skipped is set when another worker held the
// lock, and HeldBy names it.
type Report struct {
	Skipped bool
	HeldBy  string
	Results []JobResult
}

// Err combines the failures of every job in the cycle.
func (r Report) Err() error {
	var err error
	for _, res := range r.Results {
		if res.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", res.Job, res.Err))
		}
	}
	return err
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"jobs":     s.registry.Names(),
		"interval": s.interval.String(),
	}), "maintenance loop starting")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logg.Error(ctx, "maintenance cycle failed", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle. A failing job does not stop the jobs after it;
// the returned error only reports a lock failure.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	lease, err := s.lock.Acquire(ctx)
	var held *HeldError
	if errors.As(err, &held) {
		s.metrics.IncCycle(metrics.CycleSkipped)
		s.logg.Info(s.logg.WithField(ctx, "lock_holder", held.Holder), "maintenance lock held elsewhere, skipping cycle")
		return Report{Skipped: true, HeldBy: held.Holder}, nil
	}
	if err != nil {
		s.metrics.IncCycle(metrics.CycleLockError)
		return Report{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "release maintenance lock", err)
		}
	}()

	report := Report{}
	for _, job := range s.registry.Jobs() {
		report.Results = append(report.Results, s.runJob(ctx, job))
	}
	s.metrics.IncCycle(metrics.CycleRan)

	if err := report.Err(); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "failures", len(multierr.Errors(err))), "maintenance cycle finished with failures")
	} else {
		s.logg.Info(ctx, "maintenance cycle complete")
	}
	return report, nil
}

func (s *Service) runJob(ctx context.Context, job Job) JobResult {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	start := time.Now()
	err := job.Run(jobCtx)
	took := time.Since(start)
	s.metrics.ObserveJob(job.Name(), took, err)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", took.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "maintenance job failed", err)
	} else {
		s.logg.Info(jobCtx, "maintenance job done")
	}
	return JobResult{Job: job.Name(), Duration: took, Err: err}
}
