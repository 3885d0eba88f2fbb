package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// consumer is a long-running subscription loop.
type consumer interface {
	Run(ctx context.Context) error
}

type dependency struct {
	name string
	ping func(context.Context) error
}

type ServiceParams struct {
	Logger               *logger.Logger
	NotificationConsumer consumer
	AnalyticsWorker      consumer
	Dependencies         []dependency
}

// Service runs the confirmation email consumer and the order facts worker side by side.
type Service struct {
	logg         *logger.Logger
	consumers    map[string]consumer
	dependencies []dependency
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.NotificationConsumer == nil {
		return nil, errors.New("notification consumer is required")
	}
	if params.AnalyticsWorker == nil {
		return nil, errors.New("analytics worker is required")
	}
	return &Service{
		logg: params.Logger,
		consumers: map[string]consumer{
			"order-confirmation": params.NotificationConsumer,
			"order-facts":        params.AnalyticsWorker,
		},
		dependencies: params.Dependencies,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.dependencies {
		if err := dep.ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", dep.name), err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

// Run blocks until ctx is canceled or one consumer stops. A stopped consumer
// cancels the others so the process exits and gets restarted as a whole.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for name, c := range s.consumers {
		name, c := name, c
		group.Go(func() error {
			runCtx := s.logg.WithField(groupCtx, "consumer", name)
			s.logg.Info(runCtx, "consumer starting")
			err := c.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(runCtx, "consumer stopped unexpectedly", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			if ctx.Err() == nil {
				return fmt.Errorf("%s stopped", name)
			}
			return err
		})
	}
	err := group.Wait()
	if ctx.Err() != nil {
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	}
	return err
}
