// Package scheduler drives sampling at the configured cadence and feeds
// the pipeline. It decides how often fresh data is wanted; whether it can
// currently be delivered is the supervisor's problem.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/hostpulse/hostpulse/pkg/pipeline"
	"github.com/hostpulse/hostpulse/pkg/sampler"
)

type Scheduler struct {
	logger   *slog.Logger
	sampler  sampler.Sampler
	pipe     *pipeline.Pipeline
	interval time.Duration

	services.Service
}

func New(
	logger *slog.Logger,
	smp sampler.Sampler,
	pipe *pipeline.Pipeline,
	interval time.Duration,
) *Scheduler {
	s := &Scheduler{
		logger:   logger,
		sampler:  smp,
		pipe:     pipe,
		interval: interval,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Scheduler) running(ctx context.Context) error {
	// First snapshot fires immediately; every later one is at least one
	// interval after the previous emission finished.
	timer := time.NewTimer(0)
	defer timer.Stop()

	// Set when an identity request arrived but the read failed; retried on
	// the next tick so the supervisor is never left waiting forever.
	identityPending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.pipe.IdentityRequests():
			identityPending = !s.emitIdentity(ctx)

		case <-timer.C:
			if identityPending {
				identityPending = !s.emitIdentity(ctx)
			}
			s.emitSnapshot(ctx)
			timer.Reset(s.interval)
		}
	}
}

// emitIdentity reads and offers a fresh identity. Reports whether the read
// succeeded; collection failures are logged and retried later.
func (s *Scheduler) emitIdentity(ctx context.Context) bool {
	id, err := s.sampler.Identity(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		s.logger.With("err", err).Warn("identity read failed, will retry")
		return false
	}
	s.pipe.OfferIdentity(id)
	return true
}

func (s *Scheduler) emitSnapshot(ctx context.Context) {
	snap, err := s.sampler.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Recoverable: skip this cycle, keep sampling.
		s.logger.With("err", err).Warn("snapshot skipped")
		return
	}
	s.pipe.OfferSnapshot(snap)
}
