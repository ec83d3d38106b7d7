// Package supervisor owns the connection lifecycle: it is the only
// component that knows about failure and retry. Sessions come and go; the
// supervisor retries forever.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grafana/dskit/services"

	"github.com/hostpulse/hostpulse/pkg/logutil"
	"github.com/hostpulse/hostpulse/pkg/pipeline"
	"github.com/hostpulse/hostpulse/pkg/session"
	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = time.Minute
)

// WatchedServicesProvider supplies the status of collector-watched service
// units for inclusion in usage envelopes. Optional.
type WatchedServicesProvider interface {
	WatchedServices(ctx context.Context) []telemetry.ServiceStatus
}

type Config struct {
	Endpoint   string
	Credential string
	SystemID   string

	// BackoffBase and BackoffMax bound the exponential reconnect delay.
	// Zero values take the defaults.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Supervisor struct {
	logger  *slog.Logger
	cfg     Config
	dialer  session.Dialer
	pipe    *pipeline.Pipeline
	watched WatchedServicesProvider

	status *StatusTracker
	services.Service
}

func New(
	logger *slog.Logger,
	cfg Config,
	dialer session.Dialer,
	pipe *pipeline.Pipeline,
	watched WatchedServicesProvider,
) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	s := &Supervisor{
		logger:  logger,
		cfg:     cfg,
		dialer:  dialer,
		pipe:    pipe,
		watched: watched,
		status:  NewStatusTracker(cfg.SystemID, cfg.Endpoint),
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

// Status exposes the tracker for the status file and debug endpoint.
func (s *Supervisor) Status() *StatusTracker {
	return s.status
}

func (s *Supervisor) running(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffMax
	bo.MaxElapsedTime = 0 // never give up
	// Deterministic growth: delays never shrink between failures.
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		s.status.SetState(Connecting)
		logutil.WithState(s.logger, Connecting.String()).
			With("endpoint", s.cfg.Endpoint).Debug("opening session")

		sess, err := s.dialer.Dial(ctx, s.cfg.Endpoint, s.cfg.Credential)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.status.NoteFailure(err)
			if !s.waitBackoff(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		// Reset-to-base happens immediately on reaching Connected.
		bo.Reset()
		s.status.NoteConnected(sess.ID())
		logutil.WithState(s.logger, Connected.String()).
			With("session", sess.ID()).Info("connected to collector")

		err = s.pump(ctx, sess)
		_ = sess.Close()
		if ctx.Err() != nil {
			logutil.WithState(s.logger, Disconnected.String()).Info("session released for shutdown")
			s.status.SetState(Disconnected)
			return nil
		}

		s.status.NoteFailure(err)
		if !s.waitBackoff(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

// pump runs one connected session: one fresh identity first, then
// snapshots until the session dies or shutdown is requested.
func (s *Supervisor) pump(ctx context.Context, sess session.Session) error {
	// Anything sampled before or during the outage is stale by now.
	s.pipe.Reset()
	s.pipe.RequestIdentity()

	var id *telemetry.Identity
	select {
	case id = <-s.pipe.IdentityChan():
	case <-sess.Done():
		return sess.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sess.Send(ctx, s.identityEnvelope(id)); err != nil {
		return err
	}
	s.logger.With("session", sess.ID()).Debug("identity reported")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return sess.Err()
		case snap := <-s.pipe.SnapshotChan():
			if err := sess.Send(ctx, s.usageEnvelope(ctx, snap)); err != nil {
				return err
			}
			s.status.NoteSnapshot(snap.Timestamp)
		}
	}
}

func (s *Supervisor) waitBackoff(ctx context.Context, delay time.Duration) bool {
	s.status.SetState(Backoff)

	st := s.status.Snapshot()
	l := logutil.WithState(s.logger, Backoff.String()).
		With("delay", delay).With("failures", st.ConsecutiveFailures)
	if st.LastError != "" {
		l = l.With("err", st.LastError)
	}
	l.Warn("connection lost, retrying")

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) identityEnvelope(id *telemetry.Identity) *telemetry.Envelope {
	return &telemetry.Envelope{
		SystemID:  s.cfg.SystemID,
		Timestamp: telemetry.UnixSeconds(time.Now()),
		Type:      telemetry.TypeHardwareInfo,
		Hardware:  id,
	}
}

func (s *Supervisor) usageEnvelope(ctx context.Context, snap *telemetry.Snapshot) *telemetry.Envelope {
	env := &telemetry.Envelope{
		SystemID:  s.cfg.SystemID,
		Timestamp: telemetry.UnixSeconds(snap.Timestamp),
		Type:      telemetry.TypeUsageInfo,
		Usage:     &snap.Usage,
	}
	if s.watched != nil {
		env.WatchedServices = s.watched.WatchedServices(ctx)
	}
	return env
}
