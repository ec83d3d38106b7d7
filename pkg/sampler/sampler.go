// Package sampler reads hardware identity and live utilization from the
// host. Platform differences live behind the Sampler interface; the rest of
// the agent never touches OS counters directly.
package sampler

import (
	"context"
	"fmt"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

// Sampler is the host-metric capability the scheduler consumes.
//
// Both methods are pure with respect to external inputs: the same host
// state yields equivalent output within measurement tolerance. Snapshot may
// keep hidden per-instance state (previous CPU counters) to compute deltas;
// that state is never exposed.
type Sampler interface {
	// Identity reads the host's hardware and software facts. Called once
	// per connection establishment; re-read on reconnect in case hardware
	// changed.
	Identity(ctx context.Context) (*telemetry.Identity, error)

	// Snapshot reads instantaneous utilization. CPU percentage is computed
	// from a delta over a short window, never a single counter read.
	Snapshot(ctx context.Context) (*telemetry.Snapshot, error)
}

// CollectionError reports that a required host counter could not be read
// this cycle. It is recoverable: the caller logs it, skips the cycle, and
// tries again next time.
type CollectionError struct {
	Counter string
	Err     error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collecting %s: %v", e.Counter, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}
