//go:build !linux

package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

// stubSampler is the fallback for platforms without a native collector.
// Identity still reports what the runtime knows; utilization counters are
// unavailable and surface as CollectionErrors each cycle.
type stubSampler struct {
	logger *slog.Logger
	opts   Options
	net    *netInfoReader
}

func NewSystem(logger *slog.Logger, opts Options) Sampler {
	o := opts.withDefaults()
	logger.With("os", runtime.GOOS).Warn("no native metric collector for this platform; utilization sampling disabled")
	return &stubSampler{
		logger: logger,
		opts:   o,
		net:    newNetInfoReader(logger, o.PublicIPURL),
	}
}

func (s *stubSampler) Identity(ctx context.Context) (*telemetry.Identity, error) {
	return &telemetry.Identity{
		Fingerprint: s.opts.Fingerprint,
		OS: telemetry.OSInfo{
			System:  runtime.GOOS,
			Machine: runtime.GOARCH,
		},
		CPU: telemetry.CPUInfo{
			PhysicalCores: runtime.NumCPU(),
			LogicalCores:  runtime.NumCPU(),
		},
		Network: s.net.read(ctx),
	}, nil
}

func (s *stubSampler) Snapshot(ctx context.Context) (*telemetry.Snapshot, error) {
	return nil, &CollectionError{
		Counter: "cpu",
		Err:     fmt.Errorf("%s is not supported yet", runtime.GOOS),
	}
}
