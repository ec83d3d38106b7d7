package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/grafana/dskit/services"
	"github.com/natefinch/atomic"

	"github.com/hostpulse/hostpulse/pkg/supervisor"
)

// statusFileService mirrors the supervisor's status into a small JSON file
// so operators can inspect the agent without attaching to it. Writes are
// atomic; readers never see a torn document.
type statusFileService struct {
	logger  *slog.Logger
	path    string
	tracker *supervisor.StatusTracker

	services.Service
}

func newStatusFileService(logger *slog.Logger, path string, tracker *supervisor.StatusTracker) *statusFileService {
	s := &statusFileService{
		logger:  logger,
		path:    path,
		tracker: tracker,
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

func (s *statusFileService) running(ctx context.Context) error {
	s.write()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.tracker.Updates():
			s.write()
		}
	}
}

func (s *statusFileService) stopping(_ error) error {
	// Final write so the file reflects the shutdown state.
	s.write()
	return nil
}

func (s *statusFileService) write() {
	doc, err := json.MarshalIndent(s.tracker.Snapshot(), "", "  ")
	if err != nil {
		s.logger.With("err", err).Error("encoding status")
		return
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(doc)); err != nil {
		s.logger.With("err", err, "path", s.path).Warn("writing status file")
	}
}
