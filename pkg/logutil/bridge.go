package logutil

import (
	"log/slog"

	"github.com/go-kit/log"
)

type slogWrapper struct {
	logger *slog.Logger
}

// Log satisfies go-kit's log.Logger so slog can back the dskit module
// manager. Keyvals are forwarded as slog attributes.
func (s *slogWrapper) Log(keyvals ...any) error {
	s.logger.Info("module manager", keyvals...)
	return nil
}

func NewGoKitBridge(logger *slog.Logger) log.Logger {
	return &slogWrapper{logger: logger}
}
