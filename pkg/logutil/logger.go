package logutil

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const (
	attrState = "state"
)

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

const (
	colorBlueIntense  = 12
	colorRedIntense   = 9
	colorGreenIntense = 10
	colorWhiteIntense = 15
)

func WithState(logger *slog.Logger, state string) *slog.Logger {
	return logger.With(attrState, state)
}

func init() {
	w := os.Stderr

	// Set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      LevelTrace,
			TimeFormat: time.Kitchen,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.LevelKey {
					level := attr.Value.Any().(slog.Level)
					switch {
					case level < LevelDebug:
						attr.Value = slog.StringValue("TRACE")
					}
				}

				if attr.Key == attrState {
					switch attr.Value.String() {
					case "connected":
						return tint.Attr(colorGreenIntense, attr)
					case "connecting":
						return tint.Attr(colorBlueIntense, attr)
					case "backoff":
						return tint.Attr(colorRedIntense, attr)
					case "disconnected":
						return tint.Attr(colorWhiteIntense, attr)
					}
				}
				return attr
			},
		}),
	))
}
