// Package svcwatch answers collector commands about the host's service
// units: listing them, watching a chosen set, and restarting one on
// request. Only systemd hosts are supported; other platforms reply with an
// error envelope instead of failing the stream.
package svcwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

// Runner executes a host command. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Manager struct {
	logger   *slog.Logger
	systemID string
	runner   Runner

	mu    sync.Mutex
	watch []string
}

func New(logger *slog.Logger, systemID string, initialWatch []string) *Manager {
	return &Manager{
		logger:   logger,
		systemID: systemID,
		runner:   execRunner{},
		watch:    initialWatch,
	}
}

// NewWithRunner is for tests.
func NewWithRunner(logger *slog.Logger, systemID string, runner Runner) *Manager {
	return &Manager{logger: logger, systemID: systemID, runner: runner}
}

// WatchedServices reports the status of every watched unit. Included in
// each usage envelope by the supervisor.
func (m *Manager) WatchedServices(ctx context.Context) []telemetry.ServiceStatus {
	m.mu.Lock()
	watch := append([]string(nil), m.watch...)
	m.mu.Unlock()

	if len(watch) == 0 {
		return nil
	}

	statuses := make([]telemetry.ServiceStatus, 0, len(watch))
	for _, name := range watch {
		statuses = append(statuses, m.unitStatus(ctx, name))
	}
	return statuses
}

// HandleCommand dispatches one collector-initiated message and returns the
// reply envelopes to send back on the same session.
func (m *Manager) HandleCommand(ctx context.Context, cmd telemetry.Command) []*telemetry.Envelope {
	switch cmd.Type {
	case telemetry.TypeGetServices:
		units, err := m.listUnits(ctx)
		if err != nil {
			m.logger.With("err", err).Warn("listing services failed")
			return []*telemetry.Envelope{m.errEnvelope(cmd.Type, err)}
		}
		env := m.envelope(cmd.Type)
		env.Services = units
		return []*telemetry.Envelope{env}

	case telemetry.TypeSetWatchServices:
		m.mu.Lock()
		m.watch = append([]string(nil), cmd.Services...)
		m.mu.Unlock()
		m.logger.With("services", strings.Join(cmd.Services, ",")).Info("watch list updated")
		return []*telemetry.Envelope{m.ackEnvelope(cmd.Type, "")}

	case telemetry.TypeRestartService:
		if cmd.Service == "" {
			return []*telemetry.Envelope{m.errEnvelope(cmd.Type, fmt.Errorf("missing service name"))}
		}
		if err := m.restartUnit(ctx, cmd.Service); err != nil {
			m.logger.With("service", cmd.Service, "err", err).Warn("restart failed")
			return []*telemetry.Envelope{m.errEnvelope(cmd.Type, err)}
		}
		m.logger.With("service", cmd.Service).Info("service restarted")
		return []*telemetry.Envelope{m.ackEnvelope(cmd.Type, fmt.Sprintf("service %s restarted", cmd.Service))}

	default:
		m.logger.With("type", cmd.Type).Debug("unknown command")
		return []*telemetry.Envelope{m.errEnvelope(cmd.Type, fmt.Errorf("unknown message type"))}
	}
}

func (m *Manager) listUnits(ctx context.Context) ([]telemetry.ServiceUnit, error) {
	if err := platformSupported(); err != nil {
		return nil, err
	}
	out, err := m.runner.Run(ctx, "systemctl",
		"list-units", "--type=service", "--all", "--no-pager", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	units := lo.FilterMap(lines, func(line string, _ int) (telemetry.ServiceUnit, bool) {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return telemetry.ServiceUnit{}, false
		}
		// Some systemd versions prefix inactive units with a marker glyph.
		if !strings.HasSuffix(fields[0], ".service") && len(fields) >= 5 {
			fields = fields[1:]
		}
		return telemetry.ServiceUnit{
			Name:   fields[0],
			Load:   fields[1],
			Active: fields[2],
			Sub:    fields[3],
		}, true
	})
	return units, nil
}

func (m *Manager) unitStatus(ctx context.Context, name string) telemetry.ServiceStatus {
	status := telemetry.ServiceStatus{Name: name}
	if err := platformSupported(); err != nil {
		status.StatusMessage = err.Error()
		return status
	}

	out, err := m.runner.Run(ctx, "systemctl", "status", name, "--no-pager")
	status.StatusMessage = string(out)
	if err != nil {
		// systemctl status exits non-zero for stopped units; the output
		// still tells the collector what it wants to know.
		status.IsRunning = false
		if len(out) == 0 {
			status.StatusMessage = err.Error()
		}
		return status
	}
	status.IsRunning = strings.Contains(string(out), "Active: active (running)")
	return status
}

func (m *Manager) restartUnit(ctx context.Context, name string) error {
	if err := platformSupported(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := m.runner.Run(ctx, "systemctl", "restart", name); err != nil {
		return fmt.Errorf("restarting %s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

func platformSupported() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%s is not supported yet", runtime.GOOS)
	}
	return nil
}

func (m *Manager) envelope(msgType string) *telemetry.Envelope {
	return &telemetry.Envelope{
		SystemID:  m.systemID,
		Timestamp: telemetry.UnixSeconds(time.Now()),
		Type:      msgType,
	}
}

func (m *Manager) ackEnvelope(msgType, msg string) *telemetry.Envelope {
	env := m.envelope(msgType)
	env.OK = msg
	if msg == "" {
		env.OK = "ok"
	}
	return env
}

func (m *Manager) errEnvelope(msgType string, err error) *telemetry.Envelope {
	env := m.envelope(msgType)
	env.Error = err.Error()
	return env
}
