// Package agent is the composition root: it wires the sampler, scheduler,
// supervisor, and the optional status surfaces together and runs them as
// one process-wide service tree.
package agent

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/hostpulse/hostpulse/pkg/config"
	"github.com/hostpulse/hostpulse/pkg/ident"
	"github.com/hostpulse/hostpulse/pkg/logutil"
	"github.com/hostpulse/hostpulse/pkg/pipeline"
	"github.com/hostpulse/hostpulse/pkg/sampler"
	"github.com/hostpulse/hostpulse/pkg/scheduler"
	"github.com/hostpulse/hostpulse/pkg/session"
	"github.com/hostpulse/hostpulse/pkg/supervisor"
	"github.com/hostpulse/hostpulse/pkg/svcwatch"
)

// The modules that make up the agent.
const (
	All        = "all"
	Scheduler  = "scheduler"
	Supervisor = "supervisor"
	StatusFile = "status-file"
	DebugHTTP  = "debug-http"
)

type Agent struct {
	logger *slog.Logger
	cfg    *config.Config

	mm   *modules.Manager
	deps map[string][]string

	pipe    *pipeline.Pipeline
	sampler sampler.Sampler
	watch   *svcwatch.Manager
	sup     *supervisor.Supervisor

	serviceMap map[string]services.Service
}

func New(cfg *config.Config) (*Agent, error) {
	l := slog.Default()
	a := &Agent{
		logger: l,
		cfg:    cfg,
		pipe:   pipeline.New(),
	}

	fingerprint := ""
	if fp, err := ident.FromMacs(sha256.New(), cfg.SystemID); err == nil {
		fingerprint = fp.Hex()
	} else {
		l.With("err", err).Warn("machine fingerprint unavailable")
	}

	a.sampler = sampler.NewSystem(
		l.With("component", "sampler"),
		sampler.Options{Fingerprint: fingerprint},
	)
	a.watch = svcwatch.New(l.With("component", "svcwatch"), cfg.SystemID, cfg.WatchServices)

	dialer := &session.WebSocketDialer{
		Logger:  l.With("component", "session"),
		Handler: a.watch,
	}
	a.sup = supervisor.New(
		l.With("component", "supervisor"),
		supervisor.Config{
			Endpoint:   cfg.URL,
			Credential: cfg.APIKey,
			SystemID:   cfg.SystemID,
		},
		dialer,
		a.pipe,
		a.watch,
	)

	if err := a.setupModuleManager(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) setupModuleManager() error {
	mm := modules.NewManager(logutil.NewGoKitBridge(a.logger.With("component", "modules")))
	mm.RegisterModule(All, nil)

	mm.RegisterModule(Scheduler, func() (services.Service, error) {
		return scheduler.New(
			a.logger.With("service", Scheduler),
			a.sampler,
			a.pipe,
			a.cfg.SamplingInterval(),
		), nil
	})
	mm.RegisterModule(Supervisor, func() (services.Service, error) {
		return a.sup, nil
	})

	allDeps := []string{Scheduler, Supervisor}

	if a.cfg.StatusFile != "" {
		mm.RegisterModule(StatusFile, func() (services.Service, error) {
			return newStatusFileService(
				a.logger.With("service", StatusFile),
				a.cfg.StatusFile,
				a.sup.Status(),
			), nil
		})
		allDeps = append(allDeps, StatusFile)
	}
	if a.cfg.ListenAddr != "" {
		mm.RegisterModule(DebugHTTP, func() (services.Service, error) {
			return newDebugHTTPService(
				a.logger.With("service", DebugHTTP),
				a.cfg.ListenAddr,
				a.sup.Status(),
			), nil
		})
		allDeps = append(allDeps, DebugHTTP)
	}

	deps := map[string][]string{
		All: allDeps,
	}
	for name, d := range deps {
		if err := mm.AddDependency(name, d...); err != nil {
			return err
		}
	}

	a.mm = mm
	a.deps = deps
	return nil
}

// Run starts every module and blocks until shutdown is requested through
// ctx or a module fails.
func (a *Agent) Run(ctx context.Context) error {
	svcMap, err := a.mm.InitModuleServices(All)
	if err != nil {
		return err
	}
	a.serviceMap = svcMap

	mgr, err := services.NewManager(slices.Collect(maps.Values(svcMap))...)
	if err != nil {
		a.logger.With("err", err).Error("failed to build service manager")
		return err
	}

	servicesFailed := func(service services.Service) {
		mgr.StopAsync()

		for m, s := range svcMap {
			if s == service {
				a.logger.With(
					"module", m,
				).With(
					"error", service.FailureCase(),
				).Error("module failed")
				return
			}
		}
		a.logger.With("module", "unknown").With("error", service.FailureCase()).Error("module failed")
	}

	mgr.AddListener(services.NewManagerListener(
		func() {},
		func() {},
		servicesFailed,
	))

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown requested, stopping modules")
		mgr.StopAsync()
	}()

	if err := mgr.StartAsync(context.Background()); err != nil {
		return err
	}
	if err := mgr.AwaitStopped(context.Background()); err != nil {
		return err
	}

	if failed := mgr.ServicesByState()[services.Failed]; len(failed) > 0 {
		return fmt.Errorf("agent modules failed")
	}
	return nil
}
