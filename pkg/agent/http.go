package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"

	"github.com/hostpulse/hostpulse/pkg/supervisor"
)

// debugHTTPService serves the local status endpoint. Loopback-only by
// convention; it exposes no controls, just the same document as the status
// file.
type debugHTTPService struct {
	logger  *slog.Logger
	addr    string
	tracker *supervisor.StatusTracker

	srv *http.Server
	ln  net.Listener

	services.Service
}

func newDebugHTTPService(logger *slog.Logger, addr string, tracker *supervisor.StatusTracker) *debugHTTPService {
	d := &debugHTTPService{
		logger:  logger,
		addr:    addr,
		tracker: tracker,
	}
	d.Service = services.NewBasicService(d.starting, d.running, d.stopping)
	return d
}

func (d *debugHTTPService) configureRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", d.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet)
}

func (d *debugHTTPService) starting(_ context.Context) error {
	r := mux.NewRouter()
	d.configureRoutes(r)

	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.ln = ln
	d.srv = &http.Server{Handler: r}
	d.logger.With("addr", ln.Addr().String()).Info("debug endpoint listening")
	return nil
}

func (d *debugHTTPService) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.srv.Serve(d.ln)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (d *debugHTTPService) stopping(_ error) error {
	if d.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.srv.Shutdown(ctx)
}

func (d *debugHTTPService) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(d.tracker.State().String()))
}

func (d *debugHTTPService) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.tracker.Snapshot()); err != nil {
		d.logger.With("err", err).Warn("encoding status response")
	}
}
