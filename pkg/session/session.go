// Package session holds one WebSocket connection lifetime to the collector.
// A session moves Connecting -> Connected -> Closed and is never reopened;
// reconnecting means a new session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
	"github.com/hostpulse/hostpulse/pkg/util"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	commandTimeout   = 30 * time.Second
)

// ErrClosed is returned by Send once the session has terminated, locally or
// remotely.
var ErrClosed = errors.New("session closed")

// Session is one live connection to the collector.
type Session interface {
	// ID identifies this connection attempt in logs.
	ID() string
	// Send serializes env and writes it as one message. Fails with
	// ErrClosed after the session terminates.
	Send(ctx context.Context, env *telemetry.Envelope) error
	// Done is closed when the peer closes the connection or a read/write
	// fails. After Done, Err reports the cause.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens sessions. The supervisor holds one across reconnects; tests
// substitute a mock.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Session, error)
}

// CommandHandler reacts to collector-initiated messages read off the
// stream. Returned envelopes are sent back on the same session.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd telemetry.Command) []*telemetry.Envelope
}

// WebSocketDialer opens JSON-over-WebSocket sessions.
type WebSocketDialer struct {
	Logger  *slog.Logger
	Handler CommandHandler
}

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, credential string) (Session, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	s := &wsSession{
		id:      util.NewUUID(),
		logger:  d.Logger,
		handler: d.Handler,
		conn:    conn,
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	id      string
	logger  *slog.Logger
	handler CommandHandler
	conn    *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, env *telemetry.Envelope) error {
	select {
	case <-s.done:
		return fmt.Errorf("sending %s: %w", env.Type, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteJSON(env); err != nil {
		s.terminate(fmt.Errorf("sending %s: %w", env.Type, err))
		return err
	}
	return nil
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsSession) Close() error {
	s.wmu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()

	s.terminate(ErrClosed)
	return s.conn.Close()
}

// terminate records the first failure cause and releases Done waiters.
func (s *wsSession) terminate(cause error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = cause
	}
	s.errMu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// readLoop drains the connection. Its primary job is detecting remote
// closure; collector commands found along the way are dispatched to the
// handler and their replies written back.
func (s *wsSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.terminate(fmt.Errorf("connection closed by peer: %w", err))
			return
		}

		var cmd telemetry.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.With("err", err).Warn("discarding undecodable message")
			continue
		}
		if s.handler == nil {
			s.logger.With("type", cmd.Type).Debug("no command handler registered, ignoring")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		for _, reply := range s.handler.HandleCommand(ctx, cmd) {
			if err := s.Send(ctx, reply); err != nil {
				s.logger.With("err", err, "type", reply.Type).Warn("failed to reply to command")
				break
			}
		}
		cancel()
	}
}
