package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/pkg/pipeline"
	"github.com/hostpulse/hostpulse/pkg/session"
	"github.com/hostpulse/hostpulse/pkg/supervisor"
	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

// mockSession accepts a bounded number of envelopes and then behaves like a
// peer that hung up.
type mockSession struct {
	id    string
	limit int // envelopes accepted before closing; 0 means unlimited

	mu   sync.Mutex
	sent []telemetry.Envelope

	done chan struct{}
	once sync.Once
	err  error
}

func newMockSession(id string, limit int) *mockSession {
	return &mockSession{id: id, limit: limit, done: make(chan struct{})}
}

func (m *mockSession) ID() string { return m.id }

func (m *mockSession) Send(_ context.Context, env *telemetry.Envelope) error {
	select {
	case <-m.done:
		return session.ErrClosed
	default:
	}
	m.mu.Lock()
	m.sent = append(m.sent, *env)
	n := len(m.sent)
	m.mu.Unlock()
	if m.limit > 0 && n >= m.limit {
		m.terminate(errors.New("connection reset by peer"))
	}
	return nil
}

func (m *mockSession) Done() <-chan struct{} { return m.done }

func (m *mockSession) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockSession) Close() error {
	m.terminate(session.ErrClosed)
	return nil
}

func (m *mockSession) terminate(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
}

func (m *mockSession) envelopes() []telemetry.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.Envelope(nil), m.sent...)
}

// mockDialer fails the first `failures` attempts, then hands out sessions
// with the configured envelope limit.
type mockDialer struct {
	failures     int
	sessionLimit int

	mu        sync.Mutex
	dialTimes []time.Time
	sessions  []*mockSession
}

func (d *mockDialer) Dial(_ context.Context, _, _ string) (session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialTimes = append(d.dialTimes, time.Now())
	if len(d.dialTimes) <= d.failures {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	s := newMockSession(fmt.Sprintf("sess-%d", len(d.sessions)+1), d.sessionLimit)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *mockDialer) snapshot() ([]time.Time, []*mockSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialTimes...), append([]*mockSession(nil), d.sessions...)
}

// runFakeScheduler services identity requests with numbered identities and
// offers snapshots continuously, the way the real scheduler would.
func runFakeScheduler(t *testing.T, pipe *pipeline.Pipeline, snapshotEvery time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		n := 0
		ticker := time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pipe.IdentityRequests():
				n++
				pipe.OfferIdentity(&telemetry.Identity{Fingerprint: fmt.Sprintf("id-%d", n)})
			case <-ticker.C:
				pipe.OfferSnapshot(&telemetry.Snapshot{Timestamp: time.Now()})
			}
		}
	}()
}

func startSupervisor(t *testing.T, sup *supervisor.Supervisor) {
	t.Helper()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), sup))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), sup))
	})
}

func testConfig() supervisor.Config {
	return supervisor.Config{
		Endpoint:    "wss://collector.example.com/ws",
		SystemID:    "M1",
		BackoffBase: 15 * time.Millisecond,
		BackoffMax:  60 * time.Millisecond,
	}
}

func TestSupervisor_IdentityFirstThenSnapshots(t *testing.T) {
	pipe := pipeline.New()
	runFakeScheduler(t, pipe, 5*time.Millisecond)
	dialer := &mockDialer{}
	sup := supervisor.New(slog.Default(), testConfig(), dialer, pipe, nil)

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		_, sessions := dialer.snapshot()
		return len(sessions) == 1 && len(sessions[0].envelopes()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	_, sessions := dialer.snapshot()
	envs := sessions[0].envelopes()
	assert.Equal(t, telemetry.TypeHardwareInfo, envs[0].Type, "identity must be the first message")
	assert.Equal(t, "M1", envs[0].SystemID)
	for _, env := range envs[1:] {
		assert.Equal(t, telemetry.TypeUsageInfo, env.Type)
	}
}

// A collector that accepts the identity plus three snapshots and then hangs
// up: the supervisor must notice the closure, back off, and open the next
// session with exactly one fresh identity before any snapshot.
func TestSupervisor_ReconnectResendsFreshIdentity(t *testing.T) {
	pipe := pipeline.New()
	runFakeScheduler(t, pipe, 5*time.Millisecond)
	dialer := &mockDialer{sessionLimit: 4} // identity + 3 snapshots
	sup := supervisor.New(slog.Default(), testConfig(), dialer, pipe, nil)

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		_, sessions := dialer.snapshot()
		return len(sessions) >= 2 && len(sessions[1].envelopes()) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	_, sessions := dialer.snapshot()

	first := sessions[0].envelopes()
	require.Len(t, first, 4)
	assert.Equal(t, telemetry.TypeHardwareInfo, first[0].Type)

	second := sessions[1].envelopes()
	assert.Equal(t, telemetry.TypeHardwareInfo, second[0].Type,
		"every new session starts with an identity")
	assert.NotEqual(t, first[0].Hardware.Fingerprint, second[0].Hardware.Fingerprint,
		"identity must be re-read, not replayed")

	identityCount := 0
	for _, env := range second {
		if env.Type == telemetry.TypeHardwareInfo {
			identityCount++
		}
	}
	assert.Equal(t, 1, identityCount, "exactly one identity per connection")
}

func TestSupervisor_BackoffGrowsAndIsCapped(t *testing.T) {
	pipe := pipeline.New()
	runFakeScheduler(t, pipe, 5*time.Millisecond)
	cfg := testConfig()
	dialer := &mockDialer{failures: 1 << 30} // never connects
	sup := supervisor.New(slog.Default(), cfg, dialer, pipe, nil)

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		times, _ := dialer.snapshot()
		return len(times) >= 7
	}, 5*time.Second, 5*time.Millisecond)

	times, _ := dialer.snapshot()
	const tolerance = 10 * time.Millisecond
	var prev time.Duration
	for i := 1; i < 7; i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, prev-tolerance, "delay %d shrank", i)
		assert.LessOrEqual(t, gap, cfg.BackoffMax+50*time.Millisecond, "delay %d above cap", i)
		prev = gap
	}

	assert.Contains(t,
		[]supervisor.State{supervisor.Connecting, supervisor.Backoff},
		sup.Status().State())
	assert.GreaterOrEqual(t, sup.Status().Snapshot().ConsecutiveFailures, 6)
}

func TestSupervisor_BackoffResetsAfterConnect(t *testing.T) {
	pipe := pipeline.New()
	runFakeScheduler(t, pipe, 5*time.Millisecond)
	cfg := testConfig()
	// Fail enough times to grow the delay well past base, then accept a
	// short-lived session, then observe the post-success delay.
	dialer := &mockDialer{failures: 4, sessionLimit: 2}
	sup := supervisor.New(slog.Default(), cfg, dialer, pipe, nil)

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		times, _ := dialer.snapshot()
		return len(times) >= 6
	}, 5*time.Second, 5*time.Millisecond)

	_, sessions := dialer.snapshot()
	require.NotEmpty(t, sessions)

	times, _ := dialer.snapshot()
	// times[4] is the successful dial; times[5] follows the session's
	// death after ~2 quick sends, delayed only by the reset base backoff.
	postSuccess := times[5].Sub(times[4])
	assert.Less(t, postSuccess, cfg.BackoffBase*4,
		"backoff must return to base after a successful connection")
}

func TestSupervisor_NoIdentityRequestWhileDisconnected(t *testing.T) {
	pipe := pipeline.New()
	dialer := &mockDialer{failures: 1 << 30}
	sup := supervisor.New(slog.Default(), testConfig(), dialer, pipe, nil)

	startSupervisor(t, sup)
	time.Sleep(150 * time.Millisecond)

	select {
	case <-pipe.IdentityRequests():
		t.Fatal("identity requested without a Connected transition")
	default:
	}
}

func TestSupervisor_StaleSnapshotsDroppedOnConnect(t *testing.T) {
	pipe := pipeline.New()
	// Park a pre-outage snapshot in the slot before anything connects.
	stale := &telemetry.Snapshot{Timestamp: time.Now().Add(-time.Hour)}
	pipe.OfferSnapshot(stale)

	// No ticker here: the only fresh snapshot appears after the identity
	// request, so the stale one can only vanish via the reconnect reset.
	go func() {
		<-pipe.IdentityRequests()
		pipe.OfferIdentity(&telemetry.Identity{Fingerprint: "id-1"})
		time.Sleep(10 * time.Millisecond)
		pipe.OfferSnapshot(&telemetry.Snapshot{Timestamp: time.Now()})
	}()
	dialer := &mockDialer{}
	sup := supervisor.New(slog.Default(), testConfig(), dialer, pipe, nil)

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		_, sessions := dialer.snapshot()
		return len(sessions) == 1 && len(sessions[0].envelopes()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	_, sessions := dialer.snapshot()
	for _, env := range sessions[0].envelopes() {
		if env.Type != telemetry.TypeUsageInfo {
			continue
		}
		age := time.Since(time.Unix(int64(env.Timestamp), 0))
		assert.Less(t, age, time.Minute, "stale snapshot leaked through reconnect")
	}
}

type fakeWatched struct{}

func (fakeWatched) WatchedServices(_ context.Context) []telemetry.ServiceStatus {
	return []telemetry.ServiceStatus{{Name: "nginx.service", IsRunning: true}}
}

func TestSupervisor_UsageCarriesWatchedServices(t *testing.T) {
	pipe := pipeline.New()
	runFakeScheduler(t, pipe, 5*time.Millisecond)
	dialer := &mockDialer{}
	sup := supervisor.New(slog.Default(), testConfig(), dialer, pipe, fakeWatched{})

	startSupervisor(t, sup)

	require.Eventually(t, func() bool {
		_, sessions := dialer.snapshot()
		return len(sessions) == 1 && len(sessions[0].envelopes()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	_, sessions := dialer.snapshot()
	envs := sessions[0].envelopes()
	require.Equal(t, telemetry.TypeUsageInfo, envs[1].Type)
	require.Len(t, envs[1].WatchedServices, 1)
	assert.Equal(t, "nginx.service", envs[1].WatchedServices[0].Name)
}

func TestSupervisor_StopsPromptlyDuringBackoff(t *testing.T) {
	pipe := pipeline.New()
	cfg := testConfig()
	cfg.BackoffBase = 30 * time.Second // park it deep in a backoff wait
	cfg.BackoffMax = time.Minute
	dialer := &mockDialer{failures: 1 << 30}
	sup := supervisor.New(slog.Default(), cfg, dialer, pipe, nil)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), sup))
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- services.StopAndAwaitTerminated(context.Background(), sup)
	}()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop during backoff")
	}
}
