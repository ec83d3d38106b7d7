package supervisor

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the supervisor for the status file and
// the local debug endpoint.
type Status struct {
	SystemID string `json:"system_id"`
	Endpoint string `json:"endpoint"`
	State    State  `json:"state"`

	SessionID           string     `json:"session_id,omitempty"`
	ConnectedSince      *time.Time `json:"connected_since,omitempty"`
	LastSnapshotAt      *time.Time `json:"last_snapshot_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// StatusTracker records state transitions and fans out change
// notifications. Notifications coalesce: slow readers see the latest state,
// not every intermediate one.
type StatusTracker struct {
	mu      sync.Mutex
	status  Status
	updates chan struct{}
}

func NewStatusTracker(systemID, endpoint string) *StatusTracker {
	return &StatusTracker{
		status: Status{
			SystemID: systemID,
			Endpoint: endpoint,
			State:    Disconnected,
		},
		updates: make(chan struct{}, 1),
	}
}

func (t *StatusTracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *StatusTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.State
}

// Updates signals after every change. Capacity one; never blocks writers.
func (t *StatusTracker) Updates() <-chan struct{} {
	return t.updates
}

func (t *StatusTracker) SetState(s State) {
	t.mu.Lock()
	t.status.State = s
	if s != Connected {
		t.status.SessionID = ""
		t.status.ConnectedSince = nil
	}
	t.mu.Unlock()
	t.notify()
}

func (t *StatusTracker) NoteConnected(sessionID string) {
	now := time.Now()
	t.mu.Lock()
	t.status.State = Connected
	t.status.SessionID = sessionID
	t.status.ConnectedSince = &now
	t.status.ConsecutiveFailures = 0
	t.status.LastError = ""
	t.mu.Unlock()
	t.notify()
}

func (t *StatusTracker) NoteFailure(err error) {
	t.mu.Lock()
	t.status.ConsecutiveFailures++
	if err != nil {
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()
	t.notify()
}

func (t *StatusTracker) NoteSnapshot(at time.Time) {
	t.mu.Lock()
	t.status.LastSnapshotAt = &at
	t.mu.Unlock()
	t.notify()
}

func (t *StatusTracker) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}
