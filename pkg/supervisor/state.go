package supervisor

import "fmt"

// State is the connection lifecycle phase. Transitions:
//
//	Disconnected -> Connecting            on start
//	Connecting   -> Connected             open succeeded
//	Connecting   -> Backoff               open failed
//	Connected    -> Backoff               send failed or remote closed
//	Backoff      -> Connecting            delay elapsed
//
// Snapshots are only delivered while Connected; everywhere else they are
// dropped as perishable.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	case "backoff":
		*s = Backoff
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}
