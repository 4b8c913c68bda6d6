package subscription

import (
	"fmt"
	"time"
)

// State is the connection state of the account stream.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	// StateFailed is terminal. It is entered on shutdown or when the
	// configured reconnect attempts run out.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the state machine. Attempt and Delay are set while
// reconnecting; Err holds the failure that caused the transition.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
	Since   time.Time
}

func (s Status) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.Delay)
	}
	return s.State.String()
}

// ConnectionError reports a dropped or failed stream connection.
type ConnectionError struct {
	URL string
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscribeError reports an accountSubscribe request the node rejected.
type SubscribeError struct {
	Address string
	Err     error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s rejected: %v", e.Address, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }
