package domain

import "fmt"

// ConnState is the lifecycle state of one upstream connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether the state counts as the current connection.
func (s ConnState) Live() bool {
	return s == StateConnecting || s == StateOpen
}

// CanTransition reports whether from -> to is a legal move. Closed is terminal.
func CanTransition(from, to ConnState) bool {
	switch from {
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// Close codes follow the WebSocket numbering used by sensor apps.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Close reasons recorded on ConnectionEvent.
const (
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"
)

type ConnEventKind int

const (
	ConnOpened ConnEventKind = iota
	ConnClosed
	ConnErrored
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnOpened:
		return "opened"
	case ConnClosed:
		return "closed"
	case ConnErrored:
		return "errored"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectionEvent reports a lifecycle change of an upstream connection.
// Frame is set on Errored events raised for a single malformed payload;
// those do not change the connection state.
type ConnectionEvent struct {
	Kind         ConnEventKind
	ConnectionID uint64
	SourceType   string
	Address      string
	Code         int
	Reason       string
	Message      string
	Frame        bool
}

// Event is one element of the upstream stream: either a Reading or a
// ConnectionEvent, never both.
type Event struct {
	Reading *Reading
	Conn    *ConnectionEvent
}
