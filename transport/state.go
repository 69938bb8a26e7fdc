package transport

import "fmt"

// State is the connection state of a Conn.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
