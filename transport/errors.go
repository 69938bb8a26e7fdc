package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionSetup wraps any failure of the connect chain.
	ErrConnectionSetup = errors.New("transport: connection setup failed")
	// ErrConnectionLost fails requests published on a session that closed
	// before their reply arrived. The reply queue died with the session.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrUndeliverable fails requests the broker returned as unroutable.
	ErrUndeliverable = errors.New("transport: message undeliverable")
	// ErrUnknownResponse reports a reply nobody was waiting for, or one for a
	// function the service client cannot decode.
	ErrUnknownResponse = errors.New("transport: unknown response")
	// ErrNoReply fails a request whose reply frame decoded without producing a result.
	ErrNoReply = errors.New("transport: reply carried no result")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport: closed")
)

func setupError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectionSetup, step, err)
}

// EventKind classifies an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventUnexpectedClosure
	EventChannelError
	EventReconnectScheduled
	EventUnknownResponse
	EventUndeliverable
	EventDecodeError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventUnexpectedClosure:
		return "unexpected_closure"
	case EventChannelError:
		return "channel_error"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	case EventUnknownResponse:
		return "unknown_response"
	case EventUndeliverable:
		return "undeliverable"
	case EventDecodeError:
		return "decode_error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a non-fatal occurrence on a Conn. None of them stop the Conn; they
// exist so applications can log, alert or count them.
type Event struct {
	Kind    EventKind
	Seq     uint32        // EventUnknownResponse, EventUndeliverable
	Name    string        // function name, EventUnknownResponse
	Service string        // EventUndeliverable
	Attempt int           // EventReconnectScheduled, EventConnectFailed
	Delay   time.Duration // EventReconnectScheduled
	Err     error
}
