package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned by writes after the connection started closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrBusy is reported when a turn arrives while another is in flight.
	ErrBusy = errors.New("session is busy with another turn")
	// ErrEmptyUtterance is reported when an utterance carries no audio or no speech.
	ErrEmptyUtterance = errors.New("empty utterance")
)

// TransportError wraps a read or write failure on the connection. It always
// ends the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
