package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive rejects a second session for an identity.
	ErrAlreadyActive = errors.New("session already active")
	// ErrNotFound is returned for identities or ids with no live session.
	ErrNotFound = errors.New("session not found")
	// ErrAudioOverflow is returned when an utterance exceeds the audio buffer.
	ErrAudioOverflow = errors.New("audio buffer full")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrInvalidIdentity rejects identities that cannot key a session.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ResourceExhaustedError reports that memory stayed above the hard ceiling and
// no session could be evicted to make room.
type ResourceExhaustedError struct {
	Usage   uint64
	Ceiling uint64
}

func (e *ResourceExhaustedError) Ratio() float64 {
	if e.Ceiling == 0 {
		return 0
	}
	return float64(e.Usage) / float64(e.Ceiling)
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("memory exhausted: %d of %d bytes (%.0f%%), no idle session to evict",
		e.Usage, e.Ceiling, e.Ratio()*100)
}
