package pipeline

import (
	"fmt"

	"github.com/harun/avatarcore/pkg/handlers"
)

// State is the lifecycle position of a segment.
type State int

const (
	StatePending State = iota
	StateSynthesizing
	StateRendering
	StateReady
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSynthesizing:
		return "synthesizing"
	case StateRendering:
		return "rendering"
	case StateReady:
		return "ready"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Segment is one finished text unit on its way to media. A segment belongs to
// its worker task until it is handed to the delivery goroutine.
type Segment struct {
	Sequence int
	Text     string
	State    State
	Audio    handlers.Audio
	Video    handlers.Video
	Err      *SegmentError
}

// SegmentError reports a segment that produced no media. It occupies the
// segment's slot in delivery order.
type SegmentError struct {
	Sequence int
	Stage    string
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d failed at %s: %v", e.Sequence, e.Stage, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }
