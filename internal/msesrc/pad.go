package msesrc

import (
	"time"

	"github.com/jmylchreest/msebuf/internal/media"
)

// EventType names a downstream event.
type EventType string

// Downstream events, in the order an output first emits them.
const (
	EventStreamStart      EventType = "stream-start"
	EventCaps             EventType = "caps"
	EventSegment          EventType = "segment"
	EventStreamCollection EventType = "stream-collection"
	EventEOS              EventType = "eos"
	EventFlushStart       EventType = "flush-start"
	EventFlushStop        EventType = "flush-stop"
)

// Segment describes the timeline that following samples belong to.
type Segment struct {
	Start time.Duration
	// Duration is media.ClockTimeNone while unknown.
	Duration time.Duration
}

// StreamInfo announces one output in a stream collection.
type StreamInfo struct {
	ID   string
	Type media.TrackType
	Caps *media.Caps
}

// Event is delivered to a Pad ahead of, or instead of, samples.
type Event struct {
	Type EventType

	// StreamID and GroupID are set on EventStreamStart. Sibling outputs share
	// the group id.
	StreamID string
	GroupID  string

	Caps    *media.Caps  // EventCaps
	Segment Segment      // EventSegment
	Streams []StreamInfo // EventStreamCollection
}

// FlowReturn is the result of pushing a sample downstream.
type FlowReturn int

// Flow results. Anything but FlowOK pauses the output until the next seek.
const (
	FlowOK FlowReturn = iota
	FlowFlushing
	FlowNotLinked
	FlowEOS
	FlowError
)

func (f FlowReturn) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowFlushing:
		return "flushing"
	case FlowNotLinked:
		return "not-linked"
	case FlowEOS:
		return "eos"
	case FlowError:
		return "error"
	default:
		return "unknown"
	}
}

// Pad consumes the events and samples of one output. Calls for one output
// are serialized, except that flush events may arrive while Push runs.
type Pad interface {
	Event(ev Event)
	Push(s *media.Sample) FlowReturn
}

// ReadyState is the playback readiness derived from buffered media.
type ReadyState int

// Ready states, ordered.
const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

func (r ReadyState) String() string {
	switch r {
	case HaveMetadata:
		return "have-metadata"
	case HaveCurrentData:
		return "have-current-data"
	case HaveFutureData:
		return "have-future-data"
	case HaveEnoughData:
		return "have-enough-data"
	default:
		return "have-nothing"
	}
}
