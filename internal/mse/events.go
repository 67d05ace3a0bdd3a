package mse

import (
	"sync"

	"github.com/jmylchreest/msebuf/internal/eventqueue"
)

// EventType names a notification.
type EventType string

// SourceBuffer events.
const (
	EventUpdateStart         EventType = "updatestart"
	EventUpdate              EventType = "update"
	EventUpdateEnd           EventType = "updateend"
	EventError               EventType = "error"
	EventAbort               EventType = "abort"
	EventInitSegmentReceived EventType = "initsegmentreceived"
)

// MediaSource events.
const (
	EventSourceOpen  EventType = "sourceopen"
	EventSourceEnded EventType = "sourceended"
	EventSourceClose EventType = "sourceclose"
)

// SourceBufferList events.
const (
	EventSourceBufferAdded   EventType = "addsourcebuffer"
	EventSourceBufferRemoved EventType = "removesourcebuffer"
)

// Event is delivered to subscribers on the emitting object's own ordered
// timeline.
type Event struct {
	Type EventType
	// Source is the id of the emitting object.
	Source string
	// Buffer is the affected buffer of an unbatched list notification.
	Buffer *SourceBuffer
	// Err is set on EventError.
	Err error
}

// emitter pairs an event queue with its subscribers.
type emitter struct {
	source string
	queue  *eventqueue.Queue[Event]

	mu        sync.RWMutex
	listeners []func(Event)
}

func newEmitter(source string) *emitter {
	e := &emitter{source: source}
	e.queue = eventqueue.New(e.dispatch)
	return e
}

func (e *emitter) dispatch(ev Event) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (e *emitter) subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners[:len(e.listeners):len(e.listeners)], fn)
}

func (e *emitter) emit(typ EventType) {
	e.queue.Push(Event{Type: typ, Source: e.source})
}

func (e *emitter) push(ev Event) {
	ev.Source = e.source
	e.queue.Push(ev)
}

func (e *emitter) close() {
	e.queue.Close()
}
