package mse

import (
	"slices"
	"sync"
)

// SourceBufferList is an insertion-ordered, observable collection of source
// buffers. Notifications can be batched with Freeze and Thaw.
type SourceBufferList struct {
	events *emitter

	mu             sync.Mutex
	buffers        []*SourceBuffer
	frozen         int
	pendingAdded   bool
	pendingRemoved bool
}

func newSourceBufferList(name string) *SourceBufferList {
	return &SourceBufferList{events: newEmitter(name)}
}

// Subscribe registers fn for add and remove notifications.
func (l *SourceBufferList) Subscribe(fn func(Event)) {
	l.events.subscribe(fn)
}

// Len returns the number of buffers.
func (l *SourceBufferList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffers)
}

// At returns the buffer at index i, or nil when out of range.
func (l *SourceBufferList) At(i int) *SourceBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.buffers) {
		return nil
	}
	return l.buffers[i]
}

// Buffers returns a snapshot of the list.
func (l *SourceBufferList) Buffers() []*SourceBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.buffers)
}

// Contains reports whether sb is in the list.
func (l *SourceBufferList) Contains(sb *SourceBuffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.buffers, sb)
}

// Freeze suspends notifications until the matching Thaw.
func (l *SourceBufferList) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen++
}

// Thaw resumes notifications, emitting at most one added and one removed
// event for everything that changed while frozen.
func (l *SourceBufferList) Thaw() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen == 0 {
		return
	}
	l.frozen--
	if l.frozen > 0 {
		return
	}
	if l.pendingAdded {
		l.events.emit(EventSourceBufferAdded)
	}
	if l.pendingRemoved {
		l.events.emit(EventSourceBufferRemoved)
	}
	l.pendingAdded = false
	l.pendingRemoved = false
}

func (l *SourceBufferList) add(sb *SourceBuffer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffers = append(l.buffers, sb)
	if l.frozen > 0 {
		l.pendingAdded = true
		return
	}
	l.events.push(Event{Type: EventSourceBufferAdded, Buffer: sb})
}

func (l *SourceBufferList) remove(sb *SourceBuffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.Index(l.buffers, sb)
	if i < 0 {
		return false
	}
	l.buffers = slices.Delete(l.buffers, i, i+1)
	if l.frozen > 0 {
		l.pendingRemoved = true
		return true
	}
	l.events.push(Event{Type: EventSourceBufferRemoved, Buffer: sb})
	return true
}

func (l *SourceBufferList) close() {
	l.events.close()
}
