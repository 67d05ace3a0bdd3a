// Package track implements the bounded delivery queue that carries one
// elementary stream from the parse side to the pull-side output.
package track

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/msebuf/internal/media"
)

// DefaultMaxSamples is the queue bound used when none is configured.
const DefaultMaxSamples = 64

// Errors returned by queue operations.
var (
	ErrFlushing = errors.New("track is flushing")
	ErrClosed   = errors.New("track is closed")
	ErrFull     = errors.New("track queue is full")
)

// Item is either a sample or the end-of-stream marker.
type Item struct {
	Sample *media.Sample
	EOS    bool
}

// Config configures a Track.
type Config struct {
	Type media.TrackType
	ID   string
	// Caps are the initial codec parameters, if known.
	Caps *media.Caps
	// MaxSamples bounds the queue; DefaultMaxSamples when zero.
	MaxSamples int
}

// Track is the identity of one elementary stream plus its bounded FIFO.
type Track struct {
	typ  media.TrackType
	id   string
	caps *media.Caps

	active atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	items    []Item
	max      int
	flushing bool
	closed   bool

	onNonEmpty      func(*Track)
	onActiveChanged func(*Track)
}

// New creates a track. Audio and video tracks start active.
func New(cfg Config) *Track {
	maxSamples := cfg.MaxSamples
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	t := &Track{
		typ:  cfg.Type,
		id:   cfg.ID,
		caps: cfg.Caps,
		max:  maxSamples,
	}
	t.cond = sync.NewCond(&t.mu)
	t.active.Store(cfg.Type == media.TrackTypeAudio || cfg.Type == media.TrackTypeVideo)
	return t
}

// Type returns the track type.
func (t *Track) Type() media.TrackType { return t.typ }

// ID returns the track id.
func (t *Track) ID() string { return t.id }

// Caps returns the initial caps.
func (t *Track) Caps() *media.Caps {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps
}

// SetCaps replaces the initial caps.
func (t *Track) SetCaps(caps *media.Caps) {
	t.mu.Lock()
	t.caps = caps
	t.mu.Unlock()
}

// Active reports whether the track is selected for playback.
func (t *Track) Active() bool {
	return t.active.Load()
}

// SetActive changes the active flag and notifies the registered observer.
func (t *Track) SetActive(active bool) {
	if t.active.Swap(active) == active {
		return
	}
	t.mu.Lock()
	cb := t.onActiveChanged
	t.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// OnActiveChanged registers a callback for active flag changes.
func (t *Track) OnActiveChanged(fn func(*Track)) {
	t.mu.Lock()
	t.onActiveChanged = fn
	t.mu.Unlock()
}

// OnNonEmpty registers a callback fired on each empty to non-empty
// transition of the queue.
func (t *Track) OnNonEmpty(fn func(*Track)) {
	t.mu.Lock()
	t.onNonEmpty = fn
	t.mu.Unlock()
}

// waitLocked blocks on the condition until cond returns false or ctx ends.
func (t *Track) waitLocked(ctx context.Context, blocked func() bool) error {
	if !blocked() {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	for blocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.cond.Wait()
	}
	return nil
}

func (t *Track) checkPushLocked() error {
	if t.closed {
		return ErrClosed
	}
	if t.flushing {
		return ErrFlushing
	}
	return nil
}

// enqueueLocked appends the item and returns the callback to fire, if any.
func (t *Track) enqueueLocked(item Item) func(*Track) {
	wasEmpty := len(t.items) == 0
	t.items = append(t.items, item)
	t.cond.Broadcast()
	if wasEmpty {
		return t.onNonEmpty
	}
	return nil
}

func (t *Track) fire(cb func(*Track)) {
	if cb != nil {
		cb(t)
	}
}

// Push enqueues a sample, blocking while the queue is full.
func (t *Track) Push(ctx context.Context, s *media.Sample) error {
	t.mu.Lock()
	err := t.waitLocked(ctx, func() bool {
		return len(t.items) >= t.max && !t.flushing && !t.closed
	})
	if err == nil {
		err = t.checkPushLocked()
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}
	cb := t.enqueueLocked(Item{Sample: s})
	t.mu.Unlock()

	t.fire(cb)
	return nil
}

// TryPush enqueues a sample without blocking.
func (t *Track) TryPush(s *media.Sample) error {
	t.mu.Lock()
	if err := t.checkPushLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	if len(t.items) >= t.max {
		t.mu.Unlock()
		return ErrFull
	}
	cb := t.enqueueLocked(Item{Sample: s})
	t.mu.Unlock()

	t.fire(cb)
	return nil
}

// PushEOS enqueues the end-of-stream marker. The marker is not subject to
// the queue bound.
func (t *Track) PushEOS() error {
	t.mu.Lock()
	if err := t.checkPushLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	cb := t.enqueueLocked(Item{EOS: true})
	t.mu.Unlock()

	t.fire(cb)
	return nil
}

// Pop dequeues the next item, blocking while the queue is empty. It returns
// ErrFlushing while the track is flushing.
func (t *Track) Pop(ctx context.Context) (Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.waitLocked(ctx, func() bool {
		return len(t.items) == 0 && !t.flushing && !t.closed
	})
	if err != nil {
		return Item{}, err
	}
	if t.closed {
		return Item{}, ErrClosed
	}
	if t.flushing {
		return Item{}, ErrFlushing
	}

	item := t.items[0]
	t.items[0] = Item{}
	t.items = t.items[1:]
	t.cond.Broadcast()
	return item, nil
}

// Flush drops every queued item and rejects pushes until Resume.
func (t *Track) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushing = true
	t.items = nil
	t.cond.Broadcast()
}

// Resume leaves the flushing state.
func (t *Track) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushing = false
	t.cond.Broadcast()
}

// Flushing reports whether the track is flushing.
func (t *Track) Flushing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushing
}

// Close permanently shuts the queue down and wakes every waiter.
func (t *Track) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.items = nil
	t.cond.Broadcast()
}

// IsEmpty reports whether the queue holds no items.
func (t *Track) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items) == 0
}

// Len returns the number of queued items.
func (t *Track) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
