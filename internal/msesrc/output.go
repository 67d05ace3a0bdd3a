package msesrc

import (
	"errors"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/track"
)

// ErrAlreadyLinked is returned when linking an output that has a pad.
var ErrAlreadyLinked = errors.New("output is already linked")

// Output streams one media source track to a linked Pad. All mutable state
// is guarded by the owning Src's mutex.
type Output struct {
	src   *Src
	id    string
	track *track.Track

	pad         Pad
	caps        *media.Caps
	started     bool
	announced   bool
	needSegment bool
	flow        FlowReturn
	samples     int

	flushing bool
	paused   bool
	eos      bool
	// parked is set while the worker waits and is therefore not touching the
	// track queue.
	parked bool
	exited bool
}

func newOutput(s *Src, t *track.Track) *Output {
	return &Output{
		src:         s,
		id:          s.id + "/" + t.Type().String() + "-" + t.ID(),
		track:       t,
		needSegment: true,
		parked:      true,
	}
}

// ID returns the stream id announced in stream-start.
func (o *Output) ID() string { return o.id }

// Track returns the media source track the output drains.
func (o *Output) Track() *track.Track { return o.track }

// Type returns the track type.
func (o *Output) Type() media.TrackType { return o.track.Type() }

// Link attaches p. The worker starts pulling once linked.
func (o *Output) Link(p Pad) error {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.pad != nil {
		return ErrAlreadyLinked
	}
	o.pad = p
	s.broadcastLocked()
	return nil
}

// Unlink detaches the pad. A sample already being pushed still reaches it.
func (o *Output) Unlink() {
	s := o.src
	s.mu.Lock()
	o.pad = nil
	s.mu.Unlock()
}

// IsLinked reports whether a pad is attached.
func (o *Output) IsLinked() bool {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.pad != nil
}

// Caps returns the last caps sent downstream.
func (o *Output) Caps() *media.Caps {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.caps
}

// Flow returns the result of the last push.
func (o *Output) Flow() FlowReturn {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.flow
}

// Samples returns the number of samples pushed downstream.
func (o *Output) Samples() int {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.samples
}

// IsEOS reports whether the output reached its end marker.
func (o *Output) IsEOS() bool {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.eos
}

// IsPaused reports whether the output stopped after a non-ok flow or EOS.
func (o *Output) IsPaused() bool {
	s := o.src
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.paused
}

func (o *Output) info() StreamInfo {
	caps := o.caps
	if caps == nil {
		caps = o.track.Caps()
	}
	return StreamInfo{ID: o.id, Type: o.track.Type(), Caps: caps}
}
