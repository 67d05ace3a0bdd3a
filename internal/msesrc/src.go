// Package msesrc is the pull side of a media source: it drains every
// streamable track into a linked Pad, aggregates end of stream across
// sibling outputs and derives playback readiness from buffered ranges.
package msesrc

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/observability"
	"github.com/jmylchreest/msebuf/internal/track"
)

// Default readiness thresholds.
const (
	DefaultFutureDataThreshold = 5 * time.Second
	DefaultEnoughDataThreshold = 50 * time.Second
)

// Errors returned by Src.
var (
	ErrNotAttached = errors.New("source is not attached to a media source")
	ErrClosed      = errors.New("source is closed")
)

// Config configures a Src.
type Config struct {
	Logger *slog.Logger
	// FutureDataThreshold is the buffered-ahead time for HaveFutureData.
	FutureDataThreshold time.Duration
	// EnoughDataThreshold is the buffered-ahead time for HaveEnoughData.
	EnoughDataThreshold time.Duration
	// OnOutput is called for every output created, outside any lock.
	OnOutput func(*Output)
}

// Src is the element a MediaSource is attached to.
type Src struct {
	id      string
	groupID string
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	position atomic.Int64

	mu           sync.Mutex
	changed      chan struct{}
	ms           *mse.MediaSource
	outputs      []*Output
	byTrack      map[*track.Track]*Output
	duration     time.Duration
	segmentStart time.Duration
	lastErr      *mse.EndOfStreamError
	closed       bool
}

var _ mse.Element = (*Src)(nil)

// New creates a detached source. Close stops its workers.
func New(cfg Config) *Src {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FutureDataThreshold <= 0 {
		cfg.FutureDataThreshold = DefaultFutureDataThreshold
	}
	if cfg.EnoughDataThreshold <= 0 {
		cfg.EnoughDataThreshold = DefaultEnoughDataThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	id := uuid.NewString()
	return &Src{
		id:       id,
		groupID:  uuid.NewString(),
		cfg:      cfg,
		logger:   observability.WithComponent(cfg.Logger, "msesrc").With(slog.String("src", id)),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		changed:  make(chan struct{}),
		byTrack:  make(map[*track.Track]*Output),
		duration: media.ClockTimeNone,
	}
}

// ID returns the source identifier.
func (s *Src) ID() string { return s.id }

// GroupID returns the group id shared by every output's stream-start.
func (s *Src) GroupID() string { return s.groupID }

// Attach opens ms with this source as its element.
func (s *Src) Attach(ms *mse.MediaSource) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ms != nil {
		s.mu.Unlock()
		return mse.ErrInvalidState
	}
	s.ms = ms
	s.mu.Unlock()

	if err := ms.Attach(s); err != nil {
		s.mu.Lock()
		s.ms = nil
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("attached", slog.String("media_source", ms.ID()))
	return nil
}

// Detach closes the attached media source. Outputs end once their tracks
// close.
func (s *Src) Detach() {
	s.mu.Lock()
	ms := s.ms
	s.ms = nil
	s.mu.Unlock()

	if ms == nil {
		return
	}
	ms.Detach()

	s.mu.Lock()
	s.broadcastLocked()
	s.mu.Unlock()
	s.logger.Debug("detached", slog.String("media_source", ms.ID()))
}

// MediaSource returns the attached media source, if any.
func (s *Src) MediaSource() *mse.MediaSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ms
}

// Outputs returns the live outputs in creation order.
func (s *Src) Outputs() []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outputs)
}

// Position implements mse.Element.
func (s *Src) Position() time.Duration {
	return time.Duration(s.position.Load())
}

// ReportPosition records the playback position used for eviction and
// readiness.
func (s *Src) ReportPosition(t time.Duration) {
	s.position.Store(int64(t))
}

// Duration returns the last duration reported by the media source.
func (s *Src) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// DurationChanged implements mse.Element. Every output sends a fresh
// segment before its next sample.
func (s *Src) DurationChanged(d time.Duration) {
	s.mu.Lock()
	s.duration = d
	for _, o := range s.outputs {
		o.needSegment = true
	}
	s.mu.Unlock()
	s.logger.Debug("duration changed", slog.String("duration", media.FormatTime(d)))
}

// PlaybackError implements mse.Element.
func (s *Src) PlaybackError(kind mse.EndOfStreamError) {
	s.mu.Lock()
	s.lastErr = &kind
	s.mu.Unlock()
	s.logger.Warn("playback error", slog.String("kind", kind.String()))
}

// LastError returns the last playback error reported by the media source.
func (s *Src) LastError() (mse.EndOfStreamError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return mse.EndOfStreamNone, false
	}
	return *s.lastErr, true
}

// TracksChanged implements mse.Element. Streamable tracks without an output
// get one.
func (s *Src) TracksChanged() {
	ms := s.MediaSource()
	if ms == nil {
		return
	}
	tracks := ms.Tracks()

	var added []*Output
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, t := range tracks {
		if !t.Type().Streamable() {
			continue
		}
		if _, ok := s.byTrack[t]; ok {
			continue
		}
		added = append(added, s.addOutputLocked(t))
	}
	s.broadcastLocked()
	s.mu.Unlock()

	for _, o := range added {
		s.logger.Debug("output added", slog.String("output", o.id))
		if s.cfg.OnOutput != nil {
			s.cfg.OnOutput(o)
		}
	}
}

// addOutputLocked creates the output for t and starts its worker.
func (s *Src) addOutputLocked(t *track.Track) *Output {
	o := newOutput(s, t)
	s.byTrack[t] = o
	s.outputs = append(s.outputs, o)
	t.OnNonEmpty(func(*track.Track) { s.notify() })
	s.group.Go(func() error { return s.run(s.ctx, o) })
	return o
}

// ReadyState derives readiness from the buffered ranges of the active
// source buffers around the current position.
func (s *Src) ReadyState() ReadyState {
	ms := s.MediaSource()
	if ms == nil || len(ms.Tracks()) == 0 {
		return HaveNothing
	}

	pos := s.Position()
	ranges := ms.Buffered()
	if !media.RangesContain(ranges, pos) {
		return HaveMetadata
	}

	ahead := media.BufferedAhead(ranges, pos)
	duration := ms.Duration()
	capped := func(threshold time.Duration) time.Duration {
		if media.IsValid(duration) && duration-pos < threshold {
			return max(duration-pos, 0)
		}
		return threshold
	}

	switch {
	case ahead >= capped(s.cfg.EnoughDataThreshold):
		return HaveEnoughData
	case ahead >= capped(s.cfg.FutureDataThreshold):
		return HaveFutureData
	default:
		return HaveCurrentData
	}
}

// Seek flushes every output, repositions the media source at t and resumes
// the outputs with a new segment starting at t.
func (s *Src) Seek(ctx context.Context, t time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ms := s.ms
	if ms == nil {
		s.mu.Unlock()
		return ErrNotAttached
	}
	outputs := slices.Clone(s.outputs)
	pads := make([]Pad, len(outputs))
	for i, o := range outputs {
		o.flushing = true
		pads[i] = o.pad
	}
	s.broadcastLocked()
	s.mu.Unlock()

	s.logger.Debug("seek", slog.String("position", t.String()))

	for i, o := range outputs {
		o.track.Flush()
		if pads[i] != nil {
			pads[i].Event(Event{Type: EventFlushStart})
		}
	}

	// Workers must be away from the queues before they are refilled.
	waitErr := s.waitParked(ctx, outputs)

	ms.Seek(t)
	s.ReportPosition(t)

	for _, p := range pads {
		if p != nil {
			p.Event(Event{Type: EventFlushStop})
		}
	}

	s.mu.Lock()
	s.segmentStart = t
	for _, o := range outputs {
		o.flushing = false
		o.paused = false
		o.eos = false
		o.flow = FlowOK
		o.needSegment = true
	}
	s.broadcastLocked()
	s.mu.Unlock()

	return waitErr
}

func (s *Src) waitParked(ctx context.Context, outputs []*Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		parked := true
		for _, o := range outputs {
			if !o.parked && !o.exited {
				parked = false
				break
			}
		}
		if parked {
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// Close detaches the media source and waits for every output worker.
func (s *Src) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Detach()
	s.cancel()
	err := s.group.Wait()
	s.logger.Debug("closed")
	return err
}

func (s *Src) notify() {
	s.mu.Lock()
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Src) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitLocked parks o until ready reports true or ctx ends. s.mu is held on
// entry and on return.
func (s *Src) waitLocked(ctx context.Context, o *Output, ready func() bool) error {
	for !ready() {
		if !o.parked {
			o.parked = true
			s.broadcastLocked()
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
		s.mu.Lock()
	}
	o.parked = false
	return nil
}

// park waits for the next state change after ch was taken.
func (s *Src) park(ctx context.Context, o *Output, ch <-chan struct{}) error {
	s.mu.Lock()
	if !o.parked {
		o.parked = true
		s.broadcastLocked()
	}
	s.mu.Unlock()

	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	o.parked = false
	s.mu.Unlock()
	return err
}

func (s *Src) run(ctx context.Context, o *Output) error {
	defer s.exit(o)
	logger := s.logger.With(slog.String("output", o.id))

	for {
		s.mu.Lock()
		err := s.waitLocked(ctx, o, func() bool {
			return o.pad != nil && !o.flushing && !o.paused
		})
		ch := s.changed
		s.mu.Unlock()
		if err != nil {
			return nil
		}

		item, err := o.track.Pop(ctx)
		switch {
		case errors.Is(err, track.ErrFlushing):
			if s.park(ctx, o, ch) != nil {
				return nil
			}
			continue
		case err != nil:
			logger.Log(ctx, observability.LevelTrace, "output stopped", slog.String("reason", err.Error()))
			return nil
		}

		if item.EOS {
			s.handleEOS(ctx, o, logger)
			continue
		}
		s.handleSample(o, item.Sample, logger)
	}
}

func (s *Src) exit(o *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.exited = true
	o.parked = true
	if i := slices.Index(s.outputs, o); i >= 0 {
		s.outputs = slices.Delete(s.outputs, i, i+1)
	}
	delete(s.byTrack, o.track)
	s.broadcastLocked()
}

// prerollLocked returns the events owed before o's next item.
func (s *Src) prerollLocked(o *Output) []Event {
	var events []Event
	if !o.started {
		o.started = true
		events = append(events, Event{Type: EventStreamStart, StreamID: o.id, GroupID: s.groupID})
		if caps := o.track.Caps(); caps != nil {
			o.caps = caps
			events = append(events, Event{Type: EventCaps, Caps: caps})
		}
	}
	if o.needSegment {
		o.needSegment = false
		events = append(events, Event{
			Type:    EventSegment,
			Segment: Segment{Start: s.segmentStart, Duration: s.duration},
		})
	}
	if !o.announced {
		o.announced = true
		streams := make([]StreamInfo, 0, len(s.outputs))
		for _, sibling := range s.outputs {
			streams = append(streams, sibling.info())
		}
		events = append(events, Event{Type: EventStreamCollection, Streams: streams})
	}
	return events
}

func (s *Src) handleSample(o *Output, sample *media.Sample, logger *slog.Logger) {
	s.mu.Lock()
	if o.flushing {
		s.mu.Unlock()
		return
	}
	pad := o.pad
	events := s.prerollLocked(o)
	if caps := sample.Caps; caps != nil && !caps.Equal(o.caps) {
		o.caps = caps
		events = append(events, Event{Type: EventCaps, Caps: caps})
	}
	s.mu.Unlock()

	if pad == nil {
		return
	}
	for _, ev := range events {
		pad.Event(ev)
	}
	flow := pad.Push(sample)

	s.mu.Lock()
	defer s.mu.Unlock()
	o.flow = flow
	if flow == FlowOK {
		o.samples++
	}
	if flow == FlowFlushing || o.flushing {
		return
	}
	if combined := s.combinedFlowLocked(); combined != FlowOK {
		o.paused = true
		logger.Debug("pausing output", slog.String("flow", combined.String()))
	}
}

// combinedFlowLocked returns the first non-ok flow across outputs.
func (s *Src) combinedFlowLocked() FlowReturn {
	for _, o := range s.outputs {
		if o.flow != FlowOK {
			return o.flow
		}
	}
	return FlowOK
}

func (s *Src) allEOSLocked() bool {
	for _, o := range s.outputs {
		if !o.eos && !o.exited {
			return false
		}
	}
	return true
}

// handleEOS marks o ended and forwards end of stream once every sibling has
// ended too.
func (s *Src) handleEOS(ctx context.Context, o *Output, logger *slog.Logger) {
	s.mu.Lock()
	if o.flushing {
		s.mu.Unlock()
		return
	}
	events := s.prerollLocked(o)
	o.eos = true
	s.broadcastLocked()
	err := s.waitLocked(ctx, o, func() bool { return o.flushing || s.allEOSLocked() })
	if err != nil || o.flushing {
		s.mu.Unlock()
		return
	}
	o.paused = true
	pad := o.pad
	s.mu.Unlock()

	if pad == nil {
		return
	}
	for _, ev := range events {
		pad.Event(ev)
	}
	logger.Debug("end of stream")
	pad.Event(Event{Type: EventEOS})
}
