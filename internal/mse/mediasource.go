// Package mse implements the media source model: a MediaSource owning
// SourceBuffers that parse appended bytes into per-track buffers feeding a
// playback element.
package mse

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/demux/builtin"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mediatype"
	"github.com/jmylchreest/msebuf/internal/observability"
	"github.com/jmylchreest/msebuf/internal/track"
)

// DefaultSizeLimit is the per source buffer storage limit in bytes.
const DefaultSizeLimit int64 = 1 << 24

// Buffer defaults.
const (
	DefaultEvictionMargin = 5 * time.Second
	DefaultMergeGap       = 10 * time.Millisecond
	DefaultFeedBackoff    = time.Second
)

// ReadyState is the lifecycle stage of a MediaSource.
type ReadyState int

// Ready states.
const (
	ReadyStateClosed ReadyState = iota
	ReadyStateOpen
	ReadyStateEnded
)

func (s ReadyState) String() string {
	switch s {
	case ReadyStateOpen:
		return "open"
	case ReadyStateEnded:
		return "ended"
	default:
		return "closed"
	}
}

// EndOfStreamError qualifies EndOfStream.
type EndOfStreamError int

// End of stream kinds.
const (
	EndOfStreamNone EndOfStreamError = iota
	EndOfStreamNetwork
	EndOfStreamDecode
)

func (e EndOfStreamError) String() string {
	switch e {
	case EndOfStreamNetwork:
		return "network"
	case EndOfStreamDecode:
		return "decode"
	default:
		return "none"
	}
}

// Element is the playback side a MediaSource is attached to.
type Element interface {
	// Position returns the current playback position.
	Position() time.Duration
	// DurationChanged is called when the media source duration changes.
	DurationChanged(d time.Duration)
	// PlaybackError reports a network or decode end of stream.
	PlaybackError(kind EndOfStreamError)
	// TracksChanged is called when tracks are discovered or their active
	// state changes.
	TracksChanged()
}

// BufferConfig tunes every source buffer of a media source.
type BufferConfig struct {
	// SizeLimit caps buffered bytes per source buffer.
	SizeLimit int64
	// EvictionMargin is kept behind the playback position on eviction.
	EvictionMargin time.Duration
	// MergeGap is the largest gap merged away in buffered ranges.
	MergeGap time.Duration
	// FeedBackoff bounds the feeder's wait for new data.
	FeedBackoff time.Duration
	// TrackQueueSize bounds each media source track queue.
	TrackQueueSize int
	// DefaultSampleDuration patches samples without a duration.
	DefaultSampleDuration time.Duration
}

func (c *BufferConfig) setDefaults() {
	if c.SizeLimit <= 0 {
		c.SizeLimit = DefaultSizeLimit
	}
	if c.EvictionMargin <= 0 {
		c.EvictionMargin = DefaultEvictionMargin
	}
	if c.MergeGap <= 0 {
		c.MergeGap = DefaultMergeGap
	}
	if c.FeedBackoff <= 0 {
		c.FeedBackoff = DefaultFeedBackoff
	}
	if c.TrackQueueSize <= 0 {
		c.TrackQueueSize = track.DefaultMaxSamples
	}
}

// Config configures a MediaSource.
type Config struct {
	Logger *slog.Logger
	// Demuxers provides parsers per container; builtin.Registry() when nil.
	Demuxers *demux.Registry
	// CodecSupported reports whether a codec can be decoded downstream.
	// Defaults to every codec known to the codec registry.
	CodecSupported func(codec string) bool
	Buffer         BufferConfig
}

// MediaSource owns the source buffers of one presentation and mediates
// between them and an attached Element.
type MediaSource struct {
	id     string
	cfg    Config
	logger *slog.Logger
	events *emitter

	buffers *SourceBufferList
	active  *SourceBufferList

	// activeMu serializes active list recomputation.
	activeMu sync.Mutex

	mu         sync.Mutex
	readyState ReadyState
	duration   time.Duration
	live       *media.Range
	element    Element
}

// New creates a closed media source.
func New(cfg Config) *MediaSource {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Demuxers == nil {
		cfg.Demuxers = builtin.Registry()
	}
	if cfg.CodecSupported == nil {
		cfg.CodecSupported = func(c string) bool {
			_, ok := codec.Lookup(c)
			return ok
		}
	}
	cfg.Buffer.setDefaults()

	id := ulid.Make().String()
	return &MediaSource{
		id:       id,
		cfg:      cfg,
		logger:   observability.WithComponent(cfg.Logger, "mediasource").With(slog.String("media_source", id)),
		events:   newEmitter(id),
		buffers:  newSourceBufferList(id + "/sourcebuffers"),
		active:   newSourceBufferList(id + "/activesourcebuffers"),
		duration: media.ClockTimeNone,
	}
}

// ID returns the media source identifier.
func (ms *MediaSource) ID() string { return ms.id }

// Subscribe registers fn for source-open, source-ended and source-close.
func (ms *MediaSource) Subscribe(fn func(Event)) {
	ms.events.subscribe(fn)
}

// SourceBuffers returns the list of every source buffer.
func (ms *MediaSource) SourceBuffers() *SourceBufferList { return ms.buffers }

// ActiveSourceBuffers returns the list of source buffers with an active
// track.
func (ms *MediaSource) ActiveSourceBuffers() *SourceBufferList { return ms.active }

// ReadyState returns the lifecycle stage.
func (ms *MediaSource) ReadyState() ReadyState {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.readyState
}

// Duration returns the presentation duration, or media.ClockTimeNone.
func (ms *MediaSource) Duration() time.Duration {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.duration
}

// Element returns the attached element, if any.
func (ms *MediaSource) Element() Element {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.element
}

// Position returns the playback position of the attached element, or zero.
func (ms *MediaSource) Position() time.Duration {
	if el := ms.Element(); el != nil {
		return el.Position()
	}
	return 0
}

// IsTypeSupported reports whether typ parses and is handled by a demuxer
// and the codec registry.
func (ms *MediaSource) IsTypeSupported(typ string) bool {
	_, err := ms.checkType("is type supported", typ)
	return err == nil
}

// checkType parses and validates typ against the demuxer registry and the
// codec support capability.
func (ms *MediaSource) checkType(op, typ string) (*mediatype.MediaType, error) {
	mt, err := mediatype.Validate(typ)
	switch {
	case errors.Is(err, mediatype.ErrUnsupported):
		return nil, &Error{Kind: KindNotSupported, Op: op, Err: err}
	case err != nil:
		return nil, &Error{Kind: KindType, Op: op, Err: err}
	}

	container, _ := mt.Container()
	if !ms.cfg.Demuxers.Has(container) {
		return nil, newError(KindNotSupported, op, "no demuxer for %s", mt.Essence())
	}
	for _, c := range mt.Codecs {
		if !ms.cfg.CodecSupported(c) {
			return nil, newError(KindNotSupported, op, "codec %q cannot be decoded", c)
		}
	}
	return mt, nil
}

// Attach opens the media source for el.
func (ms *MediaSource) Attach(el Element) error {
	ms.mu.Lock()
	if ms.readyState != ReadyStateClosed || ms.element != nil {
		ms.mu.Unlock()
		return newError(KindInvalidState, "attach", "media source is %s", ms.readyState)
	}
	ms.element = el
	ms.readyState = ReadyStateOpen
	ms.mu.Unlock()

	ms.logger.Debug("attached")
	ms.events.emit(EventSourceOpen)
	return nil
}

// Detach closes the media source and removes every source buffer.
func (ms *MediaSource) Detach() {
	ms.mu.Lock()
	if ms.element == nil && ms.readyState == ReadyStateClosed {
		ms.mu.Unlock()
		return
	}
	ms.element = nil
	ms.readyState = ReadyStateClosed
	ms.duration = media.ClockTimeNone
	ms.live = nil
	ms.mu.Unlock()

	ms.buffers.Freeze()
	ms.active.Freeze()
	for _, sb := range ms.buffers.Buffers() {
		ms.active.remove(sb)
		ms.buffers.remove(sb)
		sb.detach()
	}
	ms.active.Thaw()
	ms.buffers.Thaw()

	ms.logger.Debug("detached")
	ms.events.emit(EventSourceClose)
}

// AddSourceBuffer creates a source buffer for typ.
func (ms *MediaSource) AddSourceBuffer(typ string) (*SourceBuffer, error) {
	const op = "add source buffer"

	mt, err := ms.checkType(op, typ)
	if err != nil {
		return nil, err
	}
	if rs := ms.ReadyState(); rs != ReadyStateOpen {
		return nil, newError(KindInvalidState, op, "media source is %s", rs)
	}

	sb, err := newSourceBuffer(ms, mt, false)
	if err != nil {
		return nil, newError(KindNotSupported, op, "%v", err)
	}
	ms.buffers.add(sb)
	ms.recomputeActive()

	ms.logger.Debug("added source buffer", slog.String("source_buffer", sb.ID()), slog.String("type", mt.String()))
	return sb, nil
}

// RemoveSourceBuffer aborts sb if it is updating and detaches it.
func (ms *MediaSource) RemoveSourceBuffer(sb *SourceBuffer) error {
	if sb == nil || !ms.buffers.Contains(sb) {
		return newError(KindNotFound, "remove source buffer", "source buffer does not belong to this media source")
	}
	if sb.Updating() {
		sb.abort()
	}
	ms.active.remove(sb)
	ms.buffers.remove(sb)
	sb.detach()

	ms.logger.Debug("removed source buffer", slog.String("source_buffer", sb.ID()))
	ms.tracksChanged()
	return nil
}

// EndOfStream moves the source to ended. Network and decode kinds are
// reported to the element; otherwise the duration is finalized and every
// buffer's parser is ended.
func (ms *MediaSource) EndOfStream(kind EndOfStreamError) error {
	const op = "end of stream"

	ms.mu.Lock()
	if ms.readyState != ReadyStateOpen {
		rs := ms.readyState
		ms.mu.Unlock()
		return newError(KindInvalidState, op, "media source is %s", rs)
	}
	ms.mu.Unlock()

	buffers := ms.buffers.Buffers()
	for _, sb := range buffers {
		if sb.Updating() {
			return newError(KindInvalidState, op, "source buffer %s is updating", sb.ID())
		}
	}

	ms.mu.Lock()
	if ms.readyState != ReadyStateOpen {
		ms.mu.Unlock()
		return newError(KindInvalidState, op, "media source is %s", ms.readyState)
	}
	ms.readyState = ReadyStateEnded
	el := ms.element
	ms.mu.Unlock()

	ms.logger.Debug("end of stream", slog.String("kind", kind.String()))
	ms.events.emit(EventSourceEnded)

	switch kind {
	case EndOfStreamNetwork, EndOfStreamDecode:
		if el != nil {
			el.PlaybackError(kind)
		}
		return nil
	}

	end := media.ClockTimeNone
	for _, sb := range buffers {
		if e := sb.HighestEndTime(); media.IsValid(e) && (!media.IsValid(end) || e > end) {
			end = e
		}
	}
	if media.IsValid(end) {
		ms.setDurationInternal(end)
	}
	for _, sb := range buffers {
		if err := sb.pipeline.EOS(); err != nil {
			sb.logger.Debug("ending append pipeline", slog.String("error", err.Error()))
		}
	}
	return nil
}

// SetDuration sets the presentation duration. While ended a valid duration
// reopens the source and media.ClockTimeNone closes it.
func (ms *MediaSource) SetDuration(d time.Duration) error {
	const op = "set duration"

	if media.IsValid(d) && d < 0 {
		return newError(KindType, op, "negative duration %s", d)
	}
	for _, sb := range ms.buffers.Buffers() {
		if sb.Updating() {
			return newError(KindInvalidState, op, "source buffer %s is updating", sb.ID())
		}
	}

	ms.mu.Lock()
	switch ms.readyState {
	case ReadyStateClosed:
		ms.mu.Unlock()
		return newError(KindInvalidState, op, "media source is closed")
	case ReadyStateEnded:
		if !media.IsValid(d) {
			ms.mu.Unlock()
			ms.Detach()
			return nil
		}
		ms.readyState = ReadyStateOpen
		ms.mu.Unlock()
		ms.events.emit(EventSourceOpen)
	default:
		ms.mu.Unlock()
	}

	ms.setDurationInternal(d)
	return nil
}

func (ms *MediaSource) setDurationInternal(d time.Duration) {
	ms.mu.Lock()
	if ms.duration == d {
		ms.mu.Unlock()
		return
	}
	ms.duration = d
	el := ms.element
	ms.mu.Unlock()

	if el != nil {
		el.DurationChanged(d)
	}
}

// extendDuration grows the duration to end when end is past it.
func (ms *MediaSource) extendDuration(end time.Duration) {
	if !media.IsValid(end) {
		return
	}
	ms.mu.Lock()
	if ms.readyState == ReadyStateClosed || (media.IsValid(ms.duration) && ms.duration >= end) {
		ms.mu.Unlock()
		return
	}
	ms.mu.Unlock()
	ms.setDurationInternal(end)
}

// reopenIfEnded moves an ended source back to open.
func (ms *MediaSource) reopenIfEnded() {
	ms.mu.Lock()
	if ms.readyState != ReadyStateEnded {
		ms.mu.Unlock()
		return
	}
	ms.readyState = ReadyStateOpen
	ms.mu.Unlock()
	ms.events.emit(EventSourceOpen)
}

// LiveSeekableRange returns the live seekable range, if set.
func (ms *MediaSource) LiveSeekableRange() (media.Range, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.live == nil {
		return media.Range{}, false
	}
	return *ms.live, true
}

// SetLiveSeekableRange sets the live seekable range.
func (ms *MediaSource) SetLiveSeekableRange(start, end time.Duration) error {
	const op = "set live seekable range"

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.readyState != ReadyStateOpen {
		return newError(KindInvalidState, op, "media source is %s", ms.readyState)
	}
	if start < 0 || start > end {
		return newError(KindType, op, "invalid range [%s, %s]", start, end)
	}
	ms.live = &media.Range{Start: start, End: end}
	return nil
}

// ClearLiveSeekableRange removes the live seekable range.
func (ms *MediaSource) ClearLiveSeekableRange() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.readyState != ReadyStateOpen {
		return newError(KindInvalidState, "clear live seekable range", "media source is %s", ms.readyState)
	}
	ms.live = nil
	return nil
}

// Seek repositions every source buffer's feeders at t.
func (ms *MediaSource) Seek(t time.Duration) {
	ms.logger.Debug("seek", slog.String("position", t.String()))
	for _, sb := range ms.buffers.Buffers() {
		sb.Seek(t)
	}
}

// Buffered returns the intersection of the buffered ranges of every active
// source buffer.
func (ms *MediaSource) Buffered() []media.Range {
	var (
		out         []media.Range
		contributed bool
	)
	for _, sb := range ms.active.Buffers() {
		ranges := sb.Buffered()
		if !contributed {
			out = ranges
			contributed = true
			continue
		}
		out = media.IntersectRanges(out, ranges)
	}
	return out
}

// IsBuffered reports whether t is buffered on every active source buffer.
func (ms *MediaSource) IsBuffered(t time.Duration) bool {
	for _, sb := range ms.active.Buffers() {
		if !sb.IsBuffered(t) {
			return false
		}
	}
	return true
}

// IsRangeBuffered reports whether [start, end] is buffered on every active
// source buffer.
func (ms *MediaSource) IsRangeBuffered(start, end time.Duration) bool {
	for _, sb := range ms.active.Buffers() {
		if !sb.IsRangeBuffered(start, end) {
			return false
		}
	}
	return true
}

// Tracks returns the tracks of every source buffer in list order.
func (ms *MediaSource) Tracks() []*track.Track {
	var out []*track.Track
	for _, sb := range ms.buffers.Buffers() {
		out = append(out, sb.Tracks()...)
	}
	return out
}

// recomputeActive rebuilds the active list from scratch and diffs it
// against the previous membership. Changes are batched into at most one
// added and one removed notification.
func (ms *MediaSource) recomputeActive() {
	ms.activeMu.Lock()
	defer ms.activeMu.Unlock()

	all := ms.buffers.Buffers()
	prev := ms.active.Buffers()

	ms.active.Freeze()
	for _, sb := range prev {
		if !slices.Contains(all, sb) || !sb.Active() {
			ms.active.remove(sb)
		}
	}
	for _, sb := range all {
		if sb.Active() && !slices.Contains(prev, sb) {
			ms.active.add(sb)
		}
	}
	ms.active.Thaw()
	ms.tracksChanged()
}

// tracksChanged notifies the element of track topology or selection changes.
func (ms *MediaSource) tracksChanged() {
	if el := ms.Element(); el != nil {
		el.TracksChanged()
	}
}

// Close detaches the source and stops its event queues.
func (ms *MediaSource) Close() {
	ms.Detach()
	ms.buffers.close()
	ms.active.close()
	ms.events.close()
}
