package mse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/msebuf/internal/appendpipeline"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mediatype"
	"github.com/jmylchreest/msebuf/internal/track"
	"github.com/jmylchreest/msebuf/internal/trackbuffer"
)

// WindowEndInfinite is the default, unbounded append window end.
const WindowEndInfinite = time.Duration(math.MaxInt64)

// AppendMode selects how sample timestamps are interpreted.
type AppendMode int

// Append modes.
const (
	// AppendModeSegments keeps the timestamps carried by the media.
	AppendModeSegments AppendMode = iota
	// AppendModeSequence packs samples back to back from the group start.
	AppendModeSequence
)

func (m AppendMode) String() string {
	if m == AppendModeSequence {
		return "sequence"
	}
	return "segments"
}

// SourceBuffer accepts appended bytes of one content type, parses them on a
// background pipeline and keeps one track buffer and feeder per track.
type SourceBuffer struct {
	id                 string
	contentType        *mediatype.MediaType
	generateTimestamps bool
	cfg                BufferConfig
	logger             *slog.Logger
	events             *emitter
	pipeline           *appendpipeline.Pipeline

	applyCh chan struct{}
	quit    chan struct{}
	stopped chan struct{}

	mu              sync.Mutex
	parent          *MediaSource
	mode            AppendMode
	windowStart     time.Duration
	windowEnd       time.Duration
	timestampOffset time.Duration
	updating        bool
	errored         bool
	removed         bool
	pending         []byte
	hasInit         bool
	feeds           map[*track.Track]*feed
	order           []*track.Track
	seekTime        time.Duration
}

func newSourceBuffer(ms *MediaSource, mt *mediatype.MediaType, generateTimestamps bool) (*SourceBuffer, error) {
	container, _ := mt.Container()
	id := ulid.Make().String()
	logger := ms.logger.With(slog.String("source_buffer", id), slog.String("type", mt.String()))

	sb := &SourceBuffer{
		id:                 id,
		contentType:        mt,
		generateTimestamps: generateTimestamps,
		cfg:                ms.cfg.Buffer,
		logger:             logger,
		events:             newEmitter(id),
		applyCh:            make(chan struct{}, 1),
		quit:               make(chan struct{}),
		stopped:            make(chan struct{}),
		parent:             ms,
		windowEnd:          WindowEndInfinite,
		feeds:              make(map[*track.Track]*feed),
	}
	if generateTimestamps {
		sb.mode = AppendModeSequence
	}

	p, err := appendpipeline.New(appendpipeline.Config{
		Logger:                logger,
		Container:             container,
		Demuxers:              ms.cfg.Demuxers,
		CodecSupported:        ms.cfg.CodecSupported,
		DefaultSampleDuration: ms.cfg.Buffer.DefaultSampleDuration,
		TrackQueueSize:        ms.cfg.Buffer.TrackQueueSize,
		Callbacks: appendpipeline.Callbacks{
			OnInitSegment:     sb.onInitSegment,
			OnNewSample:       sb.onNewSample,
			OnDurationChanged: sb.onDurationChanged,
			OnTrackEOS:        sb.onTrackEOS,
			OnEOS:             sb.onEOS,
			OnError:           sb.onError,
		},
	})
	if err != nil {
		sb.events.close()
		return nil, err
	}
	if err := p.Start(); err != nil {
		sb.events.close()
		return nil, err
	}
	sb.pipeline = p

	go sb.runApply()
	return sb, nil
}

// ID returns the buffer identifier.
func (sb *SourceBuffer) ID() string { return sb.id }

// ContentType returns the parsed content type.
func (sb *SourceBuffer) ContentType() *mediatype.MediaType { return sb.contentType }

// Subscribe registers fn for this buffer's events.
func (sb *SourceBuffer) Subscribe(fn func(Event)) {
	sb.events.subscribe(fn)
}

// Updating reports whether an append is in progress.
func (sb *SourceBuffer) Updating() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.updating
}

// Errored reports whether the parser could not be reset after a failed
// append. An errored buffer rejects further appends until Abort.
func (sb *SourceBuffer) Errored() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.errored
}

// HasInitSegment reports whether an init segment has been processed.
func (sb *SourceBuffer) HasInitSegment() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.hasInit
}

// Mode returns the append mode.
func (sb *SourceBuffer) Mode() AppendMode {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.mode
}

// AppendWindow returns the append window. The end is WindowEndInfinite when
// unbounded.
func (sb *SourceBuffer) AppendWindow() (start, end time.Duration) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.windowStart, sb.windowEnd
}

// TimestampOffset returns the timestamp offset.
func (sb *SourceBuffer) TimestampOffset() time.Duration {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.timestampOffset
}

// Duration returns the duration reported by the append pipeline.
func (sb *SourceBuffer) Duration() time.Duration {
	return sb.pipeline.Duration()
}

// Tracks returns the discovered tracks in declaration order.
func (sb *SourceBuffer) Tracks() []*track.Track {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]*track.Track(nil), sb.order...)
}

// Active reports whether any track of the buffer is selected.
func (sb *SourceBuffer) Active() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, t := range sb.order {
		if t.Active() {
			return true
		}
	}
	return false
}

// StorageSize returns the bytes held by every track buffer.
func (sb *SourceBuffer) StorageSize() int64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.storageSizeLocked()
}

func (sb *SourceBuffer) storageSizeLocked() int64 {
	var total int64
	for _, t := range sb.order {
		total += sb.feeds[t].buffer.StorageSize()
	}
	return total
}

// HighestEndTime returns the latest sample end across all track buffers.
func (sb *SourceBuffer) HighestEndTime() time.Duration {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	end := media.ClockTimeNone
	for _, t := range sb.order {
		if e := sb.feeds[t].buffer.HighestEndTime(); media.IsValid(e) && (!media.IsValid(end) || e > end) {
			end = e
		}
	}
	return end
}

// TrackBuffer returns the track buffer of t, if any.
func (sb *SourceBuffer) TrackBuffer(t *track.Track) *trackbuffer.Buffer {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if f, ok := sb.feeds[t]; ok {
		return f.buffer
	}
	return nil
}

// Buffered returns the intersection of the buffered ranges of every audio
// and video track. Text tracks do not contribute.
func (sb *SourceBuffer) Buffered() []media.Range {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var (
		out         []media.Range
		contributed bool
	)
	for _, t := range sb.order {
		if t.Type() != media.TrackTypeAudio && t.Type() != media.TrackTypeVideo {
			continue
		}
		ranges := sb.feeds[t].buffer.Ranges()
		if !contributed {
			out = ranges
			contributed = true
			continue
		}
		out = media.IntersectRanges(out, ranges)
	}
	return out
}

// IsBuffered reports whether t is buffered on every active track.
func (sb *SourceBuffer) IsBuffered(t time.Duration) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, tr := range sb.order {
		if tr.Active() && !sb.feeds[tr].buffer.IsBuffered(t) {
			return false
		}
	}
	return true
}

// IsRangeBuffered reports whether [start, end] is buffered without gaps on
// every active track.
func (sb *SourceBuffer) IsRangeBuffered(start, end time.Duration) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, tr := range sb.order {
		if tr.Active() && !sb.feeds[tr].buffer.IsRangeBuffered(start, end) {
			return false
		}
	}
	return true
}

func (sb *SourceBuffer) mediaSource() *MediaSource {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.parent
}

// checkMutableLocked rejects changes on removed or updating buffers.
func (sb *SourceBuffer) checkMutableLocked(op string) error {
	if sb.removed {
		return newError(KindInvalidState, op, "source buffer has been removed")
	}
	if sb.updating {
		return newError(KindInvalidState, op, "source buffer is updating")
	}
	return nil
}

// SetMode changes the append mode. Switching to segments mode is rejected
// when the buffer generates its own timestamps.
func (sb *SourceBuffer) SetMode(mode AppendMode) error {
	const op = "set append mode"

	sb.mu.Lock()
	if err := sb.checkMutableLocked(op); err != nil {
		sb.mu.Unlock()
		return err
	}
	if sb.generateTimestamps && mode == AppendModeSegments {
		sb.mu.Unlock()
		return newError(KindType, op, "timestamps are generated for %s", sb.contentType.Essence())
	}
	parent := sb.parent
	sb.mu.Unlock()

	parent.reopenIfEnded()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.mode != mode {
		sb.mode = mode
		sb.resetTrackBuffersLocked()
	}
	return nil
}

// resetTrackBuffersLocked restarts timestamp generation on every track
// buffer with the group starting at the timestamp offset.
func (sb *SourceBuffer) resetTrackBuffersLocked() {
	sequence := sb.mode == AppendModeSequence
	for _, t := range sb.order {
		buf := sb.feeds[t].buffer
		buf.ProcessInitSegment(sequence)
		buf.SetGroupStart(sb.timestampOffset)
	}
}

// SetAppendWindowStart moves the start of the append window.
func (sb *SourceBuffer) SetAppendWindowStart(t time.Duration) error {
	const op = "set append window start"

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if err := sb.checkMutableLocked(op); err != nil {
		return err
	}
	if t < 0 || t >= sb.windowEnd {
		return newError(KindType, op, "start %s must be in [0, %s)", t, media.FormatTime(sb.windowEnd))
	}
	sb.windowStart = t
	return nil
}

// SetAppendWindowEnd moves the end of the append window. Pass
// WindowEndInfinite to remove the bound.
func (sb *SourceBuffer) SetAppendWindowEnd(t time.Duration) error {
	const op = "set append window end"

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if err := sb.checkMutableLocked(op); err != nil {
		return err
	}
	if t <= sb.windowStart {
		return newError(KindType, op, "end %s must be after start %s", t, sb.windowStart)
	}
	sb.windowEnd = t
	return nil
}

// SetTimestampOffset sets the offset applied to appended media. In sequence
// mode it starts a new coded frame group at t.
func (sb *SourceBuffer) SetTimestampOffset(t time.Duration) error {
	const op = "set timestamp offset"

	sb.mu.Lock()
	if err := sb.checkMutableLocked(op); err != nil {
		sb.mu.Unlock()
		return err
	}
	parent := sb.parent
	sb.mu.Unlock()

	parent.reopenIfEnded()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.timestampOffset = t
	for _, tr := range sb.order {
		sb.feeds[tr].buffer.SetGroupStart(t)
	}
	return nil
}

// ChangeContentType validates a type change request. Changing the type of
// an existing buffer is not supported.
func (sb *SourceBuffer) ChangeContentType(typ string) error {
	const op = "change type"

	if typ == "" {
		return newError(KindType, op, "empty type")
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if err := sb.checkMutableLocked(op); err != nil {
		return err
	}
	return newError(KindNotSupported, op, "cannot change %s to %s", sb.contentType.Essence(), typ)
}

// AppendBuffer queues data for parsing. It returns once the append has been
// scheduled; completion is reported by the update and update-end events.
// When the data would exceed the size limit, buffered media older than the
// eviction margin before the playback position is removed first; if that is
// not enough the call fails with KindQuotaExceeded and nothing is queued.
func (sb *SourceBuffer) AppendBuffer(data []byte) error {
	const op = "append buffer"

	sb.mu.Lock()
	err := sb.checkAppendLocked(op)
	parent := sb.parent
	sb.mu.Unlock()
	if err != nil {
		return err
	}

	parent.reopenIfEnded()
	position := parent.Position()

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if err := sb.checkAppendLocked(op); err != nil {
		return err
	}
	if err := sb.evictLocked(position, int64(len(data))); err != nil {
		return err
	}

	sb.pending = append(sb.pending, data...)
	sb.updating = true
	sb.events.emit(EventUpdateStart)
	sb.signalApplyLocked()
	return nil
}

// signalApplyLocked wakes the apply worker. A signal already queued covers
// the new bytes since apply drains all of pending.
func (sb *SourceBuffer) signalApplyLocked() {
	select {
	case sb.applyCh <- struct{}{}:
	default:
	}
}

func (sb *SourceBuffer) checkAppendLocked(op string) error {
	if err := sb.checkMutableLocked(op); err != nil {
		return err
	}
	if sb.errored {
		return newError(KindInvalidState, op, "source buffer is in an error state")
	}
	return nil
}

// evictLocked frees samples with a decode time up to the eviction margin
// before position until incoming bytes fit the size limit.
func (sb *SourceBuffer) evictLocked(position time.Duration, incoming int64) error {
	limit := sb.cfg.SizeLimit
	used := sb.storageSizeLocked() + int64(len(sb.pending))
	if used+incoming <= limit {
		return nil
	}

	// Close to the start only samples decoding at zero are evictable.
	cutoff := max(position-sb.cfg.EvictionMargin, 0)
	var freed int64
	for _, t := range sb.order {
		freed += sb.feeds[t].buffer.RemoveRange(0, cutoff)
	}
	sb.logger.Debug("evicted buffered media",
		slog.Int64("freed", freed),
		slog.String("up_to", cutoff.String()))
	used = sb.storageSizeLocked() + int64(len(sb.pending))

	if used+incoming > limit {
		return newError(KindQuotaExceeded, "append buffer",
			"%d bytes buffered, %d incoming, limit %d", used, incoming, limit)
	}
	return nil
}

func (sb *SourceBuffer) runApply() {
	defer close(sb.stopped)
	for {
		select {
		case <-sb.applyCh:
			sb.apply()
		case <-sb.quit:
			return
		}
	}
}

// apply feeds the pending bytes to the append pipeline.
func (sb *SourceBuffer) apply() {
	sb.mu.Lock()
	if sb.removed {
		sb.pending = nil
		sb.mu.Unlock()
		sb.finishAppend()
		return
	}
	data := sb.pending
	sb.pending = nil
	sb.mu.Unlock()

	if sb.pipeline.Failed() {
		sb.appendError(fmt.Errorf("append pipeline: %w", sb.pipeline.Err()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sb.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := sb.pipeline.Append(ctx, data)
	cancel()

	sb.mu.Lock()
	removed := sb.removed
	sb.mu.Unlock()
	if err != nil && !removed {
		sb.appendError(err)
		return
	}
	sb.finishAppend()
}

func (sb *SourceBuffer) finishAppend() {
	sb.mu.Lock()
	sb.updating = false
	sb.mu.Unlock()

	sb.events.emit(EventUpdate)
	sb.events.emit(EventUpdateEnd)
}

// appendError resets the parser, reports the failure and ends the stream
// with a decode error. The buffer stays errored only when the reset fails.
func (sb *SourceBuffer) appendError(err error) {
	sb.logger.Warn("append failed", slog.String("error", err.Error()))

	resetErr := sb.pipeline.Reset()
	if resetErr != nil && !errors.Is(resetErr, appendpipeline.ErrStopped) {
		sb.logger.Error("resetting append pipeline", slog.String("error", resetErr.Error()))
	}

	sb.mu.Lock()
	sb.pending = nil
	sb.updating = false
	sb.errored = resetErr != nil
	parent := sb.parent
	removed := sb.removed
	sb.mu.Unlock()

	if removed || parent == nil {
		return
	}

	// The source is ended before update-end so a caller woken by it sees
	// the final ready state.
	if eosErr := parent.EndOfStream(EndOfStreamDecode); eosErr != nil {
		sb.logger.Debug("ending stream after append error", slog.String("error", eosErr.Error()))
	}
	sb.events.push(Event{Type: EventError, Err: err})
	sb.events.emit(EventUpdateEnd)
}

// Abort ends the current parse early and resets the parser. The abort
// event fires when the pipeline accepted the end of stream.
func (sb *SourceBuffer) Abort() error {
	const op = "abort"

	sb.mu.Lock()
	if sb.removed {
		sb.mu.Unlock()
		return newError(KindInvalidState, op, "source buffer has been removed")
	}
	parent := sb.parent
	sb.mu.Unlock()

	if parent.ReadyState() != ReadyStateOpen {
		return newError(KindInvalidState, op, "media source is %s", parent.ReadyState())
	}
	sb.abort()
	if err := sb.pipeline.Reset(); err != nil {
		sb.logger.Debug("resetting parser after abort", slog.String("error", err.Error()))
	}

	sb.mu.Lock()
	sb.windowStart = 0
	sb.windowEnd = WindowEndInfinite
	sb.errored = false
	sb.mu.Unlock()
	return nil
}

// abort is the best-effort early end of stream shared with the media source.
func (sb *SourceBuffer) abort() {
	if err := sb.pipeline.EOS(); err != nil {
		sb.logger.Debug("early end of stream", slog.String("error", err.Error()))
		return
	}
	sb.events.emit(EventAbort)
}

// Remove validates a removal request for [start, end). Buffered media is
// left in place.
func (sb *SourceBuffer) Remove(start, end time.Duration) error {
	const op = "remove"

	sb.mu.Lock()
	err := sb.checkMutableLocked(op)
	parent := sb.parent
	sb.mu.Unlock()
	if err != nil {
		return err
	}

	duration := parent.Duration()
	if start < 0 || (media.IsValid(duration) && start > duration) {
		return newError(KindType, op, "start %s out of range", start)
	}
	if end <= start {
		return newError(KindType, op, "end %s must be after start %s", end, start)
	}
	sb.logger.Debug("remove requested", slog.String("start", start.String()), slog.String("end", end.String()))
	return nil
}

// Seek restarts every feeder from the keyframe at or before t.
func (sb *SourceBuffer) Seek(t time.Duration) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.seekTime = t
	for _, tr := range sb.order {
		f := sb.feeds[tr]
		tr.Flush()
		f.stop()
		f.seek(t)
		tr.Resume()
		f.start()
	}
}

// Teardown resets the parser and clears the updating flag.
func (sb *SourceBuffer) Teardown() {
	if err := sb.pipeline.Reset(); err != nil {
		sb.logger.Debug("teardown reset", slog.String("error", err.Error()))
	}
	sb.mu.Lock()
	sb.updating = false
	sb.pending = nil
	select {
	case <-sb.applyCh:
	default:
	}
	sb.mu.Unlock()
}

// detach stops the workers of a buffer removed from its media source.
func (sb *SourceBuffer) detach() {
	sb.mu.Lock()
	if sb.removed {
		sb.mu.Unlock()
		return
	}
	sb.removed = true
	sb.parent = nil
	feeds := make([]*feed, 0, len(sb.order))
	for _, t := range sb.order {
		feeds = append(feeds, sb.feeds[t])
	}
	sb.mu.Unlock()

	close(sb.quit)
	<-sb.stopped
	for _, f := range feeds {
		f.track.Flush()
		f.stop()
	}
	_ = sb.pipeline.Close()
	sb.events.close()
}

func (sb *SourceBuffer) onInitSegment(init appendpipeline.InitSegment) {
	sb.mu.Lock()
	if sb.removed {
		sb.mu.Unlock()
		return
	}
	for _, t := range init.Tracks() {
		if _, ok := sb.feeds[t]; ok {
			continue
		}
		buf := trackbuffer.New(trackbuffer.Config{MergeGap: sb.cfg.MergeGap})
		f := newFeed(t, buf, sb.cfg.FeedBackoff, sb.logger)
		f.seek(sb.seekTime)
		sb.feeds[t] = f
		sb.order = append(sb.order, t)
	}
	sb.resetTrackBuffersLocked()
	sb.hasInit = true
	parent := sb.parent
	sb.mu.Unlock()

	sb.events.emit(EventInitSegmentReceived)
	if parent != nil {
		for _, t := range init.Tracks() {
			t.OnActiveChanged(func(*track.Track) { parent.recomputeActive() })
		}
		parent.recomputeActive()
	}
}

// onNewSample applies the timestamp offset and append window, then stores
// the sample and wakes the track's feeder.
func (sb *SourceBuffer) onNewSample(t *track.Track, s *media.Sample) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if !sb.hasInit || sb.removed {
		return
	}
	f, ok := sb.feeds[t]
	if !ok {
		return
	}

	if sb.mode == AppendModeSegments && sb.timestampOffset != 0 {
		s = s.WithTimestamps(s.PTS+sb.timestampOffset, s.DTS+sb.timestampOffset)
	}

	end := s.End()
	if s.PTS < sb.windowStart || (sb.windowEnd != WindowEndInfinite && end > sb.windowEnd) {
		sb.logger.Debug("dropping sample outside append window", slog.String("sample", s.String()))
		return
	}

	f.buffer.Add(s)
	f.start()
}

func (sb *SourceBuffer) onDurationChanged(time.Duration) {
	if parent := sb.mediaSource(); parent != nil {
		parent.extendDuration(sb.HighestEndTime())
	}
}

func (sb *SourceBuffer) onTrackEOS(t *track.Track) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	f, ok := sb.feeds[t]
	if !ok || sb.removed {
		return
	}
	f.buffer.EOS()
	f.start()
}

func (sb *SourceBuffer) onEOS() {
	sb.logger.Debug("append pipeline reached end of stream")
}

func (sb *SourceBuffer) onError(err error) {
	sb.logger.Debug("append pipeline reported error", slog.String("error", err.Error()))
}
