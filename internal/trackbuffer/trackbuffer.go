// Package trackbuffer stores the samples of one track together with the
// timestamp generation state used for sequence-mode appends.
package trackbuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/samplemap"
)

// DefaultMergeGap is the largest gap between two samples that still counts
// as contiguous when computing buffered ranges.
const DefaultMergeGap = 10 * time.Millisecond

// Config configures a Buffer.
type Config struct {
	// MergeGap overrides DefaultMergeGap when positive.
	MergeGap time.Duration
}

type timestampGen struct {
	enabled         bool
	needsGroupStart bool
	groupStart      time.Duration
	groupEnd        time.Duration
	offset          time.Duration
	lastDTS         time.Duration
	lastDuration    time.Duration
}

// Buffer is one sample map plus timestamp generation state and an EOS flag.
// A single mutex linearizes sample insertion with the generation state.
type Buffer struct {
	mu       sync.Mutex
	samples  *samplemap.Map
	gen      timestampGen
	eos      atomic.Bool
	changed  chan struct{}
	mergeGap time.Duration
}

// New creates an empty track buffer in segments mode.
func New(cfg Config) *Buffer {
	gap := cfg.MergeGap
	if gap <= 0 {
		gap = DefaultMergeGap
	}
	return &Buffer{
		samples:  samplemap.New(),
		changed:  make(chan struct{}),
		mergeGap: gap,
		gen: timestampGen{
			lastDTS:      media.ClockTimeNone,
			lastDuration: media.ClockTimeNone,
		},
	}
}

// signalLocked wakes every waiter by closing the current change channel.
func (b *Buffer) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next mutation or EOS.
// Take it before inspecting the buffer to avoid missing a wakeup.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// ProcessInitSegment resets timestamp generation. Generation is enabled only
// in sequence mode.
func (b *Buffer) ProcessInitSegment(sequenceMode bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gen = timestampGen{
		enabled:         sequenceMode,
		needsGroupStart: true,
		lastDTS:         media.ClockTimeNone,
		lastDuration:    media.ClockTimeNone,
	}
}

// SetGroupStart records the start time of the next coded frame group. It
// has no effect in segments mode.
func (b *Buffer) SetGroupStart(t time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.gen.enabled {
		return
	}
	b.gen.groupStart = t
	b.gen.groupEnd = t
	b.gen.needsGroupStart = true
}

// Add stores a sample and wakes waiters. In sequence mode the sample is
// retimed so it directly follows the previous one; the stored sample is
// returned.
func (b *Buffer) Add(s *media.Sample) *media.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen.enabled {
		s = b.retimeLocked(s)
	}
	b.samples.Add(s)
	b.signalLocked()
	return s
}

func (b *Buffer) retimeLocked(s *media.Sample) *media.Sample {
	g := &b.gen
	if g.needsGroupStart {
		g.offset = g.groupStart - s.PTS
		g.groupEnd = g.groupStart
		g.needsGroupStart = false
	}

	pts := g.groupEnd
	delta := pts - s.PTS
	dts := s.DTS
	if media.IsValid(dts) {
		dts += delta
	}
	g.offset = delta

	end := pts
	if media.IsValid(s.Duration) {
		end += s.Duration
	}
	g.groupEnd = max(g.groupEnd, end)
	g.lastDTS = dts
	g.lastDuration = s.Duration

	return s.WithTimestamps(pts, dts)
}

// Offset returns the timestamp offset applied to the most recent sample.
func (b *Buffer) Offset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen.offset
}

// Remove deletes one sample.
func (b *Buffer) Remove(s *media.Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := b.samples.Remove(s)
	if ok {
		b.signalLocked()
	}
	return ok
}

// RemoveRange deletes the samples whose decode time is within
// [earliest, latest] and returns the number of bytes freed.
func (b *Buffer) RemoveRange(earliest, latest time.Duration) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := b.samples.RemoveRange(earliest, latest)
	if removed > 0 {
		b.signalLocked()
	}
	return removed
}

// EOS marks the end of the track and wakes waiters.
func (b *Buffer) EOS() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.eos.Store(true)
	b.signalLocked()
}

// IsEOS reports whether EOS was signalled.
func (b *Buffer) IsEOS() bool {
	return b.eos.Load()
}

// AwaitEOSUntil blocks until EOS is signalled or the deadline passes. It
// returns whether EOS was reached.
func (b *Buffer) AwaitEOSUntil(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		changed := b.Changed()
		if b.IsEOS() {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return b.IsEOS()
		}
	}
}

// AwaitNewDataUntil blocks until the buffer changes or the deadline passes.
func (b *Buffer) AwaitNewDataUntil(deadline time.Time) bool {
	changed := b.Changed()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	}
}

// Samples exposes the underlying sample map.
func (b *Buffer) Samples() *samplemap.Map {
	return b.samples
}

// Size returns the number of stored samples.
func (b *Buffer) Size() int {
	return b.samples.Size()
}

// StorageSize returns the stored payload size.
func (b *Buffer) StorageSize() int64 {
	return b.samples.StorageSize()
}

// HighestEndTime returns the end of the last sample in presentation order.
func (b *Buffer) HighestEndTime() time.Duration {
	return b.samples.HighestEndTime()
}

// Ranges folds the samples, in presentation order, into buffered ranges.
// Two neighbours separated by no more than the merge gap are joined.
func (b *Buffer) Ranges() []media.Range {
	var ranges []media.Range
	b.samples.Walk(samplemap.ByPTS, func(s *media.Sample) bool {
		if !media.IsValid(s.PTS) {
			return true
		}
		start, end := s.PTS, s.End()
		if n := len(ranges); n > 0 && start <= ranges[n-1].End+b.mergeGap {
			ranges[n-1].End = max(ranges[n-1].End, end)
			return true
		}
		ranges = append(ranges, media.Range{Start: start, End: end})
		return true
	})
	return ranges
}

// IsBuffered reports whether t falls inside a buffered range.
func (b *Buffer) IsBuffered(t time.Duration) bool {
	return media.RangesContain(b.Ranges(), t)
}

// IsRangeBuffered reports whether [start, end] is covered without gaps.
func (b *Buffer) IsRangeBuffered(start, end time.Duration) bool {
	for _, r := range b.Ranges() {
		if r.Covers(start, end) {
			return true
		}
	}
	return false
}
