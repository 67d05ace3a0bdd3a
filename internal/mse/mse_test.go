package mse

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/testutil"
)

// fakeElement records what the media source reports to its element.
type fakeElement struct {
	mu            sync.Mutex
	position      time.Duration
	durations     []time.Duration
	errors        []EndOfStreamError
	tracksChanged int
}

func (e *fakeElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeElement) setPosition(t time.Duration) {
	e.mu.Lock()
	e.position = t
	e.mu.Unlock()
}

func (e *fakeElement) DurationChanged(d time.Duration) {
	e.mu.Lock()
	e.durations = append(e.durations, d)
	e.mu.Unlock()
}

func (e *fakeElement) PlaybackError(kind EndOfStreamError) {
	e.mu.Lock()
	e.errors = append(e.errors, kind)
	e.mu.Unlock()
}

func (e *fakeElement) TracksChanged() {
	e.mu.Lock()
	e.tracksChanged++
	e.mu.Unlock()
}

func (e *fakeElement) playbackErrors() []EndOfStreamError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.errors)
}

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ends   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ends: make(chan struct{}, 64)}
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == EventUpdateEnd {
		r.ends <- struct{}{}
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitUpdateEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ends:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for update end, got %v", r.types())
	}
}

func newOpenSource(t *testing.T, cfg Config) (*MediaSource, *fakeElement) {
	t.Helper()
	ms := New(cfg)
	el := &fakeElement{}
	require.NoError(t, ms.Attach(el))
	t.Cleanup(ms.Close)
	return ms, el
}

func addVideoBuffer(t *testing.T, ms *MediaSource) (*SourceBuffer, *recorder) {
	t.Helper()
	sb, err := ms.AddSourceBuffer(testutil.VideoType)
	require.NoError(t, err)
	rec := newRecorder()
	sb.Subscribe(rec.record)
	return sb, rec
}

func appendAndWait(t *testing.T, sb *SourceBuffer, rec *recorder, data []byte) {
	t.Helper()
	require.NoError(t, sb.AppendBuffer(data))
	rec.waitUpdateEnd(t)
}

func videoSegment(t *testing.T, baseTicks uint64, n, size int) []byte {
	t.Helper()
	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(baseTicks, n, 1, size)
	require.NoError(t, err)
	return data
}

func videoFragment(t *testing.T, seq uint32, baseTicks uint64, n, size int) []byte {
	t.Helper()
	g := testutil.NewMediaGenerator()
	data, err := g.FMP4Fragment(seq, testutil.FragmentTrack{
		ID:       testutil.VideoTrackID,
		BaseTime: baseTicks,
		Samples:  g.VideoSamples(n, 1, size),
	})
	require.NoError(t, err)
	return data
}

func frameDuration() time.Duration {
	return demux.TicksToDuration(testutil.VideoSampleTicks, testutil.VideoTimeScale)
}

// blockingRegistry returns an fMP4 demuxer registry whose Write blocks until
// release is closed.
func blockingRegistry(release <-chan struct{}) *demux.Registry {
	r := demux.NewRegistry()
	r.Register(codec.ContainerFMP4, func(cfg demux.Config) (demux.Demuxer, error) {
		return &blockingDemuxer{release: release}, nil
	})
	return r
}

type blockingDemuxer struct {
	release <-chan struct{}
}

func (d *blockingDemuxer) Write([]byte) error {
	<-d.release
	return nil
}

func (d *blockingDemuxer) EndOfStream() error { return nil }
func (d *blockingDemuxer) Close() error       { return nil }
