package msesrc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/testutil"
)

// playback is a media source attached to a Src whose outputs are linked to
// collectors as they appear.
type playback struct {
	ms  *mse.MediaSource
	src *Src

	mu         sync.Mutex
	collectors map[media.TrackType]*Collector
}

func newPlayback(t *testing.T, cfg Config) *playback {
	t.Helper()
	p := &playback{collectors: make(map[media.TrackType]*Collector)}
	cfg.OnOutput = func(o *Output) {
		c := NewCollector()
		p.mu.Lock()
		p.collectors[o.Type()] = c
		p.mu.Unlock()
		require.NoError(t, o.Link(c))
	}
	p.ms = mse.New(mse.Config{})
	p.src = New(cfg)
	require.NoError(t, p.src.Attach(p.ms))
	t.Cleanup(func() {
		require.NoError(t, p.src.Close())
		p.ms.Close()
	})
	return p
}

func (p *playback) collector(t *testing.T, typ media.TrackType) *Collector {
	t.Helper()
	var c *Collector
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		c = p.collectors[typ]
		return c != nil
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (p *playback) addBuffer(t *testing.T, typ string) (*mse.SourceBuffer, <-chan struct{}) {
	t.Helper()
	sb, err := p.ms.AddSourceBuffer(typ)
	require.NoError(t, err)
	ends := make(chan struct{}, 16)
	sb.Subscribe(func(ev mse.Event) {
		if ev.Type == mse.EventUpdateEnd {
			ends <- struct{}{}
		}
	})
	return sb, ends
}

func appendAndWait(t *testing.T, sb *mse.SourceBuffer, ends <-chan struct{}, data []byte) {
	t.Helper()
	require.NoError(t, sb.AppendBuffer(data))
	select {
	case <-ends:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update end")
	}
	require.False(t, sb.Errored())
}

func videoSegment(t *testing.T, n int) []byte {
	t.Helper()
	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(0, n, 1, 32)
	require.NoError(t, err)
	return data
}

func avSegment(t *testing.T, videoFrames, audioFrames int) []byte {
	t.Helper()
	g := testutil.NewMediaGenerator()
	init, err := g.FMP4Init(true)
	require.NoError(t, err)
	frag, err := g.FMP4Fragment(1,
		testutil.FragmentTrack{ID: testutil.VideoTrackID, Samples: g.VideoSamples(videoFrames, 1, 32)},
		testutil.FragmentTrack{ID: testutil.AudioTrackID, Samples: g.AudioSamples(audioFrames, 16)},
	)
	require.NoError(t, err)
	return append(init, frag...)
}

func frames(n int) time.Duration {
	return demux.TicksToDuration(int64(n)*testutil.VideoSampleTicks, testutil.VideoTimeScale)
}

func TestPlayback_EndToEnd(t *testing.T) {
	p := newPlayback(t, Config{})
	sb, ends := p.addBuffer(t, testutil.VideoType)
	appendAndWait(t, sb, ends, videoSegment(t, 10))

	require.NoError(t, p.ms.EndOfStream(mse.EndOfStreamNone))

	c := p.collector(t, media.TrackTypeVideo)
	waitDone(t, c)

	types := c.EventTypes()
	require.GreaterOrEqual(t, len(types), 5)
	assert.Equal(t, []EventType{EventStreamStart, EventCaps, EventSegment, EventStreamCollection}, types[:4])
	assert.Equal(t, EventEOS, types[len(types)-1])

	samples := c.Samples()
	require.Len(t, samples, 10)
	for i, s := range samples {
		assert.Equal(t, frames(i), s.PTS)
	}

	outputs := p.src.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, 10, outputs[0].Samples())
	assert.Equal(t, p.ms.Duration(), p.src.Duration())
}

func TestPlayback_AudioAndVideo(t *testing.T) {
	p := newPlayback(t, Config{})
	sb, ends := p.addBuffer(t, testutil.AVType)
	appendAndWait(t, sb, ends, avSegment(t, 6, 8))
	require.NoError(t, p.ms.EndOfStream(mse.EndOfStreamNone))

	video := p.collector(t, media.TrackTypeVideo)
	audio := p.collector(t, media.TrackTypeAudio)
	waitDone(t, video)
	waitDone(t, audio)

	assert.Len(t, video.Samples(), 6)
	assert.Len(t, audio.Samples(), 8)

	ve, ae := video.Events(), audio.Events()
	assert.Equal(t, ve[0].GroupID, ae[0].GroupID)
	assert.NotEqual(t, ve[0].StreamID, ae[0].StreamID)
}

func TestPlayback_Seek(t *testing.T) {
	p := newPlayback(t, Config{})
	sb, ends := p.addBuffer(t, testutil.VideoType)
	appendAndWait(t, sb, ends, videoSegment(t, 30))
	require.NoError(t, p.ms.EndOfStream(mse.EndOfStreamNone))

	c := p.collector(t, media.TrackTypeVideo)
	waitDone(t, c)
	c.Reset()

	target := frames(15)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.src.Seek(ctx, target))
	assert.Equal(t, target, p.src.Position())

	require.Eventually(t, func() bool {
		types := c.EventTypes()
		return len(types) > 0 && types[len(types)-1] == EventEOS
	}, 5*time.Second, 5*time.Millisecond)

	types := c.EventTypes()
	assert.Equal(t, []EventType{EventFlushStart, EventFlushStop, EventSegment}, types[:3])
	assert.Equal(t, target, c.Events()[2].Segment.Start)

	samples := c.Samples()
	require.Len(t, samples, 15)
	assert.Equal(t, target, samples[0].PTS)
}

func TestPlayback_SeekResumesPausedOutputs(t *testing.T) {
	p := newPlayback(t, Config{})
	sb, ends := p.addBuffer(t, testutil.VideoType)
	appendAndWait(t, sb, ends, videoSegment(t, 5))

	c := p.collector(t, media.TrackTypeVideo)
	c.SetFlow(FlowNotLinked)
	require.NoError(t, p.ms.EndOfStream(mse.EndOfStreamNone))

	o := p.src.Outputs()[0]
	require.Eventually(t, o.IsPaused, 2*time.Second, 5*time.Millisecond)

	c.SetFlow(FlowOK)
	require.NoError(t, p.src.Seek(context.Background(), 0))
	waitDone(t, c)
	assert.NotEmpty(t, c.Samples())
}

func TestPlayback_ReadyState(t *testing.T) {
	p := newPlayback(t, Config{
		FutureDataThreshold: 100 * time.Millisecond,
		EnoughDataThreshold: 500 * time.Millisecond,
	})
	assert.Equal(t, HaveNothing, p.src.ReadyState())

	sb, ends := p.addBuffer(t, testutil.VideoType)
	appendAndWait(t, sb, ends, videoSegment(t, 30))
	require.NoError(t, p.ms.SetDuration(10*time.Second))

	tests := []struct {
		position time.Duration
		want     ReadyState
	}{
		{0, HaveEnoughData},
		{600 * time.Millisecond, HaveFutureData},
		{950 * time.Millisecond, HaveCurrentData},
		{2 * time.Second, HaveMetadata},
	}
	for _, tt := range tests {
		p.src.ReportPosition(tt.position)
		assert.Equal(t, tt.want, p.src.ReadyState(), "position %s", tt.position)
	}

	// near the end the thresholds shrink to what is left
	require.NoError(t, p.ms.SetDuration(sb.HighestEndTime()))
	p.src.ReportPosition(frames(25))
	assert.Equal(t, HaveEnoughData, p.src.ReadyState())
}

func TestPlayback_PlaybackError(t *testing.T) {
	p := newPlayback(t, Config{})
	require.NoError(t, p.ms.EndOfStream(mse.EndOfStreamNetwork))

	kind, ok := p.src.LastError()
	require.True(t, ok)
	assert.Equal(t, mse.EndOfStreamNetwork, kind)
}

func TestPlayback_AttachTwice(t *testing.T) {
	p := newPlayback(t, Config{})
	assert.ErrorIs(t, p.src.Attach(mse.New(mse.Config{})), mse.ErrInvalidState)

	other := New(Config{})
	t.Cleanup(func() { _ = other.Close() })
	assert.ErrorIs(t, other.Attach(p.ms), mse.ErrInvalidState)
	assert.Nil(t, other.MediaSource())
}
