package mpegts

import (
	"sync"
	"testing"

	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu         sync.Mutex
	topologies []demux.Topology
	packets    []demux.Packet
}

func (r *recorder) OnTopology(t demux.Topology) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topologies = append(r.topologies, t)
}

func (r *recorder) OnPacket(p demux.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recorder) byStream(id string) []demux.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []demux.Packet
	for _, p := range r.packets {
		if p.StreamID == id {
			out = append(out, p)
		}
	}
	return out
}

func TestDemuxer_Stream(t *testing.T) {
	rec := &recorder{}
	d, err := New(demux.Config{Sink: rec})
	require.NoError(t, err)
	defer d.Close()

	data, err := testutil.NewMediaGenerator().MPEGTS(4, 4, 2)
	require.NoError(t, err)

	// Feed in odd-sized chunks to exercise packet reassembly
	for len(data) > 0 {
		n := min(500, len(data))
		require.NoError(t, d.Write(data[:n]))
		data = data[n:]
	}
	require.NoError(t, d.EndOfStream())

	require.Len(t, rec.topologies, 1)
	streams := rec.topologies[0].Streams
	require.Len(t, streams, 2)
	assert.Equal(t, "256", streams[0].ID)
	assert.Equal(t, media.TrackTypeVideo, streams[0].Type)
	assert.Equal(t, "avc1", streams[0].Codec)
	assert.Equal(t, "257", streams[1].ID)
	assert.Equal(t, media.TrackTypeAudio, streams[1].Type)
	assert.Equal(t, testutil.AudioCodec, streams[1].Codec)

	video := rec.byStream("256")
	require.GreaterOrEqual(t, len(video), 3)
	assert.True(t, video[0].Keyframe)
	assert.False(t, video[1].Keyframe)
	assert.Equal(t, media.ClockTimeNone, video[0].Duration)
	frame := demux.TicksToDuration(testutil.VideoSampleTicks, clockRate)
	assert.Equal(t, frame, video[1].PTS-video[0].PTS)
	assert.Equal(t, video[0].PTS, video[0].DTS)

	audio := rec.byStream("257")
	require.NotEmpty(t, audio)
	assert.Equal(t, audio[0].PTS, audio[0].DTS)
	assert.Equal(t, demux.TicksToDuration(1920, clockRate), audio[0].Duration)
}

func TestDemuxer_EndOfStreamWithoutData(t *testing.T) {
	rec := &recorder{}
	d, err := New(demux.Config{Sink: rec})
	require.NoError(t, err)

	assert.NoError(t, d.EndOfStream())
	assert.Empty(t, rec.topologies)
	assert.ErrorIs(t, d.Write([]byte{0x47}), demux.ErrClosed)
	assert.NoError(t, d.Close())
}

func TestFrameDuration(t *testing.T) {
	assert.Equal(t, int64(1920), frameDuration(aacFrameSamples, 48000))
	assert.Equal(t, int64(2089), frameDuration(aacFrameSamples, 44100))
	assert.Equal(t, int64(2160), frameDuration(mp3FrameSamples, 0))
}
