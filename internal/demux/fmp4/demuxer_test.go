package fmp4

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	topologies []demux.Topology
	packets    []demux.Packet
}

func (r *recorder) OnTopology(t demux.Topology) { r.topologies = append(r.topologies, t) }
func (r *recorder) OnPacket(p demux.Packet)     { r.packets = append(r.packets, p) }

func newDemuxer(t *testing.T) (demux.Demuxer, *recorder) {
	t.Helper()
	rec := &recorder{}
	d, err := New(demux.Config{Sink: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, rec
}

func TestNew_RequiresSink(t *testing.T) {
	_, err := New(demux.Config{})
	assert.Error(t, err)
}

func TestDemuxer_InitSegment(t *testing.T) {
	d, rec := newDemuxer(t)
	init, err := testutil.NewMediaGenerator().FMP4Init(true)
	require.NoError(t, err)

	require.NoError(t, d.Write(init))
	require.Len(t, rec.topologies, 1)

	topo := rec.topologies[0]
	assert.Equal(t, media.ClockTimeNone, topo.Duration)
	require.Len(t, topo.Streams, 2)

	video := topo.Streams[0]
	assert.Equal(t, "1", video.ID)
	assert.Equal(t, media.TrackTypeVideo, video.Type)
	assert.Equal(t, testutil.VideoCodec, video.Codec)
	assert.Equal(t, "video/x-h264", video.Caps.MimeType)
	assert.Positive(t, video.Caps.Width)
	assert.Positive(t, video.Caps.Height)
	assert.NotEmpty(t, video.Caps.CodecData)

	audio := topo.Streams[1]
	assert.Equal(t, "2", audio.ID)
	assert.Equal(t, media.TrackTypeAudio, audio.Type)
	assert.Equal(t, testutil.AudioCodec, audio.Codec)
	assert.Equal(t, 48000, audio.Caps.SampleRate)
	assert.Equal(t, 2, audio.Caps.Channels)
}

func TestDemuxer_Fragment(t *testing.T) {
	d, rec := newDemuxer(t)
	g := testutil.NewMediaGenerator()

	data, err := g.FMP4VideoSegment(90000, 3, 2, 32)
	require.NoError(t, err)
	require.NoError(t, d.Write(data))
	require.NoError(t, d.EndOfStream())

	require.Len(t, rec.packets, 3)
	frame := demux.TicksToDuration(testutil.VideoSampleTicks, testutil.VideoTimeScale)
	for i, p := range rec.packets {
		assert.Equal(t, "1", p.StreamID)
		assert.Equal(t, time.Second+time.Duration(i)*frame, p.DTS)
		assert.Equal(t, p.DTS, p.PTS)
		assert.Equal(t, frame, p.Duration)
		assert.Len(t, p.Data, 32)
	}
	assert.True(t, rec.packets[0].Keyframe)
	assert.False(t, rec.packets[1].Keyframe)
	assert.True(t, rec.packets[2].Keyframe)
}

func TestDemuxer_ByteAtATime(t *testing.T) {
	d, rec := newDemuxer(t)
	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(0, 2, 1, 16)
	require.NoError(t, err)

	for i := range data {
		require.NoError(t, d.Write(data[i:i+1]))
	}
	assert.Len(t, rec.topologies, 1)
	assert.Len(t, rec.packets, 2)
}

func TestDemuxer_FragmentBeforeInit(t *testing.T) {
	d, _ := newDemuxer(t)
	g := testutil.NewMediaGenerator()
	frag, err := g.FMP4Fragment(1, testutil.FragmentTrack{ID: 1, Samples: g.VideoSamples(1, 1, 16)})
	require.NoError(t, err)

	assert.Error(t, d.Write(frag))
}

func TestDemuxer_SkipsUnknownBoxes(t *testing.T) {
	d, rec := newDemuxer(t)
	free := make([]byte, 16)
	binary.BigEndian.PutUint32(free, 16)
	copy(free[4:], "free")

	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(0, 1, 1, 16)
	require.NoError(t, err)

	require.NoError(t, d.Write(append(free, data...)))
	assert.Len(t, rec.packets, 1)
}

func TestDemuxer_TrailingBytes(t *testing.T) {
	d, _ := newDemuxer(t)
	require.NoError(t, d.Write([]byte{0, 0, 0, 32, 'm', 'o'}))
	assert.Error(t, d.EndOfStream())
}

func TestDemuxer_InvalidBoxSize(t *testing.T) {
	d, _ := newDemuxer(t)
	assert.Error(t, d.Write([]byte{0, 0, 0, 4, 'f', 'r', 'e', 'e'}))
}

func TestDemuxer_Closed(t *testing.T) {
	d, _ := newDemuxer(t)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Write([]byte{0}), demux.ErrClosed)
	assert.ErrorIs(t, d.EndOfStream(), demux.ErrClosed)
}

func TestPeekBox_Extended(t *testing.T) {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b, 1)
	copy(b[4:], "mdat")
	binary.BigEndian.PutUint64(b[8:], 1<<33)

	size, typ, ok, err := peekBox(b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mdat", typ)
	assert.Equal(t, uint64(1<<33), size)

	_, _, ok, err = peekBox(b[:12])
	require.NoError(t, err)
	assert.False(t, ok)
}
