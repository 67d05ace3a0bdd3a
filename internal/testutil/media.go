// Package testutil provides synthetic media fixtures for tests. Container
// bytes are produced by mediacommon's own muxers so parsers are exercised
// against real fMP4 and MPEG-TS structures.
package testutil

import (
	"bytes"
	"fmt"
	"math/rand/v2"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Track layout used by every generated fixture.
const (
	VideoTrackID   = 1
	AudioTrackID   = 2
	VideoTimeScale = 90000
	AudioTimeScale = 48000

	// VideoSampleTicks is one frame at 30 fps.
	VideoSampleTicks = 3000
	// AudioSampleTicks is one AAC frame at 48 kHz.
	AudioSampleTicks = 1024

	// VideoCodec is the RFC 6381 codec string matching H264SPS.
	VideoCodec = "avc1.42c01e"
	// AudioCodec is the RFC 6381 codec string matching AACConfig.
	AudioCodec = "mp4a.40.2"

	// VideoType and AVType are content types accepted for the fixtures.
	VideoType = `video/mp4; codecs="avc1.42c01e"`
	AVType    = `video/mp4; codecs="avc1.42c01e,mp4a.40.2"`
)

// Decoder configuration for the generated tracks. The SPS describes a
// baseline profile, level 3.0 stream.
var (
	H264SPS = []byte{
		0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0x50, 0x1e,
		0xd8, 0x08, 0x00, 0x00, 0x03, 0x00, 0x08, 0x00,
		0x00, 0x03, 0x00, 0x3c, 0x8f, 0x16, 0x2d, 0x96,
	}
	H264PPS = []byte{0x68, 0xce, 0x06, 0xe2}

	AACConfig = mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
)

// MediaGenerator produces deterministic sample payloads and container bytes.
type MediaGenerator struct {
	rng *rand.Rand
}

// NewMediaGenerator creates a generator with a fixed seed of 1.
func NewMediaGenerator() *MediaGenerator {
	return NewMediaGeneratorWithSeed(1)
}

// NewMediaGeneratorWithSeed creates a generator with the given seed.
func NewMediaGeneratorWithSeed(seed uint64) *MediaGenerator {
	return &MediaGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *MediaGenerator) payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(g.rng.UintN(256))
	}
	return b
}

// nalu returns an H.264 slice NAL unit of the given size.
func (g *MediaGenerator) nalu(size int, keyframe bool) []byte {
	b := g.payload(size)
	if keyframe {
		b[0] = 0x65
	} else {
		b[0] = 0x41
	}
	return b
}

// avcc prefixes a NAL unit with its 4 byte length.
func avcc(nalu []byte) []byte {
	out := make([]byte, 4+len(nalu))
	out[0] = byte(len(nalu) >> 24)
	out[1] = byte(len(nalu) >> 16)
	out[2] = byte(len(nalu) >> 8)
	out[3] = byte(len(nalu))
	copy(out[4:], nalu)
	return out
}

// FMP4Init returns an init segment with an H.264 track and, optionally, an
// AAC track.
func (g *MediaGenerator) FMP4Init(withAudio bool) ([]byte, error) {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        VideoTrackID,
			TimeScale: VideoTimeScale,
			Codec:     &mp4.CodecH264{SPS: H264SPS, PPS: H264PPS},
		}},
	}
	if withAudio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        AudioTrackID,
			TimeScale: AudioTimeScale,
			Codec:     &mp4.CodecMPEG4Audio{Config: AACConfig},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}
	return buf.Bytes(), nil
}

// VideoSamples returns n frames of VideoSampleTicks each. Every keyEvery-th
// frame, starting with the first, is a sync sample. Each payload is size
// bytes of AVCC data.
func (g *MediaGenerator) VideoSamples(n, keyEvery, size int) []*fmp4.Sample {
	if keyEvery <= 0 {
		keyEvery = 1
	}
	out := make([]*fmp4.Sample, n)
	for i := range out {
		key := i%keyEvery == 0
		out[i] = &fmp4.Sample{
			Duration:        VideoSampleTicks,
			IsNonSyncSample: !key,
			Payload:         avcc(g.nalu(size-4, key)),
		}
	}
	return out
}

// AudioSamples returns n AAC frames of AudioSampleTicks each.
func (g *MediaGenerator) AudioSamples(n, size int) []*fmp4.Sample {
	out := make([]*fmp4.Sample, n)
	for i := range out {
		out[i] = &fmp4.Sample{
			Duration: AudioSampleTicks,
			Payload:  g.payload(size),
		}
	}
	return out
}

// FragmentTrack is one track run inside a generated fragment.
type FragmentTrack struct {
	ID       int
	BaseTime uint64
	Samples  []*fmp4.Sample
}

// FMP4Fragment returns a moof+mdat pair holding the given track runs.
func (g *MediaGenerator) FMP4Fragment(seq uint32, tracks ...FragmentTrack) ([]byte, error) {
	part := fmp4.Part{SequenceNumber: seq}
	for _, t := range tracks {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.ID,
			BaseTime: t.BaseTime,
			Samples:  t.Samples,
		})
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling part: %w", err)
	}
	return buf.Bytes(), nil
}

// FMP4VideoSegment returns an init segment followed by one fragment of n
// video frames starting at baseTicks, with a keyframe every keyEvery frames.
func (g *MediaGenerator) FMP4VideoSegment(baseTicks uint64, n, keyEvery, size int) ([]byte, error) {
	init, err := g.FMP4Init(false)
	if err != nil {
		return nil, err
	}
	frag, err := g.FMP4Fragment(1, FragmentTrack{
		ID:       VideoTrackID,
		BaseTime: baseTicks,
		Samples:  g.VideoSamples(n, keyEvery, size),
	})
	if err != nil {
		return nil, err
	}
	return append(init, frag...), nil
}

// MPEGTS returns a transport stream with an H.264 and an AAC elementary
// stream. Video starts at one second with a keyframe every keyEvery frames.
func (g *MediaGenerator) MPEGTS(videoFrames, audioFrames, keyEvery int) ([]byte, error) {
	if keyEvery <= 0 {
		keyEvery = 1
	}
	videoTrack := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	audioTrack := &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{Config: AACConfig}}

	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{videoTrack, audioTrack}}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}

	const start = int64(90000)
	for i := 0; i < videoFrames; i++ {
		key := i%keyEvery == 0
		var au [][]byte
		if key {
			au = append(au, H264SPS, H264PPS)
		}
		au = append(au, g.nalu(64, key))
		ts := start + int64(i)*VideoSampleTicks
		if err := w.WriteH264(videoTrack, ts, ts, au); err != nil {
			return nil, fmt.Errorf("writing video: %w", err)
		}
	}
	for i := 0; i < audioFrames; i++ {
		pts := start + int64(i)*AudioSampleTicks*90000/AudioTimeScale
		if err := w.WriteMPEG4Audio(audioTrack, pts, [][]byte{g.payload(32)}); err != nil {
			return nil, fmt.Errorf("writing audio: %w", err)
		}
	}
	return buf.Bytes(), nil
}
