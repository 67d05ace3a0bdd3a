// Package media defines the timed sample, caps and time range types shared by
// the buffering engine.
package media

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ClockTimeNone marks an absent timestamp or duration.
const ClockTimeNone = time.Duration(math.MinInt64)

// IsValid reports whether t carries a timestamp.
func IsValid(t time.Duration) bool {
	return t != ClockTimeNone
}

// FormatTime renders a timestamp, printing "none" for ClockTimeNone.
func FormatTime(t time.Duration) string {
	if !IsValid(t) {
		return "none"
	}
	return t.String()
}

// TrackType classifies an elementary stream.
type TrackType int

// Track types.
const (
	TrackTypeOther TrackType = iota
	TrackTypeAudio
	TrackTypeVideo
	TrackTypeText
)

// String returns the lowercase track type name.
func (t TrackType) String() string {
	switch t {
	case TrackTypeAudio:
		return "audio"
	case TrackTypeVideo:
		return "video"
	case TrackTypeText:
		return "text"
	default:
		return "other"
	}
}

// Streamable reports whether tracks of this type are delivered to outputs.
func (t TrackType) Streamable() bool {
	return t == TrackTypeAudio || t == TrackTypeVideo || t == TrackTypeText
}

// Caps describes the negotiated format of a track.
type Caps struct {
	// MimeType is the elementary stream media type, e.g. "video/x-h264".
	MimeType string
	// Codec is the RFC 6381 codec string, e.g. "avc1.64001f".
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	// CodecData holds out-of-band decoder configuration (SPS/PPS, AudioSpecificConfig).
	CodecData []byte
}

// Equal reports whether two caps describe the same format.
func (c *Caps) Equal(o *Caps) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.MimeType != o.MimeType || c.Codec != o.Codec ||
		c.Width != o.Width || c.Height != o.Height ||
		c.SampleRate != o.SampleRate || c.Channels != o.Channels {
		return false
	}
	if len(c.CodecData) != len(o.CodecData) {
		return false
	}
	for i := range c.CodecData {
		if c.CodecData[i] != o.CodecData[i] {
			return false
		}
	}
	return true
}

func (c *Caps) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.Width > 0 || c.Height > 0 {
		return fmt.Sprintf("%s, codec=%s, %dx%d", c.MimeType, c.Codec, c.Width, c.Height)
	}
	if c.SampleRate > 0 {
		return fmt.Sprintf("%s, codec=%s, rate=%d, channels=%d", c.MimeType, c.Codec, c.SampleRate, c.Channels)
	}
	return fmt.Sprintf("%s, codec=%s", c.MimeType, c.Codec)
}

var sampleSeq atomic.Uint64

// Sample is an encoded media unit. Samples are immutable once created and may
// be shared between several indices.
type Sample struct {
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Data     []byte
	Keyframe bool
	Caps     *Caps

	seq uint64
}

// NewSample creates a sample with a fresh identity.
func NewSample(pts, dts, duration time.Duration, data []byte, keyframe bool) *Sample {
	return &Sample{
		PTS:      pts,
		DTS:      dts,
		Duration: duration,
		Data:     data,
		Keyframe: keyframe,
		seq:      sampleSeq.Add(1),
	}
}

// Seq returns the creation order of the sample. It breaks ties between
// samples with identical timestamps.
func (s *Sample) Seq() uint64 {
	return s.seq
}

// Size returns the payload size in bytes.
func (s *Sample) Size() int64 {
	return int64(len(s.Data))
}

// DecodeTime returns the DTS, falling back to the PTS when absent.
func (s *Sample) DecodeTime() time.Duration {
	if IsValid(s.DTS) {
		return s.DTS
	}
	return s.PTS
}

// End returns PTS+Duration, or the PTS when the duration is unknown.
func (s *Sample) End() time.Duration {
	if !IsValid(s.PTS) {
		return ClockTimeNone
	}
	if !IsValid(s.Duration) {
		return s.PTS
	}
	return s.PTS + s.Duration
}

// WithTimestamps returns a copy of s carrying new timestamps and a new identity.
func (s *Sample) WithTimestamps(pts, dts time.Duration) *Sample {
	c := *s
	c.PTS = pts
	c.DTS = dts
	c.seq = sampleSeq.Add(1)
	return &c
}

// WithCaps returns a copy of s carrying caps, keeping its identity.
func (s *Sample) WithCaps(caps *Caps) *Sample {
	c := *s
	c.Caps = caps
	return &c
}

func (s *Sample) String() string {
	return fmt.Sprintf("sample(pts=%s dts=%s dur=%s size=%d key=%t)",
		FormatTime(s.PTS), FormatTime(s.DTS), FormatTime(s.Duration), len(s.Data), s.Keyframe)
}
