// Package fmp4 demuxes fragmented MP4 (ISO BMFF) byte streams into timed
// elementary stream packets using mediacommon.
package fmp4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/media"
)

const (
	boxHeaderSize         = 8
	extendedBoxHeaderSize = 16
	// Released buffers larger than this are reallocated instead of reused.
	maxRetainedBuffer = 1024 * 1024
)

type trackInfo struct {
	stream    demux.Stream
	timescale uint32
}

// Demuxer parses fragmented MP4 init segments (ftyp+moov) and media
// segments (moof+mdat).
type Demuxer struct {
	logger *slog.Logger
	sink   demux.Sink

	mu sync.Mutex
	// Accumulates data until we have complete boxes
	buf    bytes.Buffer
	ftyp   []byte
	tracks map[int]*trackInfo
	closed bool
}

// New creates a fragmented MP4 demuxer.
func New(cfg demux.Config) (demux.Demuxer, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("fmp4 demuxer: sink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{
		logger: logger.With(slog.String("demuxer", "fmp4")),
		sink:   cfg.Sink,
	}, nil
}

// Write buffers data and parses every complete box.
func (d *Demuxer) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return demux.ErrClosed
	}
	d.buf.Write(data)
	return d.parse()
}

// EndOfStream reports an error if an incomplete box is left over.
func (d *Demuxer) EndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return demux.ErrClosed
	}
	if n := d.buf.Len(); n > 0 {
		d.buf.Reset()
		return fmt.Errorf("fmp4 demuxer: %d trailing bytes at end of stream", n)
	}
	return nil
}

// Close releases resources.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buf.Reset()
	return nil
}

// peekBox returns the size and type of the box at offset, or ok=false if
// the header is not fully buffered yet.
func peekBox(b []byte) (size uint64, boxType string, ok bool, err error) {
	if len(b) < boxHeaderSize {
		return 0, "", false, nil
	}
	size = uint64(binary.BigEndian.Uint32(b[0:4]))
	boxType = string(b[4:8])
	headerLen := uint64(boxHeaderSize)

	if size == 1 {
		if len(b) < extendedBoxHeaderSize {
			return 0, "", false, nil
		}
		size = binary.BigEndian.Uint64(b[8:16])
		headerLen = extendedBoxHeaderSize
	}
	if size < headerLen {
		return 0, "", false, fmt.Errorf("fmp4 demuxer: invalid size %d for box %q", size, boxType)
	}
	return size, boxType, true, nil
}

// parse attempts to parse complete fMP4 structures from the buffer.
func (d *Demuxer) parse() error {
	// bytes.Buffer never shrinks, so reset it when drained
	if d.buf.Len() == 0 && d.buf.Cap() > maxRetainedBuffer {
		d.buf = bytes.Buffer{}
	}

	for {
		pending := d.buf.Bytes()
		boxSize, boxType, ok, err := peekBox(pending)
		if err != nil {
			return err
		}
		if !ok || uint64(len(pending)) < boxSize {
			return nil
		}

		if boxType == "moof" {
			mdatSize, mdatType, ok, err := peekBox(pending[boxSize:])
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if mdatType != "mdat" {
				d.logger.Warn("moof not followed by mdat", slog.String("next", mdatType))
				d.buf.Next(int(boxSize))
				continue
			}
			total := boxSize + mdatSize
			if uint64(len(pending)) < total {
				return nil
			}
			fragment := make([]byte, total)
			_, _ = d.buf.Read(fragment)
			if err := d.parseFragment(fragment); err != nil {
				return err
			}
			continue
		}

		box := make([]byte, boxSize)
		_, _ = d.buf.Read(box)

		switch boxType {
		case "ftyp":
			d.ftyp = box
		case "moov":
			if err := d.parseInit(box); err != nil {
				return err
			}
		case "mdat":
			return fmt.Errorf("fmp4 demuxer: mdat without moof")
		default:
			// styp, sidx, emsg, prft, free and friends carry nothing we need
			d.logger.Debug("skipping box", slog.String("type", boxType), slog.Uint64("size", boxSize))
		}
	}
}

// parseInit parses the initialization segment and announces its streams.
func (d *Demuxer) parseInit(moov []byte) error {
	data := moov
	if d.ftyp != nil {
		data = append(append(make([]byte, 0, len(d.ftyp)+len(moov)), d.ftyp...), moov...)
	}

	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("fmp4 demuxer: parsing init segment: %w", err)
	}

	tracks := make(map[int]*trackInfo, len(init.Tracks))
	topo := demux.Topology{Duration: media.ClockTimeNone}
	for _, t := range init.Tracks {
		stream := streamFromCodec(t.Codec)
		stream.ID = strconv.Itoa(t.ID)
		tracks[t.ID] = &trackInfo{stream: stream, timescale: t.TimeScale}
		topo.Streams = append(topo.Streams, stream)

		d.logger.Debug("found track",
			slog.Int("track_id", t.ID),
			slog.String("type", stream.Type.String()),
			slog.String("codec", stream.Codec),
			slog.Uint64("timescale", uint64(t.TimeScale)),
		)
	}
	d.tracks = tracks
	d.sink.OnTopology(topo)
	return nil
}

// streamFromCodec derives the stream type, codec string and caps.
func streamFromCodec(c mp4.Codec) demux.Stream {
	var s demux.Stream
	caps := &media.Caps{}

	switch c := c.(type) {
	case *mp4.CodecH264:
		s.Type = media.TrackTypeVideo
		s.Codec = "avc1"
		if len(c.SPS) >= 4 {
			s.Codec = fmt.Sprintf("avc1.%02x%02x%02x", c.SPS[1], c.SPS[2], c.SPS[3])
		}
		var sps h264.SPS
		if err := sps.Unmarshal(c.SPS); err == nil {
			caps.Width = sps.Width()
			caps.Height = sps.Height()
		}
		if data, err := h264.AnnexB([][]byte{c.SPS, c.PPS}).Marshal(); err == nil {
			caps.CodecData = data
		}
	case *mp4.CodecH265:
		s.Type = media.TrackTypeVideo
		s.Codec = "hvc1"
		if data, err := h264.AnnexB([][]byte{c.VPS, c.SPS, c.PPS}).Marshal(); err == nil {
			caps.CodecData = data
		}
	case *mp4.CodecAV1:
		s.Type = media.TrackTypeVideo
		s.Codec = "av01"
		caps.CodecData = c.SequenceHeader
	case *mp4.CodecVP9:
		s.Type = media.TrackTypeVideo
		s.Codec = fmt.Sprintf("vp09.%02d.10.%02d", c.Profile, c.BitDepth)
		caps.Width = c.Width
		caps.Height = c.Height
	case *mp4.CodecMPEG4Audio:
		s.Type = media.TrackTypeAudio
		s.Codec = fmt.Sprintf("mp4a.40.%d", int(c.Config.Type))
		caps.SampleRate = c.Config.SampleRate
		caps.Channels = c.Config.ChannelCount
		if data, err := c.Config.Marshal(); err == nil {
			caps.CodecData = data
		}
	case *mp4.CodecOpus:
		s.Type = media.TrackTypeAudio
		s.Codec = "opus"
		caps.SampleRate = 48000
		caps.Channels = c.ChannelCount
	case *mp4.CodecAC3:
		s.Type = media.TrackTypeAudio
		s.Codec = "ac-3"
		caps.SampleRate = c.SampleRate
		caps.Channels = c.ChannelCount
	case *mp4.CodecEAC3:
		s.Type = media.TrackTypeAudio
		s.Codec = "ec-3"
		caps.SampleRate = c.SampleRate
		caps.Channels = c.ChannelCount
	case *mp4.CodecMPEG1Audio:
		s.Type = media.TrackTypeAudio
		s.Codec = "mp3"
		caps.SampleRate = c.SampleRate
		caps.Channels = c.ChannelCount
	default:
		s.Type = media.TrackTypeOther
		s.Codec = fmt.Sprintf("%T", c)
	}

	if info, ok := codec.Lookup(s.Codec); ok {
		caps.MimeType = info.MimeType
	}
	caps.Codec = s.Codec
	s.Caps = caps
	return s
}

// parseFragment parses a media fragment (moof+mdat).
func (d *Demuxer) parseFragment(data []byte) error {
	if d.tracks == nil {
		return fmt.Errorf("fmp4 demuxer: media segment before init segment")
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return fmt.Errorf("fmp4 demuxer: parsing fragment: %w", err)
	}

	for _, part := range parts {
		for _, pt := range part.Tracks {
			ti, ok := d.tracks[pt.ID]
			if !ok {
				d.logger.Warn("fragment references unknown track", slog.Int("track_id", pt.ID))
				continue
			}
			d.emitTrack(ti, pt)
		}
	}
	return nil
}

func (d *Demuxer) emitTrack(ti *trackInfo, pt *fmp4.PartTrack) {
	timescale := ti.timescale
	if timescale == 0 {
		timescale = 90000
	}

	dtsTicks := int64(pt.BaseTime)
	for _, sample := range pt.Samples {
		dur := media.ClockTimeNone
		if sample.Duration > 0 {
			dur = demux.TicksToDuration(int64(sample.Duration), timescale)
		}

		d.sink.OnPacket(demux.Packet{
			StreamID: ti.stream.ID,
			DTS:      demux.TicksToDuration(dtsTicks, timescale),
			PTS:      demux.TicksToDuration(dtsTicks+int64(sample.PTSOffset), timescale),
			Duration: dur,
			Keyframe: !sample.IsNonSyncSample,
			Data:     sample.Payload,
		})

		dtsTicks += int64(sample.Duration)
	}
}
