// Package mpegts demuxes MPEG transport streams into timed elementary stream
// packets using the mediacommon reader.
package mpegts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/media"
)

// MPEG-TS timestamps run on a 90 kHz clock.
const clockRate = 90000

// Samples per frame for the fixed-size audio codecs.
const (
	aacFrameSamples  = 1024
	ac3FrameSamples  = 1536
	mp3FrameSamples  = 1152
	opusFrameSamples = 960
)

// feedReader turns pushed chunks into an io.Reader. Every received chunk is
// acknowledged once the reader has consumed it and asks for more, which is
// the point where the transport stream parser has handled every complete
// packet written so far.
type feedReader struct {
	chunks  chan []byte
	idle    chan struct{}
	cur     []byte
	pending bool
}

func (f *feedReader) Read(p []byte) (int, error) {
	for len(f.cur) == 0 {
		if f.pending {
			f.pending = false
			f.idle <- struct{}{}
		}
		chunk, ok := <-f.chunks
		if !ok {
			return 0, io.EOF
		}
		f.cur = chunk
		f.pending = true
	}
	n := copy(p, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

// Demuxer parses transport streams on a background reader goroutine while
// presenting a synchronous Write to its caller.
type Demuxer struct {
	logger *slog.Logger
	sink   demux.Sink

	feed *feedReader
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// New creates an MPEG-TS demuxer and starts its reader goroutine.
func New(cfg demux.Config) (demux.Demuxer, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("mpegts demuxer: sink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Demuxer{
		logger: logger.With(slog.String("demuxer", "mpegts")),
		sink:   cfg.Sink,
		feed: &feedReader{
			chunks: make(chan []byte),
			idle:   make(chan struct{}),
		},
		done: make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Write hands data to the reader and waits until it has been consumed.
func (d *Demuxer) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return demux.ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	select {
	case d.feed.chunks <- data:
	case <-d.done:
		return d.exitErr()
	}
	select {
	case <-d.feed.idle:
		return nil
	case <-d.done:
		return d.exitErr()
	}
}

// EndOfStream signals EOF to the reader, which flushes partially assembled
// PES packets, and waits for it to exit.
func (d *Demuxer) EndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return demux.ErrClosed
	}
	d.closed = true
	close(d.feed.chunks)
	<-d.done
	return d.err
}

// Close stops the reader.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.feed.chunks)
	}
	<-d.done
	return nil
}

func (d *Demuxer) exitErr() error {
	if d.err != nil {
		return d.err
	}
	return demux.ErrClosed
}

func (d *Demuxer) run() {
	defer close(d.done)

	reader := &mpegts.Reader{R: d.feed}

	// Initialize reads until it finds PAT/PMT
	if err := reader.Initialize(); err != nil {
		if !isEOF(err) {
			d.err = fmt.Errorf("mpegts demuxer: initializing reader: %w", err)
		}
		return
	}

	topo := demux.Topology{Duration: media.ClockTimeNone}
	for _, track := range reader.Tracks() {
		topo.Streams = append(topo.Streams, d.setupTrack(reader, track))
	}
	d.sink.OnTopology(topo)

	reader.OnDecodeError(func(err error) {
		d.logger.Debug("decode error", slog.String("error", err.Error()))
	})

	for {
		if err := reader.Read(); err != nil {
			if isEOF(err) {
				return
			}
			d.err = fmt.Errorf("mpegts demuxer: %w", err)
			return
		}
	}
}

// isEOF reports whether err marks the end of input rather than a fault.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets)
}

// setupTrack describes a discovered track and installs its data callback.
func (d *Demuxer) setupTrack(reader *mpegts.Reader, track *mpegts.Track) demux.Stream {
	id := strconv.FormatUint(uint64(track.PID), 10)
	stream := demux.Stream{ID: id}
	caps := &media.Caps{}

	switch c := track.Codec.(type) {
	case *mpegts.CodecH264:
		stream.Type = media.TrackTypeVideo
		stream.Codec = "avc1"
		reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			d.emitVideo(id, pts, dts, au, h264.IsRandomAccess(au))
			return nil
		})

	case *mpegts.CodecH265:
		stream.Type = media.TrackTypeVideo
		stream.Codec = "hvc1"
		reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			d.emitVideo(id, pts, dts, au, h265.IsRandomAccess(au))
			return nil
		})

	case *mpegts.CodecMPEG4Audio:
		stream.Type = media.TrackTypeAudio
		stream.Codec = fmt.Sprintf("mp4a.40.%d", int(c.Config.Type))
		caps.SampleRate = c.Config.SampleRate
		caps.Channels = c.Config.ChannelCount
		if data, err := c.Config.Marshal(); err == nil {
			caps.CodecData = data
		}
		frameDur := frameDuration(aacFrameSamples, c.Config.SampleRate)
		reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			d.emitAudio(id, pts, aus, frameDur)
			return nil
		})

	case *mpegts.CodecAC3:
		stream.Type = media.TrackTypeAudio
		stream.Codec = "ac-3"
		caps.SampleRate = c.SampleRate
		caps.Channels = c.ChannelCount
		frameDur := frameDuration(ac3FrameSamples, c.SampleRate)
		reader.OnDataAC3(track, func(pts int64, frame []byte) error {
			d.emitAudio(id, pts, [][]byte{frame}, frameDur)
			return nil
		})

	case *mpegts.CodecEAC3:
		stream.Type = media.TrackTypeAudio
		stream.Codec = "ec-3"
		caps.SampleRate = c.SampleRate
		caps.Channels = c.ChannelCount
		frameDur := frameDuration(ac3FrameSamples, c.SampleRate)
		reader.OnDataEAC3(track, func(pts int64, frame []byte) error {
			d.emitAudio(id, pts, [][]byte{frame}, frameDur)
			return nil
		})

	case *mpegts.CodecMPEG1Audio:
		stream.Type = media.TrackTypeAudio
		stream.Codec = "mp3"
		frameDur := frameDuration(mp3FrameSamples, 0)
		reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			d.emitAudio(id, pts, frames, frameDur)
			return nil
		})

	case *mpegts.CodecOpus:
		stream.Type = media.TrackTypeAudio
		stream.Codec = "opus"
		caps.SampleRate = 48000
		caps.Channels = c.ChannelCount
		frameDur := frameDuration(opusFrameSamples, 48000)
		reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			d.emitAudio(id, pts, packets, frameDur)
			return nil
		})

	default:
		// Streams the reader cannot decode are still announced so the
		// append pipeline can decide whether their absence matters.
		stream.Type = media.TrackTypeOther
		stream.Codec = fmt.Sprintf("%T", track.Codec)
		d.logger.Debug("found unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", stream.Codec))
	}

	if info, ok := codec.Lookup(stream.Codec); ok {
		caps.MimeType = info.MimeType
	}
	caps.Codec = stream.Codec
	stream.Caps = caps

	d.logger.Debug("found track",
		slog.String("id", id),
		slog.String("type", stream.Type.String()),
		slog.String("codec", stream.Codec))
	return stream
}

// frameDuration returns the 90 kHz duration of one audio frame, assuming
// 48 kHz when the sample rate is unknown.
func frameDuration(samples, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return int64(samples) * clockRate / int64(sampleRate)
}

func (d *Demuxer) emitVideo(id string, pts, dts int64, au [][]byte, keyframe bool) {
	if len(au) == 0 {
		return
	}
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return
	}
	d.sink.OnPacket(demux.Packet{
		StreamID: id,
		PTS:      toDuration(pts),
		DTS:      toDuration(dts),
		Duration: media.ClockTimeNone,
		Keyframe: keyframe,
		Data:     annexB,
	})
}

func (d *Demuxer) emitAudio(id string, pts int64, frames [][]byte, frameDur int64) {
	cur := pts
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		d.sink.OnPacket(demux.Packet{
			StreamID: id,
			PTS:      toDuration(cur),
			DTS:      toDuration(cur),
			Duration: toDuration(frameDur),
			Keyframe: true,
			Data:     frame,
		})
		cur += frameDur
	}
}

func toDuration(ticks int64) time.Duration {
	return demux.TicksToDuration(ticks, clockRate)
}
