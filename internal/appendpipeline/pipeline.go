// Package appendpipeline turns appended byte ranges into timed per-track
// samples by driving a container demuxer on a background worker.
//
// Bytes and control markers flow through a source queue into a demux worker,
// which feeds the demuxer. Everything the demuxer produces, together with the
// end-of-append markers, is posted onto a bus that a second worker drains in
// order, so callbacks for one append batch always observe demux order.
package appendpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/demux"
	"github.com/jmylchreest/msebuf/internal/eventqueue"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/track"
)

// DefaultSampleDuration is assigned to samples the demuxer leaves untimed.
const DefaultSampleDuration = time.Second / 60

const sourceQueueSize = 16

// Errors returned by the pipeline.
var (
	ErrStopped          = errors.New("append pipeline stopped")
	ErrFailed           = errors.New("append pipeline failed")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// State is the lifecycle stage of the pipeline.
type State int

// Pipeline states.
const (
	StateInitial State = iota
	StateAwaitingInitSegment
	StateHasInitSegment
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAwaitingInitSegment:
		return "awaiting-init-segment"
	case StateHasInitSegment:
		return "has-init-segment"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InitSegment describes the tracks declared by the first complete init
// segment.
type InitSegment struct {
	// Duration is the declared duration, or media.ClockTimeNone.
	Duration time.Duration
	Audio    []*track.Track
	Video    []*track.Track
	Text     []*track.Track
}

// Tracks returns every track of the init segment.
func (i InitSegment) Tracks() []*track.Track {
	out := make([]*track.Track, 0, len(i.Audio)+len(i.Video)+len(i.Text))
	out = append(out, i.Audio...)
	out = append(out, i.Video...)
	return append(out, i.Text...)
}

// Callbacks are invoked from the bus worker. Any of them may be nil.
type Callbacks struct {
	OnInitSegment     func(InitSegment)
	OnNewSample       func(*track.Track, *media.Sample)
	OnDurationChanged func(time.Duration)
	OnTrackEOS        func(*track.Track)
	OnEOS             func()
	OnError           func(error)
}

// Config configures a Pipeline.
type Config struct {
	Logger    *slog.Logger
	Container codec.Container
	Demuxers  *demux.Registry
	// CodecSupported reports whether a decoder exists for an RFC 6381 codec
	// string. Every codec is accepted when nil.
	CodecSupported func(codec string) bool
	// DefaultSampleDuration overrides DefaultSampleDuration when positive.
	DefaultSampleDuration time.Duration
	// TrackQueueSize bounds each created track's delivery queue.
	TrackQueueSize int
	Callbacks      Callbacks
}

type msgKind int

const (
	msgTopology msgKind = iota
	msgPacket
	msgEndOfAppend
	msgEOS
	msgError
)

type message struct {
	kind   msgKind
	topo   demux.Topology
	packet demux.Packet
	marker *marker
	err    error
}

// marker is the end-of-append token. It is closed once every sample of the
// batch before it has been forwarded.
type marker struct {
	done chan struct{}
	err  error
}

type sourceItem struct {
	data   []byte
	marker *marker
	eos    bool
	stop   bool
}

// collector gathers one track's packets until the batch ends.
type collector struct {
	track   *track.Track
	pending []demux.Packet
	lastPTS time.Duration
}

// instance is one demuxer plus its workers. Reset replaces it.
type instance struct {
	source  chan sourceItem
	bus     *eventqueue.Queue[message]
	demuxer demux.Demuxer
	// done is closed when the demux worker exits.
	done chan struct{}
	// stopped is closed once the bus has drained after the demux worker.
	stopped chan struct{}
}

// busSink posts demuxer output onto the bus of one instance.
type busSink struct {
	bus *eventqueue.Queue[message]
}

func (s busSink) OnTopology(t demux.Topology) {
	s.bus.Push(message{kind: msgTopology, topo: t})
}

func (s busSink) OnPacket(p demux.Packet) {
	s.bus.Push(message{kind: msgPacket, packet: p})
}

// Pipeline is the background parse pipeline of one source buffer.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	failed atomic.Bool

	mu         sync.Mutex
	cur        *instance
	state      State
	err        error
	collectors map[string]*collector
	// tracks survive Reset so a re-created demuxer maps onto the same
	// identities.
	tracks    map[string]*track.Track
	order     []string
	initFired bool
	eosSent   bool
	duration  time.Duration
	maxEnd    time.Duration
	closed    bool
}

// New creates a pipeline in the initial state.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Demuxers == nil {
		return nil, fmt.Errorf("append pipeline: demuxer registry is required")
	}
	if !cfg.Demuxers.Has(cfg.Container) {
		return nil, fmt.Errorf("append pipeline: %w: %s", demux.ErrNoDemuxer, cfg.Container)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultSampleDuration <= 0 {
		cfg.DefaultSampleDuration = DefaultSampleDuration
	}
	if cfg.TrackQueueSize <= 0 {
		cfg.TrackQueueSize = track.DefaultMaxSamples
	}
	return &Pipeline{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "append_pipeline"), slog.String("container", string(cfg.Container))),
		tracks:   make(map[string]*track.Track),
		duration: media.ClockTimeNone,
		maxEnd:   media.ClockTimeNone,
	}, nil
}

// Start creates the demuxer and launches the workers.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	if p.cur != nil {
		return nil
	}
	return p.startLocked()
}

func (p *Pipeline) startLocked() error {
	inst := &instance{
		source:  make(chan sourceItem, sourceQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	inst.bus = eventqueue.New(p.handleMessage)

	dmx, err := p.cfg.Demuxers.New(p.cfg.Container, demux.Config{
		Logger: p.logger,
		Sink:   busSink{bus: inst.bus},
	})
	if err != nil {
		inst.bus.Close()
		return fmt.Errorf("append pipeline: creating demuxer: %w", err)
	}
	inst.demuxer = dmx

	p.cur = inst
	p.state = StateAwaitingInitSegment
	p.collectors = make(map[string]*collector)
	p.initFired = false
	p.eosSent = false
	p.err = nil
	p.failed.Store(false)

	go p.runDemux(inst)
	go func() {
		<-inst.done
		inst.bus.Close()
		inst.bus.Wait()
		close(inst.stopped)
	}()
	return nil
}

// runDemux feeds the demuxer from the source queue.
func (p *Pipeline) runDemux(inst *instance) {
	defer close(inst.done)
	defer func() {
		if err := inst.demuxer.Close(); err != nil {
			p.logger.Debug("closing demuxer", slog.String("error", err.Error()))
		}
	}()

	for item := range inst.source {
		switch {
		case item.stop:
			return
		case item.marker != nil:
			inst.bus.Push(message{kind: msgEndOfAppend, marker: item.marker})
		case item.eos:
			if err := inst.demuxer.EndOfStream(); err != nil {
				inst.bus.Push(message{kind: msgError, err: err})
			}
			inst.bus.Push(message{kind: msgEOS})
		default:
			if p.failed.Load() {
				continue
			}
			if err := inst.demuxer.Write(item.data); err != nil {
				inst.bus.Push(message{kind: msgError, err: err})
			}
		}
	}
}

func (p *Pipeline) current() (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.cur == nil {
		return nil, ErrStopped
	}
	return p.cur, nil
}

func (inst *instance) push(ctx context.Context, item sourceItem) error {
	select {
	case inst.source <- item:
		return nil
	case <-inst.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append pushes data into the demuxer followed by an end-of-append marker
// and waits until every sample of the batch has been forwarded. It returns
// an error wrapping ErrFailed once the pipeline has failed.
func (p *Pipeline) Append(ctx context.Context, data []byte) error {
	inst, err := p.current()
	if err != nil {
		return err
	}

	m := &marker{done: make(chan struct{})}
	if err := inst.push(ctx, sourceItem{data: data}); err != nil {
		return err
	}
	if err := inst.push(ctx, sourceItem{marker: m}); err != nil {
		return err
	}

	select {
	case <-m.done:
	case <-inst.stopped:
		select {
		case <-m.done:
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.err
}

// EOS signals end of stream to the demuxer. Remaining samples are flushed
// and the EOS callbacks fire from the bus worker.
func (p *Pipeline) EOS() error {
	inst, err := p.current()
	if err != nil {
		return err
	}
	return inst.push(context.Background(), sourceItem{eos: true})
}

// Reset tears down the demuxer and workers and starts fresh ones. Tracks are
// kept so that a re-sent init segment maps onto the same identities.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	old := p.cur
	p.cur = nil
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	if old != nil {
		old.stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStopped
	}
	p.logger.Debug("resetting append pipeline")
	return p.startLocked()
}

func (inst *instance) stop() {
	select {
	case inst.source <- sourceItem{stop: true}:
	case <-inst.done:
	}
	<-inst.stopped
}

// Close stops the workers and closes every track.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	old := p.cur
	p.cur = nil
	p.mu.Unlock()

	if old != nil {
		old.stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		t.Close()
	}
	if p.state != StateFailed {
		p.state = StateStopped
	}
	return nil
}

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Failed reports whether a parse error occurred since the last Reset.
func (p *Pipeline) Failed() bool {
	return p.failed.Load()
}

// Err returns the sticky error, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Duration returns the declared duration, falling back to the end of the
// latest sample seen, or media.ClockTimeNone.
func (p *Pipeline) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationLocked()
}

func (p *Pipeline) durationLocked() time.Duration {
	if media.IsValid(p.duration) {
		return p.duration
	}
	return p.maxEnd
}

// Tracks returns the discovered tracks in declaration order.
func (p *Pipeline) Tracks() []*track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*track.Track, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.tracks[id])
	}
	return out
}

// handleMessage runs on the bus worker.
func (p *Pipeline) handleMessage(msg message) {
	switch msg.kind {
	case msgTopology:
		p.handleTopology(msg.topo)
	case msgPacket:
		p.handlePacket(msg.packet)
	case msgEndOfAppend:
		p.drain()
		p.mu.Lock()
		if p.err != nil {
			msg.marker.err = fmt.Errorf("%w: %w", ErrFailed, p.err)
		}
		p.mu.Unlock()
		close(msg.marker.done)
	case msgEOS:
		p.handleEOS()
	case msgError:
		p.handleError(msg.err)
	default:
		panic(fmt.Sprintf("append pipeline: unknown bus message %d", msg.kind))
	}
}

func (p *Pipeline) handleTopology(topo demux.Topology) {
	if p.failed.Load() {
		return
	}

	var (
		init     = InitSegment{Duration: topo.Duration}
		declared int
		err      error
	)

	p.mu.Lock()
	for _, s := range topo.Streams {
		if !s.Type.Streamable() {
			p.logger.Debug("dropping stream of unsupported type",
				slog.String("stream", s.ID), slog.String("codec", s.Codec))
			continue
		}
		declared++
		if s.Type != media.TrackTypeText && p.cfg.CodecSupported != nil && !p.cfg.CodecSupported(s.Codec) {
			err = fmt.Errorf("%w: %s track %s: %q", ErrUnsupportedCodec, s.Type, s.ID, s.Codec)
			break
		}

		t, ok := p.tracks[s.ID]
		if !ok {
			t = track.New(track.Config{
				Type:       s.Type,
				ID:         s.ID,
				Caps:       s.Caps,
				MaxSamples: p.cfg.TrackQueueSize,
			})
			p.tracks[s.ID] = t
			p.order = append(p.order, s.ID)
		} else {
			t.SetCaps(s.Caps)
		}
		if _, ok := p.collectors[s.ID]; !ok {
			p.collectors[s.ID] = &collector{track: t, lastPTS: media.ClockTimeNone}
		}

		switch s.Type {
		case media.TrackTypeAudio:
			init.Audio = append(init.Audio, t)
		case media.TrackTypeVideo:
			init.Video = append(init.Video, t)
		case media.TrackTypeText:
			init.Text = append(init.Text, t)
		}
	}

	fire := err == nil && !p.initFired && len(p.collectors) >= declared
	if fire {
		p.initFired = true
		p.state = StateHasInitSegment
		if media.IsValid(topo.Duration) {
			p.duration = topo.Duration
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.handleError(err)
		return
	}
	if fire {
		p.logger.Debug("received init segment",
			slog.Int("audio", len(init.Audio)),
			slog.Int("video", len(init.Video)),
			slog.Int("text", len(init.Text)),
			slog.String("duration", media.FormatTime(init.Duration)))
		if cb := p.cfg.Callbacks.OnInitSegment; cb != nil {
			cb(init)
		}
	}
}

func (p *Pipeline) handlePacket(pkt demux.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.collectors[pkt.StreamID]
	if !ok {
		return
	}
	c.pending = append(c.pending, pkt)
}

type forward struct {
	track  *track.Track
	sample *media.Sample
}

// drain patches and forwards every collected packet, then reports the
// duration once for the whole batch.
func (p *Pipeline) drain() {
	p.mu.Lock()
	var out []forward
	for _, id := range p.order {
		c, ok := p.collectors[id]
		if !ok {
			continue
		}
		for _, pkt := range c.pending {
			s := p.sampleLocked(c, pkt)
			if end := s.End(); media.IsValid(end) && (!media.IsValid(p.maxEnd) || end > p.maxEnd) {
				p.maxEnd = end
			}
			out = append(out, forward{track: c.track, sample: s})
		}
		c.pending = nil
	}
	hasInit := p.initFired
	duration := p.durationLocked()
	p.mu.Unlock()

	if cb := p.cfg.Callbacks.OnNewSample; cb != nil {
		for _, f := range out {
			cb(f.track, f.sample)
		}
	}
	if hasInit {
		if cb := p.cfg.Callbacks.OnDurationChanged; cb != nil {
			cb(duration)
		}
	}
}

// sampleLocked fills in missing timing: the default duration, the previous
// PTS of the track, and DTS equal to PTS.
func (p *Pipeline) sampleLocked(c *collector, pkt demux.Packet) *media.Sample {
	dur := pkt.Duration
	if !media.IsValid(dur) {
		dur = p.cfg.DefaultSampleDuration
	}
	pts := pkt.PTS
	if !media.IsValid(pts) {
		switch {
		case media.IsValid(c.lastPTS):
			pts = c.lastPTS
		case media.IsValid(pkt.DTS):
			pts = pkt.DTS
		default:
			pts = 0
		}
	}
	dts := pkt.DTS
	if !media.IsValid(dts) {
		dts = pts
	}
	c.lastPTS = pts

	s := media.NewSample(pts, dts, dur, pkt.Data, pkt.Keyframe)
	s.Caps = c.track.Caps()
	return s
}

func (p *Pipeline) handleEOS() {
	p.mu.Lock()
	if p.eosSent {
		p.mu.Unlock()
		return
	}
	if p.state != StateFailed {
		p.state = StateDraining
	}
	p.mu.Unlock()

	p.drain()

	p.mu.Lock()
	p.eosSent = true
	var tracks []*track.Track
	for _, id := range p.order {
		if c, ok := p.collectors[id]; ok {
			tracks = append(tracks, c.track)
		}
	}
	if p.state != StateFailed {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if cb := p.cfg.Callbacks.OnTrackEOS; cb != nil {
		for _, t := range tracks {
			cb(t)
		}
	}
	if cb := p.cfg.Callbacks.OnEOS; cb != nil {
		cb()
	}
}

func (p *Pipeline) handleError(err error) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.state = StateFailed
	p.failed.Store(true)
	p.mu.Unlock()

	p.logger.Warn("append pipeline error", slog.String("error", err.Error()))
	if cb := p.cfg.Callbacks.OnError; cb != nil {
		cb(err)
	}
	p.handleEOS()
}
