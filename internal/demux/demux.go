// Package demux defines the contract between the append pipeline and the
// container demuxers that turn appended bytes into timed elementary stream
// packets.
package demux

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/media"
)

// Errors shared by demuxer implementations.
var (
	ErrClosed           = errors.New("demuxer closed")
	ErrNoDemuxer        = errors.New("no demuxer for container")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Stream describes one elementary stream declared by the container.
type Stream struct {
	ID   string
	Type media.TrackType
	// Codec is the RFC 6381 codec string, empty when unknown.
	Codec string
	Caps  *media.Caps
}

// Topology is the set of streams declared by an init segment.
type Topology struct {
	Streams []Stream
	// Duration is the declared presentation duration, or media.ClockTimeNone.
	Duration time.Duration
}

// Packet is one demuxed access unit. Missing timestamps are
// media.ClockTimeNone.
type Packet struct {
	StreamID string
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Keyframe bool
	Data     []byte
}

// Sink receives demuxer output. Calls are made synchronously from within
// Write and EndOfStream.
type Sink interface {
	OnTopology(Topology)
	OnPacket(Packet)
}

// Demuxer is a push-model byte sink.
type Demuxer interface {
	// Write feeds bytes. Every complete unit contained in the bytes written so
	// far has been delivered to the sink when Write returns.
	Write(data []byte) error
	// EndOfStream flushes trailing data.
	EndOfStream() error
	Close() error
}

// Config is passed to demuxer factories.
type Config struct {
	Logger *slog.Logger
	Sink   Sink
}

// Factory creates a demuxer.
type Factory func(Config) (Demuxer, error)

// Registry maps container families to demuxer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[codec.Container]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[codec.Container]Factory)}
}

// Register installs a factory, replacing any previous one.
func (r *Registry) Register(c codec.Container, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[c] = f
}

// Has reports whether a factory is registered for c.
func (r *Registry) Has(c codec.Container) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[c]
	return ok
}

// Containers lists the registered container families.
func (r *Registry) Containers() []codec.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]codec.Container, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New creates a demuxer for container c.
func (r *Registry) New(c codec.Container, cfg Config) (Demuxer, error) {
	r.mu.RLock()
	f, ok := r.factories[c]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDemuxer, c)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return f(cfg)
}

// TicksToDuration converts a timestamp in timescale units to a duration
// without overflowing for large tick counts.
func TicksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := int64(timescale)
	secs := ticks / ts
	rem := ticks % ts
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(ts)
}
