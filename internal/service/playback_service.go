package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/msebuf/internal/config"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/msesrc"
	"github.com/jmylchreest/msebuf/internal/observability"
)

// Errors returned by the playback service.
var (
	ErrSessionNotFound      = errors.New("media source not found")
	ErrSourceBufferNotFound = errors.New("source buffer not found")
	ErrAppendFailed         = errors.New("append failed")
)

// MediaSourceConfig builds the media source configuration from the
// application configuration.
func MediaSourceConfig(cfg *config.Config, logger *slog.Logger) (mse.Config, error) {
	limit, err := cfg.Buffer.EffectiveSizeLimit()
	if err != nil {
		return mse.Config{}, fmt.Errorf("resolving buffer size limit: %w", err)
	}
	return mse.Config{
		Logger: logger,
		Buffer: mse.BufferConfig{
			SizeLimit:             limit,
			EvictionMargin:        cfg.Buffer.EvictionMargin,
			MergeGap:              cfg.Buffer.RangeMergeGap,
			FeedBackoff:           cfg.Buffer.FeedBackoff,
			TrackQueueSize:        cfg.Buffer.TrackQueueSize,
			DefaultSampleDuration: cfg.Pipeline.DefaultSampleDuration,
		},
	}, nil
}

// SrcConfig builds the output element configuration from the application
// configuration.
func SrcConfig(cfg *config.Config, logger *slog.Logger) msesrc.Config {
	return msesrc.Config{
		Logger:              logger,
		FutureDataThreshold: cfg.Playback.FutureDataThreshold,
		EnoughDataThreshold: cfg.Playback.EnoughDataThreshold,
	}
}

// PlaybackService keeps the media sources driven over the API. Every media
// source is attached to its own output element whose outputs are drained.
type PlaybackService struct {
	msCfg  mse.Config
	srcCfg msesrc.Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPlaybackService creates an empty service.
func NewPlaybackService(msCfg mse.Config, srcCfg msesrc.Config) *PlaybackService {
	logger := msCfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackService{
		msCfg:    msCfg,
		srcCfg:   srcCfg,
		logger:   observability.WithComponent(logger, "playback"),
		sessions: make(map[string]*Session),
	}
}

// Create opens a new media source.
func (s *PlaybackService) Create(ctx context.Context) (*Session, error) {
	sess := newSession(s.msCfg, s.srcCfg)
	if err := sess.src.Attach(sess.ms); err != nil {
		_ = sess.close()
		return nil, fmt.Errorf("attaching media source: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "media source created", slog.String("media_source", sess.ID()))
	return sess, nil
}

// Get returns the session with id.
func (s *PlaybackService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns every session, oldest first.
func (s *PlaybackService) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of open sessions.
func (s *PlaybackService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Delete closes and forgets the session with id.
func (s *PlaybackService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.logger.InfoContext(ctx, "media source deleted", slog.String("media_source", id))
	return sess.close()
}

// Close closes every session.
func (s *PlaybackService) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		errs = append(errs, sess.close())
	}
	return errors.Join(errs...)
}

// Session is one media source with its output element.
type Session struct {
	ms      *mse.MediaSource
	src     *msesrc.Src
	created time.Time

	mu      sync.Mutex
	buffers map[string]*bufferEntry
	order   []string
	sinks   []*drainPad
}

// bufferEntry tracks update-end notifications of one source buffer and
// the error, if any, that ended the last append.
type bufferEntry struct {
	sb *mse.SourceBuffer

	mu      sync.Mutex
	done    chan struct{}
	failure error
	lastErr error
}

func newBufferEntry(sb *mse.SourceBuffer) *bufferEntry {
	e := &bufferEntry{sb: sb, done: make(chan struct{})}
	sb.Subscribe(func(ev mse.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch ev.Type {
		case mse.EventError:
			e.failure = ev.Err
		case mse.EventUpdateEnd:
			e.lastErr, e.failure = e.failure, nil
			close(e.done)
			e.done = make(chan struct{})
		}
	})
	return e
}

func (e *bufferEntry) updateEnd() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// appendErr returns the error reported by the last finished append.
func (e *bufferEntry) appendErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func newSession(msCfg mse.Config, srcCfg msesrc.Config) *Session {
	sess := &Session{
		ms:      mse.New(msCfg),
		created: time.Now(),
		buffers: make(map[string]*bufferEntry),
	}
	srcCfg.OnOutput = sess.linkOutput
	sess.src = msesrc.New(srcCfg)
	return sess
}

// ID returns the media source id.
func (sess *Session) ID() string { return sess.ms.ID() }

// MediaSource returns the media source.
func (sess *Session) MediaSource() *mse.MediaSource { return sess.ms }

// Src returns the output element.
func (sess *Session) Src() *msesrc.Src { return sess.src }

// Created returns the creation time.
func (sess *Session) Created() time.Time { return sess.created }

func (sess *Session) linkOutput(o *msesrc.Output) {
	pad := &drainPad{output: o}
	sess.mu.Lock()
	sess.sinks = append(sess.sinks, pad)
	sess.mu.Unlock()
	_ = o.Link(pad)
}

// AddSourceBuffer creates a source buffer for typ.
func (sess *Session) AddSourceBuffer(typ string) (*mse.SourceBuffer, error) {
	sb, err := sess.ms.AddSourceBuffer(typ)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.buffers[sb.ID()] = newBufferEntry(sb)
	sess.order = append(sess.order, sb.ID())
	sess.mu.Unlock()
	return sb, nil
}

func (sess *Session) entry(id string) (*bufferEntry, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	e, ok := sess.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceBufferNotFound, id)
	}
	return e, nil
}

// SourceBuffer returns the source buffer with id.
func (sess *Session) SourceBuffer(id string) (*mse.SourceBuffer, error) {
	e, err := sess.entry(id)
	if err != nil {
		return nil, err
	}
	return e.sb, nil
}

// SourceBuffers returns the source buffers in creation order.
func (sess *Session) SourceBuffers() []*mse.SourceBuffer {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*mse.SourceBuffer, 0, len(sess.order))
	for _, id := range sess.order {
		out = append(out, sess.buffers[id].sb)
	}
	return out
}

// RemoveSourceBuffer removes the source buffer with id.
func (sess *Session) RemoveSourceBuffer(id string) error {
	e, err := sess.entry(id)
	if err != nil {
		return err
	}
	if err := sess.ms.RemoveSourceBuffer(e.sb); err != nil {
		return err
	}
	sess.mu.Lock()
	delete(sess.buffers, id)
	if i := slices.Index(sess.order, id); i >= 0 {
		sess.order = slices.Delete(sess.order, i, i+1)
	}
	sess.mu.Unlock()
	return nil
}

// Append appends data to the source buffer with id and waits for the
// append to finish. A parse failure is reported as ErrAppendFailed.
func (sess *Session) Append(ctx context.Context, id string, data []byte) error {
	e, err := sess.entry(id)
	if err != nil {
		return err
	}

	done := e.updateEnd()
	if err := e.sb.AppendBuffer(data); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := e.appendErr(); err != nil {
		return fmt.Errorf("%w: source buffer %s: %v", ErrAppendFailed, id, err)
	}
	return nil
}

// Abort aborts the source buffer with id.
func (sess *Session) Abort(id string) error {
	e, err := sess.entry(id)
	if err != nil {
		return err
	}
	return e.sb.Abort()
}

// EndOfStream ends the media source.
func (sess *Session) EndOfStream(kind mse.EndOfStreamError) error {
	return sess.ms.EndOfStream(kind)
}

// Seek repositions playback at t.
func (sess *Session) Seek(ctx context.Context, t time.Duration) error {
	return sess.src.Seek(ctx, t)
}

func (sess *Session) close() error {
	err := sess.src.Close()
	sess.ms.Close()
	return err
}

// OutputInfo summarizes one drained output.
type OutputInfo struct {
	ID      string
	Type    media.TrackType
	Samples int
	Bytes   int64
	EOS     bool
}

// Outputs returns the drained outputs.
func (sess *Session) Outputs() []OutputInfo {
	sess.mu.Lock()
	sinks := slices.Clone(sess.sinks)
	sess.mu.Unlock()

	out := make([]OutputInfo, 0, len(sinks))
	for _, p := range sinks {
		out = append(out, p.info())
	}
	return out
}

// drainPad accepts and discards everything, keeping counters.
type drainPad struct {
	output *msesrc.Output

	mu      sync.Mutex
	samples int
	bytes   int64
	eos     bool
}

func (p *drainPad) Event(ev msesrc.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case msesrc.EventEOS:
		p.eos = true
	case msesrc.EventFlushStop:
		p.eos = false
	}
}

func (p *drainPad) Push(s *media.Sample) msesrc.FlowReturn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++
	p.bytes += s.Size()
	return msesrc.FlowOK
}

func (p *drainPad) info() OutputInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OutputInfo{
		ID:      p.output.ID(),
		Type:    p.output.Type(),
		Samples: p.samples,
		Bytes:   p.bytes,
		EOS:     p.eos,
	}
}
