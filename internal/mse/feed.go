package mse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/observability"
	"github.com/jmylchreest/msebuf/internal/samplemap"
	"github.com/jmylchreest/msebuf/internal/track"
	"github.com/jmylchreest/msebuf/internal/trackbuffer"
)

// feed moves samples of one track buffer into its media source track in
// decode order. The resume point survives restarts; Seek moves it.
type feed struct {
	track   *track.Track
	buffer  *trackbuffer.Buffer
	backoff time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	last    *media.Sample
	from    time.Duration
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newFeed(t *track.Track, buf *trackbuffer.Buffer, backoff time.Duration, logger *slog.Logger) *feed {
	return &feed{
		track:   t,
		buffer:  buf,
		backoff: backoff,
		logger:  logger.With(slog.String("track", t.ID())),
	}
}

// start launches the feeder unless it is already running.
func (f *feed) start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.running = true
	f.cancel = cancel
	f.done = make(chan struct{})

	var it *samplemap.Iterator
	if f.last != nil {
		it = f.buffer.Samples().IterAfter(samplemap.ByDTS, f.last)
	} else {
		it = f.buffer.Samples().IterFrom(samplemap.ByDTS, f.from)
	}
	go f.run(ctx, it, f.done)
}

// stop cancels the feeder and waits for it to exit.
func (f *feed) stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	cancel()
	<-done
}

// seek moves the resume point to the keyframe at or before t.
func (f *feed) seek(t time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = nil
	f.from = t
}

func (f *feed) setLast(s *media.Sample) {
	f.mu.Lock()
	f.last = s
	f.mu.Unlock()
}

func (f *feed) finish(done chan struct{}) {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	close(done)
}

func (f *feed) run(ctx context.Context, it *samplemap.Iterator, done chan struct{}) {
	defer f.finish(done)

	timer := time.NewTimer(f.backoff)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		// Snapshot EOS and the change channel before looking for data so a
		// sample appended right before EOS is never missed.
		eos := f.buffer.IsEOS()
		changed := f.buffer.Changed()

		if s, ok := it.Next(); ok {
			if err := f.track.Push(ctx, s); err != nil {
				f.logger.Log(ctx, observability.LevelTrace, "feeder stopped", slog.String("reason", err.Error()))
				return
			}
			f.setLast(s)
			continue
		}

		if eos {
			if err := f.track.PushEOS(); err != nil {
				f.logger.Debug("pushing end of stream", slog.String("error", err.Error()))
			}
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.backoff)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}
