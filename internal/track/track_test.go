package track

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(pts time.Duration) *media.Sample {
	return media.NewSample(pts, pts, time.Second, []byte{1}, true)
}

func TestTrack_DefaultActive(t *testing.T) {
	assert.True(t, New(Config{Type: media.TrackTypeAudio}).Active())
	assert.True(t, New(Config{Type: media.TrackTypeVideo}).Active())
	assert.False(t, New(Config{Type: media.TrackTypeText}).Active())
}

func TestTrack_NonEmptySignalFiresOncePerEdge(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeVideo, ID: "1"})
	var fired atomic.Int32
	tr.OnNonEmpty(func(*Track) { fired.Add(1) })

	ctx := context.Background()
	require.NoError(t, tr.Push(ctx, sample(0)))
	assert.Equal(t, int32(1), fired.Load())

	require.NoError(t, tr.Push(ctx, sample(time.Second)))
	assert.Equal(t, int32(1), fired.Load(), "second push before a pop must not signal")

	_, err := tr.Pop(ctx)
	require.NoError(t, err)
	_, err = tr.Pop(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Push(ctx, sample(2*time.Second)))
	assert.Equal(t, int32(2), fired.Load())
}

func TestTrack_TryPushRespectsBound(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeAudio, MaxSamples: 2})
	require.NoError(t, tr.TryPush(sample(0)))
	require.NoError(t, tr.TryPush(sample(time.Second)))
	assert.ErrorIs(t, tr.TryPush(sample(2*time.Second)), ErrFull)
	assert.Equal(t, 2, tr.Len())
}

func TestTrack_PushBlocksUntilPop(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeAudio, MaxSamples: 1})
	ctx := context.Background()
	require.NoError(t, tr.Push(ctx, sample(0)))

	done := make(chan error, 1)
	go func() { done <- tr.Push(ctx, sample(time.Second)) }()

	select {
	case <-done:
		t.Fatal("push should block while full")
	case <-time.After(20 * time.Millisecond):
	}

	item, err := tr.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), item.Sample.PTS)
	require.NoError(t, <-done)
}

func TestTrack_PushHonoursContext(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeAudio, MaxSamples: 1})
	require.NoError(t, tr.Push(context.Background(), sample(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Push(ctx, sample(time.Second)), context.DeadlineExceeded)
}

func TestTrack_FlushDrainsAndRejects(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeVideo})
	ctx := context.Background()
	require.NoError(t, tr.Push(ctx, sample(0)))

	tr.Flush()
	assert.True(t, tr.IsEmpty())
	assert.ErrorIs(t, tr.Push(ctx, sample(0)), ErrFlushing)

	_, err := tr.Pop(ctx)
	assert.ErrorIs(t, err, ErrFlushing)

	tr.Resume()
	require.NoError(t, tr.Push(ctx, sample(0)))
	assert.False(t, tr.IsEmpty())
}

func TestTrack_FlushWakesBlockedPop(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeVideo})
	done := make(chan error, 1)
	go func() {
		_, err := tr.Pop(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Flush()
	assert.ErrorIs(t, <-done, ErrFlushing)
}

func TestTrack_EOSMarker(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeVideo, MaxSamples: 1})
	ctx := context.Background()
	require.NoError(t, tr.Push(ctx, sample(0)))
	require.NoError(t, tr.PushEOS())

	item, err := tr.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, item.EOS)

	item, err = tr.Pop(ctx)
	require.NoError(t, err)
	assert.True(t, item.EOS)
	assert.Nil(t, item.Sample)
}

func TestTrack_ActiveChangedCallback(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeText})
	var calls int
	tr.OnActiveChanged(func(*Track) { calls++ })

	tr.SetActive(true)
	tr.SetActive(true)
	tr.SetActive(false)
	assert.Equal(t, 2, calls)
}

func TestTrack_CloseWakesEveryone(t *testing.T) {
	tr := New(Config{Type: media.TrackTypeAudio})
	done := make(chan error, 1)
	go func() {
		_, err := tr.Pop(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.ErrorIs(t, tr.PushEOS(), ErrClosed)
}
