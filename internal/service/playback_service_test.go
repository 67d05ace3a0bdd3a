package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/msebuf/internal/config"
	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/msesrc"
	"github.com/jmylchreest/msebuf/internal/testutil"
)

func newTestService(t *testing.T) *PlaybackService {
	t.Helper()
	svc := NewPlaybackService(mse.Config{}, msesrc.Config{})
	t.Cleanup(func() { require.NoError(t, svc.Close()) })
	return svc
}

func TestMediaSourceConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Buffer.SizeLimit = 1 << 20
	cfg.Buffer.EvictionMargin = 2 * time.Second

	msCfg, err := MediaSourceConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), msCfg.Buffer.SizeLimit)
	assert.Equal(t, 2*time.Second, msCfg.Buffer.EvictionMargin)
	assert.Equal(t, cfg.Buffer.RangeMergeGap, msCfg.Buffer.MergeGap)
	assert.Equal(t, cfg.Pipeline.DefaultSampleDuration, msCfg.Buffer.DefaultSampleDuration)

	srcCfg := SrcConfig(cfg, nil)
	assert.Equal(t, cfg.Playback.EnoughDataThreshold, srcCfg.EnoughDataThreshold)
}

func TestPlaybackService_Lifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, mse.ReadyStateOpen, sess.MediaSource().ReadyState())
	assert.Same(t, sess.MediaSource(), sess.Src().MediaSource())

	got, err := svc.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, svc.Count())
	assert.Len(t, svc.List(), 1)

	require.NoError(t, svc.Delete(ctx, sess.ID()))
	assert.Equal(t, mse.ReadyStateClosed, sess.MediaSource().ReadyState())

	_, err = svc.Get(sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, sess.ID()), ErrSessionNotFound)
}

func TestSession_AppendAndDrain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	require.NoError(t, err)

	sb, err := sess.AddSourceBuffer(testutil.VideoType)
	require.NoError(t, err)
	assert.Len(t, sess.SourceBuffers(), 1)

	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(0, 12, 4, 64)
	require.NoError(t, err)

	appendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Append(appendCtx, sb.ID(), data))
	require.Len(t, sb.Buffered(), 1)

	require.NoError(t, sess.EndOfStream(mse.EndOfStreamNone))
	require.Eventually(t, func() bool {
		outputs := sess.Outputs()
		return len(outputs) == 1 && outputs[0].EOS
	}, 5*time.Second, 5*time.Millisecond)

	out := sess.Outputs()[0]
	assert.Equal(t, media.TrackTypeVideo, out.Type)
	assert.Equal(t, 12, out.Samples)
	assert.Positive(t, out.Bytes)
}

func TestSession_AppendParseError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	require.NoError(t, err)
	sb, err := sess.AddSourceBuffer(testutil.VideoType)
	require.NoError(t, err)

	appendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// a box shorter than its own header
	err = sess.Append(appendCtx, sb.ID(), []byte{0, 0, 0, 4, 'f', 'r', 'e', 'e'})
	assert.ErrorIs(t, err, ErrAppendFailed)
	assert.False(t, sb.Errored())

	// the parser was reset, so valid media is accepted afterwards
	data, err := testutil.NewMediaGenerator().FMP4VideoSegment(0, 4, 2, 32)
	require.NoError(t, err)
	require.NoError(t, sess.Append(appendCtx, sb.ID(), data))
	assert.Len(t, sb.Buffered(), 1)
}

func TestSession_SourceBufferErrors(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.Create(context.Background())
	require.NoError(t, err)

	_, err = sess.AddSourceBuffer("")
	assert.ErrorIs(t, err, mse.ErrType)

	_, err = sess.SourceBuffer("missing")
	assert.ErrorIs(t, err, ErrSourceBufferNotFound)
	assert.ErrorIs(t, sess.Append(context.Background(), "missing", nil), ErrSourceBufferNotFound)
	assert.ErrorIs(t, sess.Abort("missing"), ErrSourceBufferNotFound)

	sb, err := sess.AddSourceBuffer(testutil.VideoType)
	require.NoError(t, err)
	require.NoError(t, sess.RemoveSourceBuffer(sb.ID()))
	assert.Empty(t, sess.SourceBuffers())
	assert.ErrorIs(t, sess.RemoveSourceBuffer(sb.ID()), ErrSourceBufferNotFound)
}
