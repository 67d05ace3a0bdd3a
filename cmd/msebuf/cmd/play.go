package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/msebuf/internal/media"
	"github.com/jmylchreest/msebuf/internal/mse"
	"github.com/jmylchreest/msebuf/internal/observability"
	"github.com/jmylchreest/msebuf/internal/service"
)

type playOptions struct {
	mimeType string
	timeout  time.Duration
}

func newPlayCmd() *cobra.Command {
	opts := &playOptions{}
	c := &cobra.Command{
		Use:   "play [flags] <file>...",
		Short: "Buffer local files and drain every track",
		Long: `Append the given files, in order, to a single source buffer, signal end
of stream and drain every demuxed track to completion. The buffered ranges
and per-track sample counts are printed when playback ends.

Files are appended in chunks of pipeline.append_chunk_size bytes.`,
		Example: `  msebuf play --type 'video/mp4; codecs="avc1.64001f"' init.mp4 seg1.m4s seg2.m4s
  msebuf play recording.ts`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runPlay(c.Context(), c.OutOrStdout(), opts, args)
		},
	}
	c.Flags().StringVarP(&opts.mimeType, "type", "t", "", "MIME type with codecs (default guessed from the first file extension)")
	c.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "maximum time to wait for playback to finish")
	return c
}

// guessType returns the MIME type for files whose container is identifiable
// from the extension alone.
func guessType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".m2ts", ".mts":
		return "video/mp2t", nil
	default:
		return "", fmt.Errorf("cannot guess the MIME type of %s, pass --type", filepath.Base(path))
	}
}

func runPlay(ctx context.Context, out io.Writer, opts *playOptions, files []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	mimeType := opts.mimeType
	if mimeType == "" {
		guessed, err := guessType(files[0])
		if err != nil {
			return err
		}
		mimeType = guessed
	}

	msCfg, err := service.MediaSourceConfig(cfg, logger)
	if err != nil {
		return err
	}
	playback := service.NewPlaybackService(msCfg, service.SrcConfig(cfg, logger))
	defer playback.Close()

	sess, err := playback.Create(ctx)
	if err != nil {
		return err
	}
	sb, err := sess.AddSourceBuffer(mimeType)
	if err != nil {
		return fmt.Errorf("adding source buffer: %w", err)
	}

	chunkSize := int(cfg.Pipeline.AppendChunkSize.Bytes())
	var total int64
	for _, path := range files {
		done := observability.TimedOperation(ctx, logger, "append "+filepath.Base(path))
		n, err := appendFile(ctx, sess, sb.ID(), path, chunkSize)
		done()
		total += n
		if err != nil {
			return err
		}
	}

	if err := sess.EndOfStream(mse.EndOfStreamNone); err != nil {
		return fmt.Errorf("ending stream: %w", err)
	}
	if err := waitDrained(ctx, sess); err != nil {
		return err
	}

	fmt.Fprintf(out, "appended:  %s in %d file(s)\n", humanize.IBytes(uint64(total)), len(files))
	fmt.Fprintf(out, "duration:  %s\n", media.FormatTime(sess.MediaSource().Duration()))
	fmt.Fprintf(out, "buffered:  %s\n", formatRanges(sess.MediaSource().Buffered()))
	fmt.Fprintf(out, "stored:    %s\n", humanize.IBytes(uint64(sb.StorageSize())))
	for _, o := range sess.Outputs() {
		fmt.Fprintf(out, "output %-24s %-5s %6s samples %10s\n",
			o.ID, o.Type, humanize.Comma(int64(o.Samples)), humanize.IBytes(uint64(o.Bytes)))
	}
	return nil
}

func appendFile(ctx context.Context, sess *service.Session, bufferID, path string, chunkSize int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			// AppendBuffer may hold the slice until it is parsed
			chunk := append([]byte(nil), buf[:n]...)
			if aerr := sess.Append(ctx, bufferID, chunk); aerr != nil {
				return total, fmt.Errorf("appending %s at offset %d: %w", path, total, aerr)
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("reading %s: %w", path, err)
		}
	}
}

// waitDrained waits until every output has reached end of stream.
func waitDrained(ctx context.Context, sess *service.Session) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(sess.MediaSource().Tracks()) == 0 {
			return nil
		}
		outputs := sess.Outputs()
		drained := len(outputs) > 0
		for _, o := range outputs {
			drained = drained && o.EOS
		}
		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for playback to finish: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func formatRanges(rs []media.Range) string {
	if len(rs) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("[%s, %s)", media.FormatTime(r.Start), media.FormatTime(r.End)))
	}
	return strings.Join(parts, " ")
}
