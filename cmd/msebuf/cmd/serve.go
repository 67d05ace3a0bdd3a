package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/jmylchreest/msebuf/internal/http"
	"github.com/jmylchreest/msebuf/internal/http/handlers"
	"github.com/jmylchreest/msebuf/internal/service"
	"github.com/jmylchreest/msebuf/internal/version"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the msebuf server",
		Long: `Start the msebuf HTTP server and API.

The server provides:
- REST API for media sources, source buffers and appends
- Health check endpoints
- OpenAPI documentation at /docs`,
		RunE: runServe,
	}
	c.Flags().String("host", "", "host to bind to (overrides server.host)")
	c.Flags().Int("port", 0, "port to listen on (overrides server.port)")
	return c
}

func runServe(c *cobra.Command, args []string) error {
	if c.Flags().Changed("host") {
		cfg.Server.Host, _ = c.Flags().GetString("host")
	}
	if c.Flags().Changed("port") {
		cfg.Server.Port, _ = c.Flags().GetInt("port")
	}

	msCfg, err := service.MediaSourceConfig(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting msebuf",
		slog.String("version", version.String()),
		slog.Int64("buffer_size_limit", msCfg.Buffer.SizeLimit),
	)

	playback := service.NewPlaybackService(msCfg, service.SrcConfig(cfg, logger))

	server := internalhttp.NewServer(cfg.Server, logger)
	handlers.NewHealthHandler(version.Short()).WithSessions(playback).Register(server.API())
	handlers.NewMediaSourceHandler(playback).WithLogger(logger).Register(server.API())

	ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("closing media sources", slog.Int("count", playback.Count()))
		return playback.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
