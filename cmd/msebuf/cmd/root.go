// Package cmd implements the CLI commands for msebuf.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/msebuf/internal/config"
	"github.com/jmylchreest/msebuf/internal/observability"
	"github.com/jmylchreest/msebuf/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is the configuration loaded before any subcommand runs.
	cfg *config.Config
	// logger is the application logger built from cfg.
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "msebuf",
		Short:   "Media source buffering engine",
		Version: version.Short(),
		Long: `msebuf buffers appended fragmented MP4 and MPEG-TS data the way a
browser media source does: it demuxes appended bytes into tracks, keeps
per-track sample buffers with coded frame eviction, and feeds the samples
to downstream outputs with seek and end of stream handling.

It runs as an HTTP service (serve) or plays local files (play).`,
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			return initConfig(c.Root().PersistentFlags(), c.ErrOrStderr())
		},
	}

	// Global flags. They are not bound to viper; an explicitly set flag
	// overrides the config file and environment.
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, /etc/msebuf/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newProbeCmd())
	root.AddCommand(newPlayCmd())
	root.AddCommand(newServeCmd())
	return root
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

// initConfig loads the configuration and configures logging.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (MSEBUF_LOGGING_LEVEL, MSEBUF_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults
func initConfig(flags *pflag.FlagSet, logOut io.Writer) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		loaded.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		loaded.Logging.Format = strings.ToLower(format)
	}
	// "warning" is accepted as an alias for "warn".
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	cfg = loaded
	logger = observability.NewLoggerWithWriter(cfg.Logging, logOut)
	slog.SetDefault(logger)
	return nil
}
