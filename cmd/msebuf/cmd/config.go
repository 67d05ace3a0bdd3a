package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	c.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Dump the effective configuration",
		Long: `Dump the effective configuration in YAML format.

With no config file and no MSEBUF_ environment variables this prints the
defaults, which makes a starting point for a configuration file:

  msebuf config dump > config.yaml

Environment variables use the MSEBUF_ prefix and underscores for nesting.
Example: buffer.size_limit -> MSEBUF_BUFFER_SIZE_LIMIT`,
		RunE: runConfigDump,
	})
	return c
}

func runConfigDump(c *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := c.OutOrStdout()
	fmt.Fprintln(out, "# msebuf configuration")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m")
	fmt.Fprintln(out, "# Size format: 16MiB, 64KiB")
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}
