package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/msebuf/internal/codec"
	"github.com/jmylchreest/msebuf/internal/mediatype"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <mime-type>",
		Short: "Check whether a MIME type can be buffered",
		Example: `  msebuf probe 'video/mp4; codecs="avc1.64001f,mp4a.40.2"'
  msebuf probe video/mp2t`,
		Args: cobra.ExactArgs(1),
		RunE: runProbe,
	}
}

func runProbe(c *cobra.Command, args []string) error {
	out := c.OutOrStdout()
	mt, err := mediatype.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing %q: %w", args[0], err)
	}

	fmt.Fprintf(out, "type:      %s\n", mt.Essence())
	if container, ok := mt.Container(); ok {
		fmt.Fprintf(out, "container: %s\n", container)
	} else {
		fmt.Fprintln(out, "container: unknown")
	}
	for _, name := range mt.Codecs {
		info, ok := codec.Lookup(name)
		if !ok {
			fmt.Fprintf(out, "codec:     %s (unknown)\n", name)
			continue
		}
		fmt.Fprintf(out, "codec:     %s (%s %s)\n", name, info.Kind, info.Name)
	}

	if _, err := mediatype.Validate(args[0]); err != nil {
		fmt.Fprintf(out, "supported: no (%s)\n", strings.TrimPrefix(err.Error(), mediatype.ErrUnsupported.Error()+": "))
		return nil
	}
	fmt.Fprintln(out, "supported: yes")
	return nil
}
