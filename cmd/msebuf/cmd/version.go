package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/msebuf/internal/version"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, commit, and build date of msebuf.",
		RunE: func(c *cobra.Command, args []string) error {
			if asJSON {
				data, err := json.MarshalIndent(version.GetInfo(), "", "  ")
				if err != nil {
					return fmt.Errorf("marshaling version: %w", err)
				}
				fmt.Fprintln(c.OutOrStdout(), string(data))
				return nil
			}
			fmt.Fprintln(c.OutOrStdout(), version.String())
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "output version information as JSON")
	return c
}
