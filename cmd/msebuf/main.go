// Package main is the entry point for the msebuf application.
package main

import (
	"os"

	"github.com/jmylchreest/msebuf/cmd/msebuf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
