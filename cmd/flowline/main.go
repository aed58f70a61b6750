// Package main is the flowline CLI entrypoint.
package main

import (
	"os"

	"github.com/flowline-labs/flowline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
