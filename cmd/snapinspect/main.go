// Package main provides the entry point for snapinspect.
//
// snapinspect lists, decodes, verifies and prunes the serialized snapshot
// files of a logical decoding session.
package main

import (
	"fmt"
	"os"

	"github.com/yndnr/logicalsnap/internal/cli/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
