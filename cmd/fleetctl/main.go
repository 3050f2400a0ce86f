// Package main is the entry point for the fleetctl operator tool.
// fleetctl talks directly to the build farm database; it is the manual
// override for state the orchestrator refuses to touch on its own,
// such as re-enabling a disabled builder.
package main

import (
	"os"

	"buildfarm/cmd/fleetctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
