// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Gatekeeper.
//
// Usage:
//
//	go run . [flags] <command>
//	./gatekeeper [flags] <command>
//
// See --help for the available commands.
package main

import (
	"os"

	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Debugf("gatekeeper: %v", err)
		os.Exit(1)
	}
}
