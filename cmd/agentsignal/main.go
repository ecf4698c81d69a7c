// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command agentsignal runs the agent registry synchronization daemon and
// its one-shot maintenance commands.
//
// Configuration comes from AGENTSIGNAL_* environment variables plus a YAML
// chain list (see services/registry/config). The daemon keeps a SQLite
// relational cache and a Weaviate vector index in step with the on-chain
// registry subgraphs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentsignal",
	Short: "Agent registry synchronization engine",
	Long: "agentsignal keeps a relational cache and a vector index synchronized\n" +
		"with one or more on-chain agent registries. Run it as a daemon with\n" +
		"'agentsignal run', or invoke a single worker with 'agentsignal sync'.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
