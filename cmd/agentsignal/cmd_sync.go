// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <worker>",
	Short: "Run a single worker once and print its result",
	Long: "Invokes one registered worker immediately, outside the schedule, and\n" +
		"prints its run result as JSON. Run 'agentsignal sync' without an\n" +
		"argument to list the available worker names.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rt, err := buildRuntime(ctx, "cli")
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 0 {
		names := make([]string, 0)
		for _, status := range rt.sched.Snapshot() {
			names = append(names, status.Name)
		}
		sort.Strings(names)
		fmt.Fprintln(cmd.OutOrStdout(), "Available workers:")
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
		}
		return nil
	}

	result, err := rt.sched.RunNow(ctx, args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !result.Success {
		return fmt.Errorf("worker %s reported failure: %s", args[0], result.Error)
	}
	return nil
}
