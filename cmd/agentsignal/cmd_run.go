// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AgentSignalAI/AgentSignal/services/registry/admin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the synchronization daemon",
	Long: "Starts every worker on its configured interval and serves the admin\n" +
		"API (health, metrics, manual worker triggers) until SIGINT or SIGTERM.",
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, "syncd")
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.log.Info("daemon starting",
		"chains", len(rt.chains),
		"database", rt.cfg.DatabasePath,
		"admin_addr", rt.cfg.AdminAddr)

	server := admin.NewServer(rt.sched, rt.log.Slog())
	go func() {
		if err := server.ListenAndServe(rt.cfg.AdminAddr); err != nil {
			rt.log.Error("admin server stopped", "error", err)
		}
	}()

	// Blocks until the signal context is cancelled. Cancellation is the
	// normal shutdown path, not a failure.
	if err := rt.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.log.Info("daemon stopped")
	return nil
}
