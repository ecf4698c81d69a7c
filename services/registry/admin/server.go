// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package admin exposes the operational HTTP surface of the sync engine:
// health, metrics, and manual worker triggering.
//
// This is an internal operator API. It carries no synchronization logic of
// its own; it only reads scheduler state and forwards manual run requests.
package admin

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AgentSignalAI/AgentSignal/services/registry/scheduler"
)

// Server is the admin HTTP server.
type Server struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
	engine *gin.Engine
}

// NewServer builds the admin server and its routes.
func NewServer(sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		sched:  sched,
		logger: logger.With("component", "admin"),
		engine: engine,
	}

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/workers", s.listWorkers)
	engine.POST("/workers/:name/run", s.runWorker)
	return s
}

// Handler returns the HTTP handler, for mounting or for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks serving the admin API on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("admin server listening", "addr", addr)
	return s.engine.Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listWorkers(c *gin.Context) {
	snapshot := s.sched.Snapshot()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	c.JSON(http.StatusOK, gin.H{"workers": snapshot})
}

func (s *Server) runWorker(c *gin.Context) {
	name := c.Param("name")
	s.logger.Info("manual worker run requested", "worker", name)

	result, err := s.sched.RunNow(c.Request.Context(), name)
	if err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "unknown job") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
