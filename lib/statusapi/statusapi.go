// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statusapi serves a small local HTTP API for watching and
// stopping the worker:
//
//	GET  /healthz        liveness, always "ok"
//	GET  /v1/status      what the worker is doing, as JSON
//	POST /v1/terminate   stop the active agent (SIGTERM, then SIGKILL)
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/jobworker/lib/orchestrator"
)

// Orchestrator is the part of [*orchestrator.Orchestrator] the API
// exposes.
type Orchestrator interface {
	Status() orchestrator.Status
	Shutdown(ctx context.Context) error
}

// TerminateTimeout bounds how long POST /v1/terminate waits for the
// agent to exit.
const TerminateTimeout = 10 * time.Second

// Server serves the status API.
type Server struct {
	Orchestrator Orchestrator
	AgentID      string
	Logger       *slog.Logger
}

type statusResponse struct {
	AgentID string `json:"agent_id"`
	orchestrator.Status
}

// Router returns the HTTP handler.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/terminate", s.handleTerminate)
	})
	return r
}

func (s Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{AgentID: s.AgentID, Status: s.Orchestrator.Status()})
}

func (s Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	before := s.Orchestrator.Status()
	if before.State == "idle" {
		writeJSON(w, http.StatusOK, map[string]any{"terminated": false, "state": "idle"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), TerminateTimeout)
	defer cancel()
	if err := s.Orchestrator.Shutdown(ctx); err != nil {
		writeErr(w, http.StatusGatewayTimeout, fmt.Errorf("terminating job %s: %w", before.JobID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": true, "job_id": before.JobID})
}

func (s Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(wrapped, r)
		if s.Logger != nil {
			s.Logger.Debug("status api request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration", time.Since(started),
			)
		}
	})
}

// Serve listens on address and serves until ctx is done.
func (s Server) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("status api: listening on %s: %w", address, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx is done.
func (s Server) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.Logger != nil {
		s.Logger.Info("status api listening", "address", listener.Addr().String())
	}

	errs := make(chan error, 1)
	go func() { errs <- server.Serve(listener) }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownContext); err != nil {
			return fmt.Errorf("status api: shutdown: %w", err)
		}
		if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
