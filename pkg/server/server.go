// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package server runs the HTTP servers of the two binaries: the REST API
// and the metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// Server is an HTTP server with graceful shutdown.
type Server struct {
	log     logr.Logger
	name    string
	address string
	handler http.Handler
}

// New builds a server for the given listen address and handler.
func New(log logr.Logger, name, address string, handler http.Handler) *Server {
	return &Server{
		log:     log.WithName(name),
		name:    name,
		address: address,
		handler: handler,
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests for up
// to 10 seconds. A listener failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", "address", s.address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server failed: %w", s.name, err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s server: %w", s.name, err)
	}
	s.log.Info("Server stopped")
	return nil
}
