// Package server provides an HTTP server with graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// A Server defines parameters for running an HTTP server.
type Server struct {
	Addr    string // TCP address to listen on
	Handler http.Handler
}

// Start initializes a server to respond to HTTP network requests. It
// blocks until ctx is cancelled, then shuts the listener down
// gracefully and returns ctx's error.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown(context.Background()) //nolint:errcheck
		return ctx.Err()
	})
	return g.Wait()
}
