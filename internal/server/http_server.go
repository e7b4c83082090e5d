// Package server constructs and runs the relay's HTTP server with helpers
// that apply production timeouts.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// CreateServer creates an HTTP server for handler on cfg.Port. The write
// timeout leaves room for a full long-poll.
func CreateServer(cfg Config, handler http.Handler) *http.Server {
	cfg = sanitizeConfig(cfg)
	return &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.PollWait + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves on ln until the server is shut down. A normal shutdown
// is not an error.
func StartServer(server *http.Server, ln net.Listener) error {
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server, waiting for active
// requests until ctx expires.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	return server.Shutdown(ctx)
}
