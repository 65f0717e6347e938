package api

import (
	"context"
	"net/http"
	"time"
)

// NewHTTPServer wraps handler with the listener timeouts used in production.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// ShutdownFunc adapts a plain function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

// Shutdown implements Shutdownable.
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}
