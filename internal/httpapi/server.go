package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const defaultShutdownTimeout = 5 * time.Second

// Server wraps an http.Server configured for h2c (HTTP/2 without TLS), with
// a cancellable base context so in-flight handlers abort quickly on
// shutdown rather than waiting out the full drain timeout.
type Server struct {
	httpServer     *http.Server
	shutdownCancel context.CancelFunc
	logger         *slog.Logger
}

// NewServer builds a Server listening on host:port, serving handler over
// h2c.
func NewServer(host string, port int, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	h2cHandler := h2c.NewHandler(handler, &http2.Server{})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      h2cHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return shutdownCtx
		},
	}

	return &Server{httpServer: httpServer, shutdownCancel: shutdownCancel, logger: logger}
}

// Serve blocks accepting connections until the server is shut down. It
// never returns http.ErrServerClosed as an error.
func (s *Server) Serve() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown cancels the shared request context so in-flight handlers abort
// fast, then drains connections up to defaultShutdownTimeout.
func (s *Server) Shutdown() error {
	s.shutdownCancel()
	drainCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(drainCtx)
}
