package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Serve runs e until ctx is done, then shuts it down gracefully within
// config.ShutdownTimeout. It returns nil after a clean shutdown.
func Serve(ctx context.Context, e *echo.Echo, config ServerConfig) error {
	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "http")
	}

	// Create HTTP server with timeouts
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	s := &http.Server{
		Addr:         addr,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Starting server")
		errCh <- e.StartServer(s)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultServerConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// e.Shutdown only knows echo's own servers, so stop s directly.
	logger.Info("Shutting down server gracefully...")
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-errCh

	logger.Info("Server stopped")
	return nil
}
