package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

// drainMargin is added on top of the supervisor's per-service stop bound
// when waiting for shutdown to finish. The slowest stopper in either
// binary is the router service, whose pools wait up to 10s for in-flight
// mediations before nacking the rest; the margin covers the HTTP drain
// and the leader lease release that follow it.
const drainMargin = 5 * time.Second

// Run supervises the given services until SIGINT/SIGTERM, then drains
// them and returns. A second signal during the drain restores default
// signal handling, so the operator can force-kill a wedged shutdown.
func Run(ctx context.Context, services ...Service) error {
	signalCtx, unbind := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer unbind()

	supervisor := NewSupervisor(services...)

	result := make(chan error, 1)
	go func() {
		result <- supervisor.Run(signalCtx)
	}()

	select {
	case err := <-result:
		// A service failed (or ctx was cancelled by the caller) and the
		// supervisor already unwound everything.
		return err
	case <-signalCtx.Done():
		slog.Info("Shutdown requested, draining services")
	}

	// From here on a second signal kills the process directly.
	unbind()

	grace := supervisor.StopTimeout + drainMargin
	select {
	case err := <-result:
		return err
	case <-time.After(grace):
		slog.Error("Shutdown did not finish within grace period", "grace", grace)
		return fmt.Errorf("shutdown exceeded %s grace period", grace)
	}
}

// HTTPService adapts an http.Server to the Service contract. The listener
// is bound inside Start so port conflicts fail startup instead of
// surfacing as a dead health endpoint later.
type HTTPService struct {
	name   string
	server *http.Server
}

// NewHTTPService creates a Service from an http.Server.
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	slog.Info("HTTP server listening", "addr", s.server.Addr)

	serveErr := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server", "addr", s.server.Addr)
	return s.server.Shutdown(ctx)
}

func (s *HTTPService) Health() error { return nil }
