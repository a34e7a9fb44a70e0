package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Supervisor starts services in registration order and stops them in
// reverse order when the context is cancelled.
type Supervisor struct {
	services []Service

	// StopTimeout bounds each service's Stop call.
	StopTimeout time.Duration
}

// NewSupervisor creates a supervisor over the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{
		services:    services,
		StopTimeout: 30 * time.Second,
	}
}

// Run starts all services and blocks until the context is cancelled or a
// service fails, then stops everything in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(s.services))
	var wg sync.WaitGroup

	for _, svc := range s.services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting service", "service", svc.Name())
			if err := svc.Start(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("service %s: %w", svc.Name(), err)
			}
		}()
	}

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		slog.Error("Service failed, shutting down", "error", firstErr)
	}
	cancel()

	// Stop in reverse order with a bounded deadline each.
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		stopCtx, stopCancel := context.WithTimeout(context.Background(), s.StopTimeout)
		slog.Info("Stopping service", "service", svc.Name())
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop failed", "service", svc.Name(), "error", err)
		}
		stopCancel()
	}

	wg.Wait()
	return firstErr
}

// Health returns the first unhealthy service error, or nil.
func (s *Supervisor) Health() error {
	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("%s: %w", svc.Name(), err)
		}
	}
	return nil
}
