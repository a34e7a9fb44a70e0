package manager

import (
	"context"
	"fmt"
)

// RouterService adapts the Router to lifecycle.Service.
type RouterService struct {
	router *Router
}

// NewRouterService wraps a router.
func NewRouterService(router *Router) *RouterService {
	return &RouterService{router: router}
}

func (s *RouterService) Name() string { return "message-router" }

func (s *RouterService) Start(ctx context.Context) error {
	s.router.Start()
	<-ctx.Done()
	return nil
}

func (s *RouterService) Stop(ctx context.Context) error {
	s.router.Stop()
	return nil
}

func (s *RouterService) Health() error {
	for _, h := range s.router.ConsumerHealth() {
		if !h.Healthy {
			return fmt.Errorf("consumer %s unhealthy (running=%v, lastPoll=%s)",
				h.QueueIdentifier, h.Running, h.LastPollTime)
		}
	}
	return nil
}

// Router returns the wrapped router.
func (s *RouterService) Router() *Router { return s.router }
