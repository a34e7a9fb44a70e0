package queue

import (
	"context"
	"fmt"
)

// ConsumerFactory builds a fresh Consumer for one source queue. The
// supervisor uses it to replace stalled consumers; every call must return
// an independent consumer bound to the same queue.
type ConsumerFactory func(ctx context.Context) (Consumer, error)

// ConsumerSpec couples a queue identifier with its factory.
type ConsumerSpec struct {
	// QueueIdentifier names the queue in health reports and logs.
	QueueIdentifier string

	// Factory builds consumers for the queue.
	Factory ConsumerFactory
}

// Build creates the initial consumer for the queue.
func (s *ConsumerSpec) Build(ctx context.Context) (Consumer, error) {
	if s.Factory == nil {
		return nil, fmt.Errorf("queue %s has no consumer factory", s.QueueIdentifier)
	}
	return s.Factory(ctx)
}
