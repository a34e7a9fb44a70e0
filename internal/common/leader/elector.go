// Package leader provides TTL-lease leader election over a shared store.
//
// At any instant at most one instance holds a live lease for a given lock
// name. Correctness relies on conditional updates against expiresAt (or the
// store's native key expiry), never on background index eviction.
package leader

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Elector is the capability shared by all leader election backends.
type Elector interface {
	// Start begins the acquire/refresh loop.
	Start(ctx context.Context) error

	// Stop halts the loop and releases the lease if held.
	Stop()

	// IsLeader reports whether this instance currently believes it holds
	// the lease. After a failed refresh this returns false before the
	// follower callback fires.
	IsLeader() bool

	// InstanceID returns this instance's identity.
	InstanceID() string
}

// Config holds the common leader election parameters.
type Config struct {
	// InstanceID uniquely identifies this instance.
	// Defaults to hostname plus a random suffix.
	InstanceID string

	// LockName is the lease key (e.g. "flowcatalyst:outbox:leader").
	LockName string

	// TTL is the lease duration. Clock skew between instances must stay
	// below TTL/3 for the safety argument to hold.
	TTL time.Duration

	// RefreshInterval is how often the loop refreshes (leader) or retries
	// acquisition (follower). Defaults to TTL/3.
	RefreshInterval time.Duration
}

// DefaultConfig returns the standard parameters for a lock name.
func DefaultConfig(lockName string) *Config {
	return &Config{
		InstanceID:      defaultInstanceID(),
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.InstanceID == "" {
		c.InstanceID = defaultInstanceID()
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = c.TTL / 3
	}
}

func defaultInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
