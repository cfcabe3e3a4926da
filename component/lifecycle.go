// Package component defines the lifecycle and discovery contracts shared by
// scanner inputs, the dispatcher and the sinks.
package component

import (
	"context"
	"time"
)

// LifecycleComponent is a Discoverable that can also run on its own, outside
// the supervisor. Initialize validates and allocates without I/O; Start
// begins work bounded by ctx; Stop waits at most timeout for it to end and is
// safe to call twice.
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

