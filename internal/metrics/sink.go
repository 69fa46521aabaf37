// Package metrics records counters and latencies for remote calls, task
// transitions and parcel publication.
package metrics

import (
	"time"

	"yqhp/taskbus/pkg/types"
)

// Sink receives bus telemetry. Implementations must be safe for concurrent
// use and must not block.
type Sink interface {
	// RPCSucceeded records a remote call that returned a result.
	RPCSucceeded(method string, latency time.Duration)
	// RPCFailed records a remote call that produced a failure packet.
	RPCFailed(method string, status types.PacketStatus, latency time.Duration)
	// TaskTransition records a task entering state.
	TaskTransition(state types.TaskState)
	// ParcelPublished records a parcel delivered to the given number of subscribers.
	ParcelPublished(subscribers int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RPCSucceeded(string, time.Duration) {}
func (Noop) RPCFailed(string, types.PacketStatus, time.Duration) {}
func (Noop) TaskTransition(types.TaskState) {}
func (Noop) ParcelPublished(int) {}

var _ Sink = Noop{}
