// Package types defines the core data structures for the task bus.
//
// This package contains the fundamental types shared by the matching engine,
// the task registry and the cluster transport, including:
//   - Participant identifiers
//   - Data parcel manifests and subscription masks
//   - Actionable tasks, fulfillment cards and completion summaries
//   - Cluster view entries and the RPC envelope
//   - Typed bus errors
package types
