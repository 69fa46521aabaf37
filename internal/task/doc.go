// Package task implements the actionable task registry: task identity,
// the task lifecycle state machine, fulfillment cards and the per-performer
// work queues.
package task
