// Package store defines the narrow persistence interfaces the engine
// coordinates through: the durable task record store, the priority queue
// store, the job ledger, the event log and the rate-limit counters.
//
// The engine is stateless and horizontally replicated; every one of these
// interfaces must be backed by primitives that are safe under concurrent
// access from multiple replicas: compare-and-swap for task updates and an
// atomic pop for queue dequeue. Implementations live under
// internal/platform.
package store
