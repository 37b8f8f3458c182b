// Package engine contains the dispatch-side orchestration: the Dispatcher
// that claims queued tasks and submits them to the execution platform,
// the Reconciler that applies asynchronous completion callbacks
// idempotently, and the Reaper that recovers tasks whose jobs the
// platform silently dropped.
//
// The engine holds no trusted in-process state; every decision is made
// against a fresh read of the shared store and committed through its
// conditional primitives, so any number of replicas can run these loops
// concurrently.
package engine
