// Package events provides the live-update fan-out for task, queue and
// worker state transitions.
//
// Every published event is first appended to the durable event log, which
// assigns a strictly increasing per-channel sequence number, and is then
// fanned out to in-process subscribers. Delivery to a subscriber is
// at-least-once; subscribers deduplicate by (channel, sequence) and can
// resume from a last-seen sequence, in which case missed events are
// replayed from the log before live delivery continues.
//
// Publication never blocks on subscriber consumption speed: a subscriber
// whose buffer is full is dropped and its stream closed.
package events
