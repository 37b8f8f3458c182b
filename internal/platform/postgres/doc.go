// Package postgres provides the PostgreSQL-backed implementations of the
// store interfaces. Task updates go through a compare-and-swap on a
// version column; queue dequeue is an atomic pop built on
// FOR UPDATE SKIP LOCKED; event sequence assignment is an atomic upsert
// on a per-channel counter. Database errors are mapped to the sentinel
// errors in the store package so callers never depend on driver details.
package postgres
