// Package domain contains the core business entities and domain logic of
// the orchestration engine: tasks, jobs, queue entries and events. It
// represents the heart of the system, independent of any specific
// infrastructure or delivery mechanism.
package domain
