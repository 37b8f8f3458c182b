// Package service contains the application's business logic, coordinating
// between the API layer and the persistence interfaces. It owns the
// client-facing task lifecycle and the service-level error taxonomy that
// handlers translate into stable machine codes.
package service
