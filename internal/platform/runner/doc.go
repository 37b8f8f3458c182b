// Package runner is the client for the external execution platform. It
// submits acknowledged, idempotency-keyed work and classifies submission
// failures (validation, quota, transient) so the dispatcher can apply a
// differentiated retry policy. It also carries the HMAC signing scheme
// the platform uses on completion callbacks.
package runner
