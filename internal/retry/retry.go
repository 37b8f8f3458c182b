// Package retry provides the bounded exponential backoff discipline used
// for every external dependency (durable store, queue, execution
// platform). Transient faults are retried up to a configured attempt cap;
// permanent faults abort immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyorhq/conveyor/internal/config"
)

// Policy describes one bounded exponential backoff policy.
type Policy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// NewPolicy builds a Policy from its configuration.
func NewPolicy(cfg config.BackoffPolicyConfig) Policy {
	return Policy{
		Base:        cfg.Base,
		Factor:      cfg.Factor,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// newBackoff constructs the underlying exponential backoff for one run.
func (p Policy) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	// MaxAttempts counts total tries, so attempt 1 consumes no retry.
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Do runs op, retrying transient failures according to the policy.
// Returning backoff.Permanent(err) from op aborts immediately. The
// context bounds the whole run, including backoff sleeps.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.newBackoff(), ctx))
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
