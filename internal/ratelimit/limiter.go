// Package ratelimit provides admission control in front of all mutating
// operations: a sliding-window counter keyed by principal (or client IP
// for anonymous callers), with distinct thresholds per identity class.
// Counters live in the shared store so every replica enforces the same
// window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/store"
)

// Class is the identity class a request is admitted under.
type Class string

// Identity classes with distinct thresholds.
const (
	ClassAuthenticated Class = "authenticated"
	ClassAnonymous     Class = "anonymous"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces per-principal sliding-window limits.
type Limiter struct {
	store  store.RateStore
	clock  clockwork.Clock
	config config.RateLimitConfig
	policy retry.Policy
	logger *slog.Logger
}

// NewLimiter creates a Limiter over the shared counter store.
func NewLimiter(
	rateStore store.RateStore,
	clock clockwork.Clock,
	cfg config.RateLimitConfig,
	policy retry.Policy,
	logger *slog.Logger,
) *Limiter {
	return &Limiter{
		store:  rateStore,
		clock:  clock,
		config: cfg,
		policy: policy,
		logger: logger.With("component", "rate_limiter"),
	}
}

// Admit records one request for the key and decides whether it may
// proceed. A throttled decision carries a retry-after hint. Store faults
// are retried with the same backoff discipline as every other dependency;
// if the store stays unavailable the error propagates so the caller can
// answer with service_unavailable rather than silently admitting.
func (l *Limiter) Admit(ctx context.Context, key string, class Class) (Decision, error) {
	limit := l.limitFor(class)
	now := l.clock.Now()

	var count int
	err := l.policy.Do(ctx, func() error {
		var hitErr error
		count, hitErr = l.store.Hit(ctx, string(class)+":"+key, now, l.config.Window)
		if hitErr != nil && !store.IsTransientError(hitErr) {
			return retry.Permanent(hitErr)
		}
		return hitErr
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	if count > limit {
		l.logger.Warn("request throttled",
			"key", key,
			"class", string(class),
			"count", count,
			"limit", limit)
		return Decision{
			Allowed:    false,
			RetryAfter: l.config.Window,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - count,
	}, nil
}

// Run prunes expired hits on the window interval until the context is
// cancelled. Counting already ignores expired hits; pruning just keeps
// the table from growing without bound.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := l.clock.Now().Add(-l.config.Window)
			if err := l.store.Prune(ctx, cutoff); err != nil {
				l.logger.Warn("failed to prune rate counters", "error", err)
			}
		}
	}
}

func (l *Limiter) limitFor(class Class) int {
	if class == ClassAuthenticated {
		return l.config.AuthenticatedMax
	}
	return l.config.AnonymousMax
}
