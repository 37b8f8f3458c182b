package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/api/shared"
	"github.com/conveyorhq/conveyor/internal/ratelimit"
)

// RateLimitMiddleware applies sliding-window admission control to routes.
// Authenticated requests are keyed by principal ID; anonymous ones by
// client IP.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  log.With(slog.String("component", "ratelimit_middleware")),
	}
}

// Limit admits or rejects the request against the caller's window.
// Rejected requests get 429 with a Retry-After header. If the counter
// store itself is unavailable the request is admitted: throttling is
// protection, not a dependency worth failing writes over.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, class := identity(r)

		decision, err := m.limiter.Admit(r.Context(), key, class)
		if err != nil {
			m.logger.Warn("rate limiter unavailable, admitting request",
				slog.String("key", key),
				slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			shared.RespondWithError(w, r, http.StatusTooManyRequests,
				shared.CodeThrottled, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// identity resolves the admission key and class for the request.
func identity(r *http.Request) (string, ratelimit.Class) {
	if principalID, ok := r.Context().Value(shared.PrincipalContextKey).(uuid.UUID); ok &&
		principalID != uuid.Nil {
		return principalID.String(), ratelimit.ClassAuthenticated
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host, ratelimit.ClassAnonymous
}
