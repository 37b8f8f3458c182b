package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/api/shared"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/ratelimit"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/store/storetest"
)

func newTestRateLimit(t *testing.T) (*RateLimitMiddleware, *storetest.RateStore) {
	t.Helper()

	rateStore := storetest.NewRateStore()
	limiter := ratelimit.NewLimiter(
		rateStore,
		clockwork.NewFakeClock(),
		config.RateLimitConfig{
			Window:           time.Minute,
			AuthenticatedMax: 3,
			AnonymousMax:     2,
		},
		retry.Policy{Base: time.Millisecond, Factor: 2, MaxAttempts: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return NewRateLimitMiddleware(limiter, slog.New(slog.NewTextHandler(io.Discard, nil))), rateStore
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimitAdmitsUnderThreshold(t *testing.T) {
	t.Parallel()
	middleware, _ := newTestRateLimit(t)
	principal := uuid.New()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
		req = req.WithContext(context.WithValue(req.Context(), shared.PrincipalContextKey, principal))
		rec := httptest.NewRecorder()
		middleware.Limit(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestLimitThrottlesWithRetryAfter(t *testing.T) {
	t.Parallel()
	middleware, _ := newTestRateLimit(t)
	principal := uuid.New()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
		req = req.WithContext(context.WithValue(req.Context(), shared.PrincipalContextKey, principal))
		rec := httptest.NewRecorder()
		middleware.Limit(okHandler()).ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, send().Code)
	}

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestLimitKeysAnonymousByClientIP(t *testing.T) {
	t.Parallel()
	middleware, _ := newTestRateLimit(t)

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/callbacks/job", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		middleware.Limit(okHandler()).ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1111").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.1:2222").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:3333").Code)

	// A different address gets its own window.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1111").Code)
}

func TestLimitFailsOpenWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	middleware, rateStore := newTestRateLimit(t)
	rateStore.HitErr = assert.AnError

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	rec := httptest.NewRecorder()
	middleware.Limit(okHandler()).ServeHTTP(rec, req)

	// Throttling is protection, not a dependency: the write proceeds.
	assert.Equal(t, http.StatusOK, rec.Code)
}
