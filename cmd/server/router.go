package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conveyorhq/conveyor/internal/api"
	apiMiddleware "github.com/conveyorhq/conveyor/internal/api/middleware"
)

// setupRouter creates and configures the application router with all
// routes and middleware. Returns the configured router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	// Create API handlers using the application's services
	taskHandler := api.NewTaskHandler(app.taskService, app.logger)
	callbackHandler := api.NewCallbackHandler(app.reconciler, app.logger)
	streamHandler := api.NewStreamHandler(app.bus, app.clock, app.config.Events, app.logger)

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	rateLimitMiddleware := apiMiddleware.NewRateLimitMiddleware(app.limiter, app.logger)

	// Register routes
	r.Route("/api", func(r chi.Router) {
		// Callback endpoint: authenticated by HMAC signature, rate
		// limited by caller IP.
		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware.Limit)
			r.Post("/callbacks/job", callbackHandler.HandleJobCallback)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Use(rateLimitMiddleware.Limit)

			// Task lifecycle endpoints
			r.Post("/tasks", taskHandler.Submit)
			r.Get("/tasks/{id}", taskHandler.Get)
			r.Post("/tasks/{id}/cancel", taskHandler.Cancel)

			// Queue introspection
			r.Get("/queue", taskHandler.QueueDepth)

			// Live event stream
			r.Get("/events", streamHandler.Stream)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("OK"))
		if err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
