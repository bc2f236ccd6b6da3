/**
 * @description
 * This file sets up the HTTP router for the disbursement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * the necessary middleware for logging, recovery, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser-based operator tooling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DisbursementRoutes creates and returns a new router for the disbursement service.
func DisbursementRoutes(h *DisbursementHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require operator authentication.
	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(jwtSecret))

		r.Post("/disbursements", h.StartDisbursementHandler)
		r.Get("/disbursements", h.ListRunsHandler)
		r.Get("/disbursements/{runID}", h.GetRunHandler)
		r.Get("/disbursements/{runID}/stats", h.GetRunStatsHandler)
		r.Get("/disbursements/{runID}/batches/{batchRef}", h.GetBatchHandler)
		r.Post("/disbursements/{runID}/stop", h.StopRunHandler)
	})

	// Internal service-to-service endpoints.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/reconcile", h.TriggerReconcileHandler)
	})

	return r
}
