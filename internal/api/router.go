/**
 * @description
 * This file sets up the HTTP router for the transfer orchestrator. Client routes sit behind
 * AuthMiddleware; provider callbacks are authenticated by their body signature instead.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// TransferRoutes creates and returns the router for the orchestrator.
func TransferRoutes(h *TransferHandlers, auth AuthConfig, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/callbacks/{provider}/{phase}", h.CallbackHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Post("/transfers", h.StartTransferHandler)
		r.Get("/transfers/{reference}", h.GetTransferHandler)
		r.Get("/transfers/{reference}/events", h.ListTransferEventsHandler)
		r.Post("/transfers/{reference}/retry", h.RetryCollectionHandler)
		r.Post("/transfers/{reference}/compensate", h.CompensateHandler)
	})

	return r
}
