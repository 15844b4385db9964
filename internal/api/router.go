/**
 * @description
 * HTTP router setup for the trip-orchestration service using go-chi/chi.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the trip routes.
func NewRouter(h *TripHandlers, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Trip service is healthy"))
	})

	r.Route("/trips", func(r chi.Router) {
		r.Post("/", h.handleRequestTrip)
		r.Get("/{tripID}", h.handleGetTrip)
		r.Post("/{tripID}/cancel", h.handleCancelTrip)
		r.Post("/{tripID}/arriving", h.handleDriverArriving)
		r.Post("/{tripID}/start", h.handleStartTrip)
		r.Post("/{tripID}/complete", h.handleCompleteTrip)
	})

	r.Route("/offers", func(r chi.Router) {
		r.Post("/{offerID}/accept", h.handleAcceptOffer)
		r.Post("/{offerID}/reject", h.handleRejectOffer)
	})

	r.Post("/drivers/{driverID}/location", h.handleDriverLocation)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/outbox/dead-letters", h.handleListDeadLetters)
	})

	return r
}
