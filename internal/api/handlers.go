/**
 * @description
 * This file contains the HTTP handlers of the trip-orchestration service:
 * trip requests and lifecycle callbacks from the customer and driver apps,
 * driver location ingestion into the geo index, and the operator view of
 * dead-lettered outbox entries.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/app"
	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
	"github.com/swiftride/trip-platform/pkg/geoindex"
)

// DeadLetterLister is the outbox slice the operator endpoint reads.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

// TripHandlers serves the trip-orchestration HTTP API.
type TripHandlers struct {
	service     *app.Service
	geo         *geoindex.RedisIndex
	deadLetters DeadLetterLister
}

// NewTripHandlers creates the handler set.
func NewTripHandlers(service *app.Service, geo *geoindex.RedisIndex, deadLetters DeadLetterLister) *TripHandlers {
	return &TripHandlers{service: service, geo: geo, deadLetters: deadLetters}
}

type requestTripPayload struct {
	CustomerID  uuid.UUID    `json:"customer_id"`
	Origin      domain.Coord `json:"origin"`
	Destination domain.Coord `json:"destination"`
}

func (h *TripHandlers) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var payload requestTripPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.CustomerID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	trip, err := h.service.RequestTrip(r.Context(), payload.CustomerID, payload.Origin, payload.Destination)
	if err != nil {
		log.Printf("level=error component=api msg=\"trip request failed\" err=%v", err)
		respondError(w, http.StatusInternalServerError, "could not create trip")
		return
	}
	respondJSON(w, http.StatusCreated, trip)
}

func (h *TripHandlers) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := parseID(w, r, "tripID")
	if !ok {
		return
	}
	trip, err := h.service.GetTrip(r.Context(), tripID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

type cancelTripPayload struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason"`
}

func (h *TripHandlers) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := parseID(w, r, "tripID")
	if !ok {
		return
	}
	var payload cancelTripPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trip, err := h.service.CancelTrip(r.Context(), tripID, payload.CancelledBy, payload.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

func (h *TripHandlers) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	offerID, ok := parseID(w, r, "offerID")
	if !ok {
		return
	}
	trip, err := h.service.AcceptOffer(r.Context(), offerID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

func (h *TripHandlers) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	offerID, ok := parseID(w, r, "offerID")
	if !ok {
		return
	}
	if err := h.service.RejectOffer(r.Context(), offerID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TripHandlers) handleDriverArriving(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.DriverArriving)
}

func (h *TripHandlers) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.StartTrip)
}

func (h *TripHandlers) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.CompleteTrip)
}

func (h *TripHandlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*domain.Trip, error)) {
	tripID, ok := parseID(w, r, "tripID")
	if !ok {
		return
	}
	trip, err := op(r.Context(), tripID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trip)
}

type driverLocationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *TripHandlers) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	var payload driverLocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.geo.UpdatePosition(r.Context(), driverID, domain.Coord{Lat: payload.Lat, Lng: payload.Lng}); err != nil {
		log.Printf("level=error component=api msg=\"driver location update failed\" driver_id=%s err=%v", driverID, err)
		respondError(w, http.StatusInternalServerError, "could not update location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TripHandlers) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.deadLetters.ListDeadLetters(r.Context(), 100)
	if err != nil {
		log.Printf("level=error component=api msg=\"dead letter listing failed\" err=%v", err)
		respondError(w, http.StatusInternalServerError, "could not list dead letters")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": letters})
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTripNotFound), errors.Is(err, store.ErrOfferNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		respondError(w, http.StatusConflict, "trip was modified concurrently; re-fetch and retry")
	case errors.Is(err, domain.ErrOfferSuperseded):
		respondError(w, http.StatusGone, "offer is no longer available")
	default:
		log.Printf("level=error component=api msg=\"unexpected error\" err=%v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encoding failed\" err=%v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
