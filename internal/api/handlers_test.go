package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

func TestRespondDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unknown trip", err: domain.ErrTripNotFound, wantStatus: http.StatusNotFound},
		{name: "unknown offer", err: store.ErrOfferNotFound, wantStatus: http.StatusNotFound},
		{name: "illegal transition", err: fmt.Errorf("%w: TRIP_STARTED -> CANCELLED", domain.ErrInvalidTransition), wantStatus: http.StatusConflict},
		{name: "version conflict", err: domain.ErrConcurrentModification, wantStatus: http.StatusConflict},
		{name: "superseded offer", err: domain.ErrOfferSuperseded, wantStatus: http.StatusGone},
		{name: "unexpected fault", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondDomainError(rec, tt.err)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected JSON error body, got content type %q", ct)
			}
		})
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		configured string
		provided   string
		wantStatus int
	}{
		{name: "matching key passes", configured: "secret", provided: "secret", wantStatus: http.StatusOK},
		{name: "wrong key rejected", configured: "secret", provided: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing key rejected", configured: "secret", wantStatus: http.StatusUnauthorized},
		{name: "empty configured key disables the check", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := InternalAuthMiddleware(tt.configured)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/internal/outbox/dead-letters", nil)
			if tt.provided != "" {
				req.Header.Set("X-Internal-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
