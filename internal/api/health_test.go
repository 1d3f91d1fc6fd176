package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fixedActors int

func (n fixedActors) Active() int { return int(n) }

func TestHealth(t *testing.T) {
	r := chi.NewRouter()
	NewHealthHandler(fakePinger{}, fixedActors(3), nil).RegisterHealth(r)

	w := do(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decodeBody(t, w, &body)
	if body["status"] != "healthy" || body["active_actors"] != float64(3) {
		t.Fatalf("Unexpected body %v", body)
	}
}

func TestHealthDegraded(t *testing.T) {
	r := chi.NewRouter()
	NewHealthHandler(fakePinger{err: errors.New("locked")}, nil, nil).RegisterHealth(r)

	w := do(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
}
