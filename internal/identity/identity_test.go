package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestValidate(t *testing.T) {
	for _, id := range []string{"42", "acme:repo1-7", "dev.lead_1"} {
		if err := Validate(id); err != nil {
			t.Errorf("Validate(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", "has space", "slash/inside", strings.Repeat("a", 129)} {
		if err := Validate(id); !errors.Is(err, ErrInvalid) {
			t.Errorf("Validate(%q) expected ErrInvalid, got %v", id, err)
		}
	}
}

func TestMiddlewareStoresIdentity(t *testing.T) {
	r := chi.NewRouter()
	var got string
	r.With(Middleware).Get("/personas/{identity}", func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/personas/42", nil))
	if w.Code != http.StatusNoContent || got != "42" {
		t.Fatalf("expected identity 42, got status=%d identity=%q", w.Code, got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/personas/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid identity, got %d", w.Code)
	}
}

func TestIPFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if ip := IPFromRequest(r); ip != "10.0.0.1" {
		t.Fatalf("unexpected ip %q", ip)
	}
	r.RemoteAddr = "unix"
	if ip := IPFromRequest(r); ip != "unix" {
		t.Fatalf("unexpected fallback %q", ip)
	}
}
