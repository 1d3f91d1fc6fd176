// Package identity validates persona identities and carries them through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// URLParam is the chi route parameter holding the identity.
const URLParam = "identity"

type contextKey int

const identityKey contextKey = iota

// ErrInvalid is returned for identities that do not match the accepted pattern.
var ErrInvalid = errors.New("invalid identity")

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Validate checks that id is a usable identity.
func Validate(id string) error {
	if !identityPattern.MatchString(id) {
		return fmt.Errorf("%w %q", ErrInvalid, id)
	}
	return nil
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from ctx.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}

// Middleware validates the {identity} route parameter and stores it in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, URLParam)
		if err := Validate(id); err != nil {
			http.Error(w, `{"error":"invalid identity"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
