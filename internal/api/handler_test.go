//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/devteam/internal/actor"
	"github.com/ashureev/devteam/internal/devlead"
	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/issues"
	"github.com/ashureev/devteam/internal/store"
	"github.com/ashureev/devteam/internal/stream"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	persistence := &store.PersistenceError{Op: "write state", Identity: "42", Err: errors.New("disk full")}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"template", &generation.Error{Kind: generation.KindTemplateNotFound}, http.StatusNotFound, "template_not_found"},
		{"timeout", &generation.Error{Kind: generation.KindTimeout}, http.StatusGatewayTimeout, "generation_timeout"},
		{"rejected", &generation.Error{Kind: generation.KindRejected}, http.StatusUnprocessableEntity, "generation_rejected"},
		{"transport", &generation.Error{Kind: generation.KindTransport}, http.StatusBadGateway, "generation_transport"},
		{"persistence", fmt.Errorf("save: %w", persistence), http.StatusInternalServerError, "persistence_failure"},
		{"inconsistent", &devlead.InconsistencyError{Identity: "42", Issue: &issues.Issue{Number: 1}, Err: persistence}, http.StatusInternalServerError, "issue_created_state_not_persisted"},
		{"empty", domain.ErrEmptyHistory, http.StatusConflict, "empty_history"},
		{"decode", &domain.DecodeError{Order: 1, Err: errors.New("bad")}, http.StatusUnprocessableEntity, "plan_decode_failed"},
		{"invalid event", fmt.Errorf("%w: org", devlead.ErrInvalidEvent), http.StatusBadRequest, "invalid_request"},
		{"partition full", stream.ErrPartitionFull, http.StatusServiceUnavailable, "partition_full"},
		{"activation", fmt.Errorf("%w: boom", actor.ErrActivation), http.StatusServiceUnavailable, "activation_failed"},
		{"closed", actor.ErrRuntimeClosed, http.StatusServiceUnavailable, "shutting_down"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"canceled generation", fmt.Errorf("generate DevLead.Plan: %w", context.Canceled), http.StatusServiceUnavailable, "canceled"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := StatusFor(tc.err)
			if status != tc.status || code != tc.code {
				t.Errorf("StatusFor(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}
