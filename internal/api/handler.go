// Package api provides the HTTP surface the host orchestrator uses to drive personas.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/devteam/internal/actor"
	"github.com/ashureev/devteam/internal/devlead"
	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/identity"
	"github.com/ashureev/devteam/internal/store"
	"github.com/ashureev/devteam/internal/stream"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// StatusFor maps an operation error to an HTTP status and a client-facing code.
func StatusFor(err error) (int, string) {
	var genErr *generation.Error
	var decodeErr *domain.DecodeError
	var inconsistent *devlead.InconsistencyError

	switch {
	case errors.As(err, &genErr):
		switch genErr.Kind {
		case generation.KindTemplateNotFound:
			return http.StatusNotFound, "template_not_found"
		case generation.KindTimeout:
			return http.StatusGatewayTimeout, "generation_timeout"
		case generation.KindRejected:
			return http.StatusUnprocessableEntity, "generation_rejected"
		default:
			return http.StatusBadGateway, "generation_transport"
		}
	case errors.As(err, &inconsistent):
		return http.StatusInternalServerError, "issue_created_state_not_persisted"
	case errors.Is(err, store.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failure"
	case errors.Is(err, domain.ErrEmptyHistory):
		return http.StatusConflict, "empty_history"
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity, "plan_decode_failed"
	case errors.Is(err, identity.ErrInvalid), errors.Is(err, devlead.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, stream.ErrPartitionFull):
		return http.StatusServiceUnavailable, "partition_full"
	case errors.Is(err, actor.ErrActivation), errors.Is(err, stream.ErrActivation):
		return http.StatusServiceUnavailable, "activation_failed"
	case errors.Is(err, actor.ErrRuntimeClosed), errors.Is(err, actor.ErrStopped):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError logs a failed operation and writes its mapped status.
func writeError(w http.ResponseWriter, logger *slog.Logger, op, id string, err error) {
	status, code := StatusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "Operation failed",
		"operation", op,
		"identity", id,
		"status", status,
		"error", err)

	body := map[string]interface{}{
		"error":  code,
		"detail": err.Error(),
	}
	var genErr *generation.Error
	if errors.As(err, &genErr) {
		body["attempts"] = genErr.Attempts
	}
	var inconsistent *devlead.InconsistencyError
	if errors.As(err, &inconsistent) {
		body["issue"] = inconsistent.Issue
	}
	JSON(w, status, body)
}
