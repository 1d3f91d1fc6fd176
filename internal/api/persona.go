package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/identity"
	"github.com/ashureev/devteam/internal/issues"
	"github.com/go-chi/chi/v5"
)

// PersonaService runs the developer lead operations by identity.
type PersonaService interface {
	CreateIssue(ctx context.Context, identity, org, repo string, parentNumber int64, input string) (*issues.Issue, error)
	CreatePlan(ctx context.Context, identity, ask string) (string, error)
	ClosePlan(ctx context.Context, identity string) error
	GetLatestPlan(ctx context.Context, identity string) (*domain.Plan, error)
	History(ctx context.Context, identity string) (domain.PersonaState, error)
}

// Publisher appends events to an identity's stream partition.
type Publisher interface {
	Publish(ctx context.Context, topic, identity string, ev domain.Event) (string, error)
}

// PersonaHandler serves the persona routes under /api/personas/{identity}.
type PersonaHandler struct {
	svc       PersonaService
	publisher Publisher
	topic     string
	feed      http.Handler
	logger    *slog.Logger
}

// NewPersonaHandler creates a persona handler publishing events on topic.
// feed may be nil, in which case the history WebSocket is not registered.
func NewPersonaHandler(svc PersonaService, publisher Publisher, topic string, feed http.Handler, logger *slog.Logger) *PersonaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonaHandler{svc: svc, publisher: publisher, topic: topic, feed: feed, logger: logger}
}

// RegisterRoutes registers persona routes.
func (h *PersonaHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/personas/{"+identity.URLParam+"}", func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Post("/events", h.PublishEvent)
		r.Post("/issues", h.CreateIssue)
		r.Post("/plans", h.CreatePlan)
		r.Post("/plans/close", h.ClosePlan)
		r.Get("/plans/latest", h.GetLatestPlan)
		r.Get("/history", h.History)
	})
	if h.feed != nil {
		r.With(identity.Middleware).Get("/ws/personas/{"+identity.URLParam+"}/history", h.feed.ServeHTTP)
	}
}

type eventRequest struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// PublishEvent appends an event to the identity's partition. Unrecognized types
// are accepted with status accepted_unhandled and later ignored by the persona.
func (h *PersonaHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req eventRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		Error(w, http.StatusBadRequest, "type is required")
		return
	}

	ev := domain.Event{
		ID:      req.ID,
		Kind:    domain.EventKind(req.Type),
		Message: req.Message,
		Data:    req.Data,
	}
	eventID, err := h.publisher.Publish(r.Context(), h.topic, id, ev)
	if err != nil {
		// The event may still be buffered; the ID lets the caller retry idempotently.
		status, code := StatusFor(err)
		h.logger.Warn("Event publish failed", "identity", id, "event_id", eventID, "kind", req.Type, "error", err)
		JSON(w, status, map[string]string{"error": code, "detail": err.Error(), "id": eventID})
		return
	}

	status := "accepted"
	if !ev.Kind.Known() {
		status = "accepted_unhandled"
		h.logger.Warn("Event type is not dispatched by the persona and will be ignored", "identity", id, "event_id", eventID, "kind", req.Type)
	} else {
		h.logger.Debug("Event published", "identity", id, "event_id", eventID, "kind", req.Type)
	}
	JSON(w, http.StatusAccepted, map[string]string{"id": eventID, "status": status})
}

type issueRequest struct {
	Org          string `json:"org"`
	Repo         string `json:"repo"`
	ParentNumber int64  `json:"parentNumber"`
	Input        string `json:"input"`
}

// CreateIssue opens a tracking issue and records its parent.
func (h *PersonaHandler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req issueRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Org == "" || req.Repo == "" {
		Error(w, http.StatusBadRequest, "org and repo are required")
		return
	}

	issue, err := h.svc.CreateIssue(r.Context(), id, req.Org, req.Repo, req.ParentNumber, req.Input)
	if err != nil {
		writeError(w, h.logger, "CreateIssue", id, err)
		return
	}
	JSON(w, http.StatusCreated, issue)
}

type planRequest struct {
	Ask string `json:"ask"`
}

// CreatePlan generates a plan for the ask and returns the generated text.
func (h *PersonaHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req planRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Ask) == "" {
		Error(w, http.StatusBadRequest, "ask is required")
		return
	}

	text, err := h.svc.CreatePlan(r.Context(), id, req.Ask)
	if err != nil {
		writeError(w, h.logger, "CreatePlan", id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"plan": text})
}

// ClosePlan signals that the identity's planning chain is complete.
func (h *PersonaHandler) ClosePlan(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if err := h.svc.ClosePlan(r.Context(), id); err != nil {
		writeError(w, h.logger, "ClosePlan", id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetLatestPlan returns the plan decoded from the latest history entry.
func (h *PersonaHandler) GetLatestPlan(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	plan, err := h.svc.GetLatestPlan(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "GetLatestPlan", id, err)
		return
	}
	JSON(w, http.StatusOK, plan)
}

// History returns the identity's state.
func (h *PersonaHandler) History(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	state, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "History", id, err)
		return
	}
	if state.History == nil {
		state.History = []domain.ChatHistoryItem{}
	}
	JSON(w, http.StatusOK, state)
}
