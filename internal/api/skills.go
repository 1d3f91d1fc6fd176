package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/memory"
	"github.com/ashureev/devteam/internal/skills"
	"github.com/go-chi/chi/v5"
)

// SkillSettings are the generation settings of a generic skill invocation.
var SkillSettings = generation.Settings{MaxOutputTokens: 8000, Temperature: 0.4, TopP: 1}

// SkillRunner runs a prompt template with an explicit retry budget.
type SkillRunner interface {
	Generate(ctx context.Context, id generation.TemplateID, vars map[string]string, settings generation.Settings) (string, error)
	GenerateWithRetries(ctx context.Context, id generation.TemplateID, vars map[string]string, settings generation.Settings, maxRetries int) (string, error)
}

// SkillLister lists the available skills.
type SkillLister interface {
	List() []skills.Skill
}

// MemoryWriter stores snippets for later retrieval.
type MemoryWriter interface {
	Remember(ctx context.Context, collection, key, text string) error
}

// SkillHandler serves skill listing, generic skill invocation and memory seeding.
type SkillHandler struct {
	runner   SkillRunner
	catalog  SkillLister
	memories MemoryWriter
	logger   *slog.Logger
}

// NewSkillHandler creates a skill handler. memories may be nil when retrieval is disabled.
func NewSkillHandler(runner SkillRunner, catalog SkillLister, memories MemoryWriter, logger *slog.Logger) *SkillHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillHandler{runner: runner, catalog: catalog, memories: memories, logger: logger}
}

// RegisterRoutes registers skill and memory routes.
func (h *SkillHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/skills", h.ListSkills)
		r.Post("/skills/{skill}/{function}", h.InvokeSkill)
		r.Post("/memories/{collection}", h.Remember)
	})
}

// ListSkills returns every skill and its functions.
func (h *SkillHandler) ListSkills(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"skills": h.catalog.List()})
}

type skillRequest struct {
	Prompt     string `json:"prompt"`
	MaxRetries *int   `json:"maxRetries,omitempty"`
	Mockup     bool   `json:"mockup,omitempty"`
}

// InvokeSkill runs skill.function with the prompt as its input variable.
// In mockup mode the prompt info block is returned without calling the engine.
func (h *SkillHandler) InvokeSkill(w http.ResponseWriter, r *http.Request) {
	id := generation.TemplateID{
		Skill:    chi.URLParam(r, "skill"),
		Function: chi.URLParam(r, "function"),
	}

	var req skillRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		Error(w, http.StatusBadRequest, "maxRetries cannot be negative")
		return
	}

	if req.Mockup {
		JSON(w, http.StatusOK, map[string]string{"result": generation.Info(id, req.Prompt)})
		return
	}

	vars := map[string]string{memory.VarInput: req.Prompt}
	var (
		text string
		err  error
	)
	if req.MaxRetries != nil {
		text, err = h.runner.GenerateWithRetries(r.Context(), id, vars, SkillSettings, *req.MaxRetries)
	} else {
		text, err = h.runner.Generate(r.Context(), id, vars, SkillSettings)
	}
	if err != nil {
		writeError(w, h.logger, "InvokeSkill "+id.String(), "", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"result": text})
}

type memoryRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Remember stores a snippet in a memory collection.
func (h *SkillHandler) Remember(w http.ResponseWriter, r *http.Request) {
	if h.memories == nil {
		Error(w, http.StatusNotImplemented, "memory retrieval is disabled")
		return
	}
	collection := chi.URLParam(r, "collection")

	var req memoryRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "key and text are required")
		return
	}

	if err := h.memories.Remember(r.Context(), collection, req.Key, req.Text); err != nil {
		writeError(w, h.logger, "Remember", "", err)
		return
	}
	h.logger.Info("Memory stored", "collection", collection, "key", req.Key)
	JSON(w, http.StatusCreated, map[string]string{"collection": collection, "key": req.Key})
}
