// Package devlead implements the developer lead persona: it opens tracking
// issues, produces development plans and hands closed plans downstream.
package devlead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ashureev/devteam/internal/actor"
	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/issues"
	"github.com/ashureev/devteam/internal/memory"
	"github.com/ashureev/devteam/internal/persona"
	"github.com/ashureev/devteam/internal/store"
)

const (
	Skill            = "DevLead"
	Function         = "Plan"
	IssueLabel       = Skill + "." + Function
	MemoryCollection = "dev-lead-memory"
	Topic            = "DevPersonas"
)

// PlanTemplate is the prompt used by CreatePlan.
var PlanTemplate = generation.TemplateID{Skill: Skill, Function: Function}

// PlanSettings are the generation settings used by CreatePlan.
var PlanSettings = generation.Settings{MaxOutputTokens: 15000, Temperature: 0.4, TopP: 1.0}

// ErrInvalidEvent is returned for events missing the data their kind requires.
var ErrInvalidEvent = errors.New("invalid event data")

// Generator produces text from a prompt template.
type Generator interface {
	Generate(ctx context.Context, id generation.TemplateID, vars map[string]string, settings generation.Settings) (string, error)
}

// ContextBuilder assembles generation variables for an ask.
type ContextBuilder interface {
	Build(ctx context.Context, collection, ask string) map[string]string
}

// PlanCloser is notified when a planning chain closes.
type PlanCloser interface {
	ClosePlan(ctx context.Context, identity string, state domain.PersonaState) error
}

// NopCloser is the PlanCloser used when no downstream coordinator is wired.
type NopCloser struct {
	Logger *slog.Logger
}

// ClosePlan implements PlanCloser.
func (c NopCloser) ClosePlan(_ context.Context, identity string, state domain.PersonaState) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Plan closed, no downstream coordinator configured",
		"identity", identity,
		"history_len", len(state.History))
	return nil
}

// InconsistencyError reports an issue that was created while the state recording
// it could not be persisted.
type InconsistencyError struct {
	Identity string
	Issue    *issues.Issue
	Err      error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("issue %s/%s#%d created for %q but state was not persisted: %v",
		e.Issue.Org, e.Issue.Repo, e.Issue.Number, e.Identity, e.Err)
}

func (e *InconsistencyError) Unwrap() error { return e.Err }

// Deps are the collaborators shared by every developer lead.
type Deps struct {
	Store     store.StateStore
	Generator Generator
	Context   ContextBuilder
	Tracker   issues.Tracker
	Closer    PlanCloser
	Observer  persona.HistoryObserver
	Logger    *slog.Logger
}

// DevLead is the behavior of one identity. It is driven by a single actor.
type DevLead struct {
	*persona.Persona
	deps Deps
}

// New loads the persona state of identity.
func New(ctx context.Context, identity string, deps Deps) (*DevLead, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Closer == nil {
		deps.Closer = NopCloser{Logger: deps.Logger}
	}
	if deps.Context == nil {
		deps.Context = memory.NewContextBuilder(nil, memory.ContextOptions{Logger: deps.Logger})
	}
	p, err := persona.Load(ctx, identity, deps.Store, deps.Observer, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &DevLead{Persona: p, deps: deps}, nil
}

// Factory builds developer leads for an actor runtime.
func Factory(deps Deps) actor.Factory {
	return func(ctx context.Context, identity string) (actor.Behavior, error) {
		return New(ctx, identity, deps)
	}
}

// CreateIssue opens a tracking issue under parentNumber and records the parent.
func (d *DevLead) CreateIssue(ctx context.Context, org, repo string, parentNumber int64, input string) (*issues.Issue, error) {
	issue, err := d.deps.Tracker.CreateIssue(ctx, issues.Request{
		Label:        IssueLabel,
		Org:          org,
		Repo:         repo,
		Input:        input,
		ParentNumber: parentNumber,
	})
	if err != nil {
		d.Logger().Error("CreateIssue failed", "operation", "CreateIssue", "org", org, "repo", repo, "parent_number", parentNumber, "error", err)
		return nil, err
	}

	d.SetParentReference(parentNumber)
	if err := d.Save(ctx); err != nil {
		d.Logger().Error("Issue created but state not persisted",
			"operation", "CreateIssue",
			"org", org,
			"repo", repo,
			"issue_number", issue.Number,
			"parent_number", parentNumber,
			"error", err)
		return issue, &InconsistencyError{Identity: d.Identity(), Issue: issue, Err: err}
	}
	return issue, nil
}

// CreatePlan records ask, generates a plan for it and records the plan.
// The ask stays in history when generation fails.
func (d *DevLead) CreatePlan(ctx context.Context, ask string) (string, error) {
	d.Append(ask, domain.SpeakerUser)
	if err := d.Save(ctx); err != nil {
		d.Logger().Error("CreatePlan failed to persist ask", "operation", "CreatePlan", "ask", ask, "error", err)
		return "", err
	}

	vars := d.deps.Context.Build(ctx, MemoryCollection, ask)
	text, err := d.deps.Generator.Generate(ctx, PlanTemplate, vars, PlanSettings)
	if err != nil {
		d.Logger().Error("Error creating development plan",
			"operation", "CreatePlan",
			"ask", ask,
			"kind", generation.KindOf(err),
			"error", err)
		return "", err
	}

	d.Append(text, domain.SpeakerAgent)
	if err := d.Save(ctx); err != nil {
		d.Logger().Error("CreatePlan failed to persist plan", "operation", "CreatePlan", "ask", ask, "error", err)
		return "", err
	}
	return text, nil
}

// ClosePlan hands the closed plan to the configured PlanCloser.
func (d *DevLead) ClosePlan(ctx context.Context) error {
	if err := d.deps.Closer.ClosePlan(ctx, d.Identity(), d.State()); err != nil {
		d.Logger().Error("ClosePlan failed", "operation", "ClosePlan", "error", err)
		return err
	}
	return nil
}

// GetLatestPlan decodes the most recent history entry.
func (d *DevLead) GetLatestPlan() (*domain.Plan, error) {
	item, err := d.Latest()
	if err != nil {
		return nil, err
	}
	return domain.DecodePlan(item)
}

// HandleEvent implements actor.Behavior.
func (d *DevLead) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventNewAsk:
		org, repo, parent, err := askData(ev.Data)
		if err != nil {
			return err
		}
		_, err = d.CreateIssue(ctx, org, repo, parent, ev.Message)
		return err
	case domain.EventNewAskPlan:
		_, err := d.CreatePlan(ctx, ev.Message)
		return err
	case domain.EventChainClosed:
		return d.ClosePlan(ctx)
	default:
		return actor.ErrIgnored
	}
}

func askData(data map[string]string) (string, string, int64, error) {
	org, repo := data["org"], data["repo"]
	if org == "" || repo == "" {
		return "", "", 0, fmt.Errorf("%w: org and repo are required", ErrInvalidEvent)
	}
	parent, err := strconv.ParseInt(data["issueNumber"], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: issueNumber: %w", ErrInvalidEvent, err)
	}
	return org, repo, parent, nil
}
