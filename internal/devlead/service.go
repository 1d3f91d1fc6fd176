package devlead

import (
	"context"
	"fmt"

	"github.com/ashureev/devteam/internal/actor"
	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/issues"
)

// Runner executes a function inside an identity's actor.
type Runner interface {
	Do(ctx context.Context, identity string, fn func(ctx context.Context, b actor.Behavior) error) error
}

// Service exposes the developer lead operations by identity. Every call is
// serialized with the identity's event dispatch.
type Service struct {
	runner Runner
}

// NewService creates a Service.
func NewService(runner Runner) *Service {
	return &Service{runner: runner}
}

func (s *Service) with(ctx context.Context, identity string, fn func(ctx context.Context, d *DevLead) error) error {
	return s.runner.Do(ctx, identity, func(ctx context.Context, b actor.Behavior) error {
		d, ok := b.(*DevLead)
		if !ok {
			return fmt.Errorf("identity %q is not a developer lead (%T)", identity, b)
		}
		return fn(ctx, d)
	})
}

// CreateIssue runs DevLead.CreateIssue for identity.
func (s *Service) CreateIssue(ctx context.Context, identity, org, repo string, parentNumber int64, input string) (*issues.Issue, error) {
	var issue *issues.Issue
	err := s.with(ctx, identity, func(ctx context.Context, d *DevLead) error {
		var err error
		issue, err = d.CreateIssue(ctx, org, repo, parentNumber, input)
		return err
	})
	return issue, err
}

// CreatePlan runs DevLead.CreatePlan for identity.
func (s *Service) CreatePlan(ctx context.Context, identity, ask string) (string, error) {
	var text string
	err := s.with(ctx, identity, func(ctx context.Context, d *DevLead) error {
		var err error
		text, err = d.CreatePlan(ctx, ask)
		return err
	})
	return text, err
}

// ClosePlan runs DevLead.ClosePlan for identity.
func (s *Service) ClosePlan(ctx context.Context, identity string) error {
	return s.with(ctx, identity, func(ctx context.Context, d *DevLead) error {
		return d.ClosePlan(ctx)
	})
}

// GetLatestPlan runs DevLead.GetLatestPlan for identity.
func (s *Service) GetLatestPlan(ctx context.Context, identity string) (*domain.Plan, error) {
	var plan *domain.Plan
	err := s.with(ctx, identity, func(_ context.Context, d *DevLead) error {
		var err error
		plan, err = d.GetLatestPlan()
		return err
	})
	return plan, err
}

// History returns a snapshot of the identity's state.
func (s *Service) History(ctx context.Context, identity string) (domain.PersonaState, error) {
	var state domain.PersonaState
	err := s.with(ctx, identity, func(_ context.Context, d *DevLead) error {
		state = d.State()
		return nil
	})
	return state, err
}
