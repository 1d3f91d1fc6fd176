package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/devteam/internal/telemetry"
)

// TemplateLookup resolves prompt templates.
type TemplateLookup interface {
	Resolve(skill, function string) (string, error)
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	Timeout    time.Duration // per attempt; 0 disables
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Invoker resolves templates and calls an engine with timeout and retry.
type Invoker struct {
	engine    Engine
	templates TemplateLookup
	opts      InvokerOptions
	logger    *slog.Logger
}

// NewInvoker creates an Invoker.
func NewInvoker(engine Engine, templates TemplateLookup, opts InvokerOptions) *Invoker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Invoker{engine: engine, templates: templates, opts: opts, logger: opts.Logger}
}

// Generate runs the template with the configured retry budget.
func (i *Invoker) Generate(ctx context.Context, id TemplateID, vars map[string]string, settings Settings) (string, error) {
	return i.GenerateWithRetries(ctx, id, vars, settings, i.opts.MaxRetries)
}

// GenerateWithRetries runs the template, retrying transient failures up to maxRetries times.
func (i *Invoker) GenerateWithRetries(ctx context.Context, id TemplateID, vars map[string]string, settings Settings, maxRetries int) (string, error) {
	tmpl, err := i.templates.Resolve(id.Skill, id.Function)
	if err != nil {
		i.opts.Metrics.GenerationAttempt(id.String(), string(KindTemplateNotFound), 0)
		return "", &Error{Kind: KindTemplateNotFound, Template: id, Err: err}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	req := Request{Template: tmpl, TemplateID: id, Variables: vars, Settings: settings}
	for attempt := 1; ; attempt++ {
		start := time.Now()
		text, err := i.attempt(ctx, req)
		elapsed := time.Since(start)
		if err == nil {
			i.opts.Metrics.GenerationAttempt(id.String(), "ok", elapsed)
			return text, nil
		}

		// Caller cancellation is not an engine failure and is returned as is.
		if cerr := ctx.Err(); cerr != nil {
			i.opts.Metrics.GenerationAttempt(id.String(), "canceled", elapsed)
			return "", fmt.Errorf("generate %s: %w", id, cerr)
		}

		gerr := classify(err)
		gerr.Template = id
		gerr.Attempts = attempt
		i.opts.Metrics.GenerationAttempt(id.String(), string(gerr.Kind), elapsed)

		if !gerr.Kind.Transient() || attempt > maxRetries {
			return "", gerr
		}

		delay := i.backoff(attempt)
		i.logger.Warn("Generation attempt failed, retrying",
			"template", id.String(),
			"attempt", attempt,
			"kind", gerr.Kind,
			"delay", delay,
			"error", gerr.Err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("generate %s after %d attempts: %w", id, attempt, ctx.Err())
		}
	}
}

func (i *Invoker) attempt(ctx context.Context, req Request) (string, error) {
	actx := ctx
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}
	text, err := i.engine.Generate(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return "", &Error{Kind: KindTimeout, Err: err}
	}
	return text, err
}

// backoff doubles the retry delay per attempt, capped at 32x.
func (i *Invoker) backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return i.opts.RetryDelay * time.Duration(1<<(attempt-1))
}

// classify returns a copy of err as *Error, inferring the kind for unclassified errors.
func classify(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		out := *gerr
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}
