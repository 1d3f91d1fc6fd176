// Package generation invokes text-generation engines with prompt templates.
package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
)

// ErrGeneration matches every *Error.
var ErrGeneration = errors.New("generation failed")

// Kind classifies a generation failure.
type Kind string

const (
	KindTemplateNotFound Kind = "template_not_found"
	KindTimeout          Kind = "timeout"
	KindRejected         Kind = "rejected"
	KindTransport        Kind = "transport"
)

// Transient reports whether a failure of this kind may succeed on retry.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindTransport
}

// Error is a classified generation failure.
type Error struct {
	Kind     Kind
	Template TemplateID
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("generation %s", e.Kind)
	if e.Template != (TemplateID{}) {
		msg += " for " + e.Template.String()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrGeneration.
func (e *Error) Is(target error) bool { return target == ErrGeneration }

// Errorf wraps err as a failure of the given kind. Engines use it to classify
// their own errors.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a generation error, or "" when err is not one.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// TemplateID names a prompt template.
type TemplateID struct {
	Skill    string `json:"skill"`
	Function string `json:"function"`
}

func (t TemplateID) String() string { return t.Skill + "." + t.Function }

// Settings are explicit per-call generation parameters.
type Settings struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
}

// Request is one engine call.
type Request struct {
	Template   string
	TemplateID TemplateID
	Variables  map[string]string
	Settings   Settings
}

// Engine generates text. Implementations must be safe for concurrent use.
type Engine interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Render executes a prompt template against the request variables.
// Missing variables render empty.
func Render(req Request) (string, error) {
	t, err := template.New(req.TemplateID.String()).Option("missingkey=zero").Parse(req.Template)
	if err != nil {
		return "", Errorf(KindRejected, "parse template: %w", err)
	}
	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", Errorf(KindRejected, "render template: %w", err)
	}
	return buf.String(), nil
}
