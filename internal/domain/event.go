// Package domain contains core domain types for the devteam personas.
package domain

// EventKind names the kind of a domain event delivered to a persona.
type EventKind string

const (
	// EventNewAsk asks the persona to open a tracking issue.
	EventNewAsk EventKind = "NewAsk"
	// EventNewAskPlan asks the persona to produce a plan.
	EventNewAskPlan EventKind = "NewAskPlan"
	// EventChainClosed signals that the planning chain is complete.
	EventChainClosed EventKind = "ChainClosed"
)

// Event is a single domain event consumed in stream order per identity.
type Event struct {
	ID      string            `json:"id,omitempty"`
	Kind    EventKind         `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// Known reports whether the kind is one a persona dispatches.
func (k EventKind) Known() bool {
	switch k {
	case EventNewAsk, EventNewAskPlan, EventChainClosed:
		return true
	}
	return false
}
