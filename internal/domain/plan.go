package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Plan is the structured form of a plan generated by the developer lead.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Step is one stage of a plan.
type Step struct {
	Description string    `json:"description"`
	Label       string    `json:"step"`
	Subtasks    []Subtask `json:"subtasks"`
}

// Subtask is a unit of work inside a step, with the prompt used to carry it out.
type Subtask struct {
	Name   string `json:"subtask"`
	Prompt string `json:"prompt"`
}

var errMissingSteps = errors.New("missing steps")

// DecodeError reports a history message that is not valid plan data.
type DecodeError struct {
	Order int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode plan from history item %d: %v", e.Order, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodePlan parses a generated message into a Plan. The message must be a JSON
// object carrying a steps array.
func DecodePlan(item ChatHistoryItem) (*Plan, error) {
	var raw struct {
		Steps *[]Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(item.Message), &raw); err != nil {
		return nil, &DecodeError{Order: item.Order, Err: err}
	}
	if raw.Steps == nil {
		return nil, &DecodeError{Order: item.Order, Err: errMissingSteps}
	}
	return &Plan{Steps: *raw.Steps}, nil
}
