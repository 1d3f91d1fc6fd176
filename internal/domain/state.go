package domain

import "errors"

// Speaker identifies who authored a history item.
type Speaker string

const (
	SpeakerUser  Speaker = "User"
	SpeakerAgent Speaker = "Agent"
)

// ErrEmptyHistory is returned when an operation needs a history entry and there is none.
var ErrEmptyHistory = errors.New("persona history is empty")

// ChatHistoryItem is one append-only entry of a persona's conversation.
type ChatHistoryItem struct {
	Message string  `json:"message"`
	Order   int     `json:"order"`
	Speaker Speaker `json:"speaker"`
}

// PersonaState is the durable state owned by a single persona actor.
type PersonaState struct {
	History         []ChatHistoryItem `json:"history"`
	ParentReference *int64            `json:"parentReference,omitempty"`
}

// Append adds a new item at the end of the history and returns it.
// Order is always len(history)+1 so values stay contiguous from 1.
func (s *PersonaState) Append(message string, speaker Speaker) ChatHistoryItem {
	item := ChatHistoryItem{
		Message: message,
		Order:   len(s.History) + 1,
		Speaker: speaker,
	}
	s.History = append(s.History, item)
	return item
}

// Latest returns the most recent history item.
func (s *PersonaState) Latest() (ChatHistoryItem, error) {
	if len(s.History) == 0 {
		return ChatHistoryItem{}, ErrEmptyHistory
	}
	return s.History[len(s.History)-1], nil
}

// Clone returns a deep copy that shares no memory with s.
func (s *PersonaState) Clone() PersonaState {
	out := PersonaState{}
	if s.History != nil {
		out.History = make([]ChatHistoryItem, len(s.History))
		copy(out.History, s.History)
	}
	if s.ParentReference != nil {
		ref := *s.ParentReference
		out.ParentReference = &ref
	}
	return out
}
