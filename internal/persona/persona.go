// Package persona holds the state handling shared by every persona behavior.
//
// A Persona is owned by exactly one actor, so none of its methods lock.
package persona

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/store"
)

// HistoryObserver is told about history items once they are durable.
type HistoryObserver interface {
	HistoryAppended(identity string, item domain.ChatHistoryItem)
}

// Persona is the loaded state of one identity.
type Persona struct {
	identity string
	store    store.StateStore
	state    domain.PersonaState
	observer HistoryObserver
	logger   *slog.Logger

	// durable is the state as last read from or written to the store.
	durable     domain.PersonaState
	unpublished []domain.ChatHistoryItem
}

// Load reads the identity's state, starting empty when no record exists.
func Load(ctx context.Context, identity string, st store.StateStore, observer HistoryObserver, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loaded, err := st.Read(ctx, identity)
	if err != nil {
		return nil, persistenceError("read state", identity, err)
	}

	p := &Persona{
		identity: identity,
		store:    st,
		observer: observer,
		logger:   logger.With("identity", identity),
	}
	if loaded != nil {
		p.state = loaded.Clone()
		p.durable = loaded.Clone()
	}
	return p, nil
}

// Identity returns the identity the persona belongs to.
func (p *Persona) Identity() string { return p.identity }

// Logger returns a logger scoped to the identity.
func (p *Persona) Logger() *slog.Logger { return p.logger }

// State returns a copy of the current state.
func (p *Persona) State() domain.PersonaState { return p.state.Clone() }

// Append adds an item to the history. It is not durable until Save succeeds.
func (p *Persona) Append(message string, speaker domain.Speaker) domain.ChatHistoryItem {
	item := p.state.Append(message, speaker)
	p.unpublished = append(p.unpublished, item)
	return item
}

// Latest returns the most recent history item.
func (p *Persona) Latest() (domain.ChatHistoryItem, error) {
	return p.state.Latest()
}

// SetParentReference records the parent issue the persona works under.
func (p *Persona) SetParentReference(ref int64) {
	p.state.ParentReference = &ref
}

// Save writes the whole state. On success pending history items are handed to the observer.
// On failure every change since the last successful Save is discarded, so memory
// never holds state the store has not accepted.
func (p *Persona) Save(ctx context.Context) error {
	snapshot := p.state.Clone()
	if err := p.store.Write(ctx, p.identity, &snapshot); err != nil {
		p.logger.Warn("State write failed, discarding unsaved changes",
			"unsaved_items", len(p.unpublished),
			"error", err)
		p.state = p.durable.Clone()
		p.unpublished = nil
		return persistenceError("write state", p.identity, err)
	}
	p.durable = snapshot

	if p.observer != nil {
		for _, item := range p.unpublished {
			p.observer.HistoryAppended(p.identity, item)
		}
	}
	p.unpublished = nil
	return nil
}

func persistenceError(op, identity string, err error) error {
	if errors.Is(err, store.ErrPersistence) {
		return err
	}
	return &store.PersistenceError{Op: op, Identity: identity, Err: err}
}
