// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/devteam/internal/domain"
)

// ErrPersistence matches every error returned by a store operation.
var ErrPersistence = errors.New("persistence failure")

// PersistenceError describes a failed read or write against the durable store.
type PersistenceError struct {
	Op       string
	Identity string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Identity, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) hold for every PersistenceError.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// StateStore persists one PersonaState record per identity.
type StateStore interface {
	// Read returns the stored state for identity, or nil when no record exists.
	Read(ctx context.Context, identity string) (*domain.PersonaState, error)

	// Write replaces the stored state for identity (last write wins).
	Write(ctx context.Context, identity string, state *domain.PersonaState) error
}

// MemoryStore persists memory collection snippets and their embeddings.
type MemoryStore interface {
	// UpsertMemory creates or replaces a snippet identified by collection and key.
	UpsertMemory(ctx context.Context, rec *domain.MemoryRecord) error

	// ListMemories returns every snippet of a collection.
	ListMemories(ctx context.Context, collection string) ([]*domain.MemoryRecord, error)
}

// Repository is the full durable store used by the server.
type Repository interface {
	StateStore
	MemoryStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
