package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while an actor is writing.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS persona_states (
		identity TEXT PRIMARY KEY,
		history_json TEXT NOT NULL,
		parent_reference INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Read returns the persona state stored for identity, or nil if there is none.
func (s *SQLiteStore) Read(ctx context.Context, identity string) (*domain.PersonaState, error) {
	query := `SELECT history_json, parent_reference FROM persona_states WHERE identity = ?`

	var historyJSON string
	var parent sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&historyJSON, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read state", Identity: identity, Err: err}
	}

	state := &domain.PersonaState{}
	if err := json.Unmarshal([]byte(historyJSON), &state.History); err != nil {
		return nil, &PersistenceError{Op: "decode history", Identity: identity, Err: err}
	}
	if parent.Valid {
		ref := parent.Int64
		state.ParentReference = &ref
	}
	return state, nil
}

// Write upserts the persona state for identity.
// SQLITE_BUSY conflicts are retried with exponential backoff.
func (s *SQLiteStore) Write(ctx context.Context, identity string, state *domain.PersonaState) error {
	if state == nil {
		return &PersistenceError{Op: "write state", Identity: identity, Err: errors.New("nil state")}
	}

	history := state.History
	if history == nil {
		history = []domain.ChatHistoryItem{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return &PersistenceError{Op: "encode history", Identity: identity, Err: err}
	}

	var parent interface{}
	if state.ParentReference != nil {
		parent = *state.ParentReference
	}

	query := `
	INSERT INTO persona_states (identity, history_json, parent_reference, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		history_json = excluded.history_json,
		parent_reference = excluded.parent_reference,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		now := time.Now().Unix()
		_, execErr := s.db.ExecContext(ctx, query, identity, string(historyJSON), parent, now, now)
		return execErr
	})
	if err != nil {
		slog.Warn("Persona state write failed", "identity", identity, "error", err)
		return &PersistenceError{Op: "write state", Identity: identity, Err: err}
	}
	return nil
}

// UpsertMemory creates or replaces a memory snippet.
func (s *SQLiteStore) UpsertMemory(ctx context.Context, rec *domain.MemoryRecord) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return &PersistenceError{Op: "encode embedding", Identity: rec.Collection, Err: err}
	}

	query := `
	INSERT INTO memories (collection, key, text, embedding_json, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET
		text = excluded.text,
		embedding_json = excluded.embedding_json,
		updated_at = excluded.updated_at`

	err = shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query, rec.Collection, rec.Key, rec.Text, string(embeddingJSON), time.Now().Unix())
		return execErr
	})
	if err != nil {
		return &PersistenceError{Op: "upsert memory", Identity: rec.Collection, Err: err}
	}
	return nil
}

// ListMemories returns every snippet stored in a collection.
func (s *SQLiteStore) ListMemories(ctx context.Context, collection string) ([]*domain.MemoryRecord, error) {
	query := `SELECT key, text, embedding_json, updated_at FROM memories WHERE collection = ? ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, &PersistenceError{Op: "query memories", Identity: collection, Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close memory rows", "error", closeErr)
		}
	}()

	var records []*domain.MemoryRecord
	for rows.Next() {
		rec := &domain.MemoryRecord{Collection: collection}
		var embeddingJSON string
		var updatedAt int64
		if err := rows.Scan(&rec.Key, &rec.Text, &embeddingJSON, &updatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan memory row", Identity: collection, Err: err}
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &rec.Embedding); err != nil {
			return nil, &PersistenceError{Op: "decode embedding", Identity: collection, Err: err}
		}
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate memories", Identity: collection, Err: err}
	}
	return records, nil
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
