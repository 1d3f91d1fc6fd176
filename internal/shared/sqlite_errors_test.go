package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	if IsSQLiteConflictError(nil) {
		t.Fatal("nil must not be a conflict")
	}
	if !IsSQLiteConflictError(errors.New("upsert: database is locked")) {
		t.Fatal("expected locked message to be a conflict")
	}
	if !IsSQLiteConflictError(fmt.Errorf("wrap: %w", errors.New("SQLITE_BUSY: busy"))) {
		t.Fatal("expected busy message to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table")) {
		t.Fatal("unexpected conflict for schema error")
	}
}

func TestRetryOnConflictStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryOnConflictDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("constraint failed")
	err := RetryOnConflict(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Fatalf("expected one call returning %v, got %d calls and %v", want, calls, err)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 calls and an error, got %d and %v", calls, err)
	}
}
