package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ashureev/devteam/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Message
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	rec := &recorder{}
	if _, err := m.Subscribe(ctx, "DevPersonas", "42", rec.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if _, err := m.Publish(ctx, "DevPersonas", "42", domain.Event{Kind: domain.EventNewAskPlan, Message: msg}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	got := rec.messages()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestPublishAssignsEventID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	rec := &recorder{}
	if _, err := m.Subscribe(ctx, "t", "id", rec.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	id, err := m.Publish(ctx, "t", "id", domain.Event{Kind: domain.EventChainClosed})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" || rec.events[0].ID != id {
		t.Fatalf("expected assigned id %q on delivered event, got %+v", id, rec.events)
	}

	kept, err := m.Publish(ctx, "t", "id", domain.Event{ID: "fixed", Kind: domain.EventChainClosed})
	if err != nil || kept != "fixed" {
		t.Fatalf("expected publisher id to be kept, got %q, %v", kept, err)
	}
}

func TestPublishBuffersAndActivates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	rec := &recorder{}

	var activations []string
	m.SetActivator("DevPersonas", func(ctx context.Context, identity string) error {
		activations = append(activations, identity)
		_, err := m.Subscribe(ctx, "DevPersonas", identity, rec.handle)
		return err
	})

	if _, err := m.Publish(ctx, "DevPersonas", "42", domain.Event{Message: "first"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := m.Publish(ctx, "DevPersonas", "42", domain.Event{Message: "second"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(activations) != 1 || activations[0] != "42" {
		t.Fatalf("expected one activation for 42, got %v", activations)
	}
	got := rec.messages()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestPublishKeepsEventWhenActivationFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	boom := errors.New("store down")
	m.SetActivator("t", func(context.Context, string) error { return boom })

	_, err := m.Publish(ctx, "t", "id", domain.Event{Message: "x"})
	if !errors.Is(err, ErrActivation) || !errors.Is(err, boom) {
		t.Fatalf("expected activation error wrapping cause, got %v", err)
	}
	if n := m.Pending("t", "id"); n != 1 {
		t.Fatalf("expected event to stay buffered, pending=%d", n)
	}

	rec := &recorder{}
	if _, err := m.Subscribe(ctx, "t", "id", rec.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := rec.messages(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected buffered event on subscribe, got %v", got)
	}
}

func TestUnsubscribedHandlerRebuffers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	retired := func(context.Context, domain.Event) error { return ErrUnsubscribed }
	if _, err := m.Subscribe(ctx, "t", "id", retired); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := m.Publish(ctx, "t", "id", domain.Event{Message: "late"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if n := m.Pending("t", "id"); n != 1 {
		t.Fatalf("expected re-buffered event, pending=%d", n)
	}

	rec := &recorder{}
	if _, err := m.Subscribe(ctx, "t", "id", rec.handle); err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	if got := rec.messages(); len(got) != 1 || got[0] != "late" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestSubscribeTwiceFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	rec := &recorder{}
	if _, err := m.Subscribe(ctx, "t", "id", rec.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(ctx, "t", "id", rec.handle); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
	if _, err := m.Subscribe(ctx, "t", "other", rec.handle); err != nil {
		t.Fatalf("other identity must subscribe independently: %v", err)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16, nil)
	rec := &recorder{}
	sub, err := m.Subscribe(ctx, "t", "id", rec.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := m.Publish(ctx, "t", "id", domain.Event{Message: "after close"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(rec.messages()) != 0 {
		t.Fatal("closed subscription received an event")
	}
	if m.Pending("t", "id") != 1 {
		t.Fatal("expected event to be buffered after close")
	}
}

func TestPartitionFull(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, nil)
	for i := 0; i < 2; i++ {
		if _, err := m.Publish(ctx, "t", "id", domain.Event{}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if _, err := m.Publish(ctx, "t", "id", domain.Event{}); !errors.Is(err, ErrPartitionFull) {
		t.Fatalf("expected ErrPartitionFull, got %v", err)
	}
}
