// Package stream provides per-identity ordered delivery of domain events.
//
// Events are partitioned by (topic, identity). Each partition has at most one
// subscriber. Events published to a partition without a subscriber are buffered
// and the topic's activator is invoked, which is expected to subscribe; the
// buffered events are then delivered in publish order.
//
// Delivery is at-least-once: when activation fails the event stays buffered
// and Publish reports the error, so a publisher retrying with the same event ID
// may cause a duplicate that subscribers are expected to drop.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrUnsubscribed is returned by a Handler that no longer accepts events.
	// The partition then treats itself as unsubscribed and re-buffers the event.
	ErrUnsubscribed = errors.New("stream: handler unsubscribed")

	// ErrAlreadySubscribed is returned when a partition already has a subscriber.
	ErrAlreadySubscribed = errors.New("stream: partition already has a subscriber")

	// ErrPartitionFull is returned when a partition's pending buffer is full.
	ErrPartitionFull = errors.New("stream: partition pending buffer is full")

	// ErrActivation wraps failures reported by a topic activator.
	ErrActivation = errors.New("stream: activation failed")
)

// Handler receives the events of one partition, one at a time, in order.
type Handler func(ctx context.Context, ev domain.Event) error

// Activator is called for a partition that received an event while it had no subscriber.
type Activator func(ctx context.Context, identity string) error

// Subscription is a live partition subscription.
type Subscription interface {
	Close() error
}

// Stream is the event stream consumed by persona actors.
type Stream interface {
	Subscribe(ctx context.Context, topic, identity string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic, identity string, ev domain.Event) (string, error)
}

type partitionKey struct {
	topic    string
	identity string
}

type partition struct {
	mu      sync.Mutex
	handler Handler
	sub     *subscription
	pending []domain.Event
}

// Memory is an in-process Stream.
type Memory struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partition
	activators map[string]Activator
	maxPending int
	logger     *slog.Logger
}

// NewMemory creates an in-process stream buffering at most maxPending events
// per unsubscribed partition.
func NewMemory(maxPending int, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &Memory{
		partitions: make(map[partitionKey]*partition),
		activators: make(map[string]Activator),
		maxPending: maxPending,
		logger:     logger,
	}
}

// SetActivator registers the activator invoked for unsubscribed partitions of topic.
func (m *Memory) SetActivator(topic string, fn Activator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activators[topic] = fn
}

func (m *Memory) partition(topic, identity string) *partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := partitionKey{topic: topic, identity: identity}
	p, ok := m.partitions[key]
	if !ok {
		p = &partition{}
		m.partitions[key] = p
	}
	return p
}

func (m *Memory) activator(topic string) Activator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activators[topic]
}

// Publish appends ev to the partition of (topic, identity) and returns the event ID.
// A missing ID is assigned. Publish blocks while the subscriber applies backpressure.
func (m *Memory) Publish(ctx context.Context, topic, identity string, ev domain.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	p := m.partition(topic, identity)
	p.mu.Lock()
	needsActivation := false
	if p.handler != nil {
		err := p.handler(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnsubscribed):
			p.handler = nil
			p.sub = nil
			p.pending = append(p.pending, ev)
			needsActivation = true
		default:
			p.mu.Unlock()
			return ev.ID, fmt.Errorf("deliver event %s: %w", ev.ID, err)
		}
	} else {
		if len(p.pending) >= m.maxPending {
			p.mu.Unlock()
			return ev.ID, ErrPartitionFull
		}
		p.pending = append(p.pending, ev)
		needsActivation = true
	}
	p.mu.Unlock()

	if !needsActivation {
		return ev.ID, nil
	}

	activate := m.activator(topic)
	if activate == nil {
		m.logger.Debug("Event buffered without activator", "topic", topic, "identity", identity, "event_id", ev.ID)
		return ev.ID, nil
	}
	if err := activate(ctx, identity); err != nil {
		m.logger.Warn("Partition activation failed, event stays buffered",
			"topic", topic, "identity", identity, "event_id", ev.ID, "error", err)
		return ev.ID, fmt.Errorf("%w for %q: %w", ErrActivation, identity, err)
	}
	return ev.ID, nil
}

// Subscribe attaches h to the partition of (topic, identity) and hands it any
// buffered events in order before returning.
func (m *Memory) Subscribe(ctx context.Context, topic, identity string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("stream: nil handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := m.partition(topic, identity)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handler != nil {
		return nil, ErrAlreadySubscribed
	}

	for len(p.pending) > 0 {
		ev := p.pending[0]
		if err := h(ctx, ev); err != nil {
			return nil, fmt.Errorf("flush pending event %s: %w", ev.ID, err)
		}
		p.pending[0] = domain.Event{}
		p.pending = p.pending[1:]
	}
	p.pending = nil

	sub := &subscription{p: p}
	p.handler = h
	p.sub = sub
	return sub, nil
}

// Pending returns the number of buffered events for (topic, identity).
func (m *Memory) Pending(topic, identity string) int {
	p := m.partition(topic, identity)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

type subscription struct {
	p    *partition
	once sync.Once
}

// Close detaches the subscriber. After Close returns no further events reach it.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.p.mu.Lock()
		defer s.p.mu.Unlock()
		if s.p.sub == s {
			s.p.handler = nil
			s.p.sub = nil
		}
	})
	return nil
}

// Ensure Memory implements Stream.
var _ Stream = (*Memory)(nil)
