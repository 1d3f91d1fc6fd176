// Package feed streams persona history appends to WebSocket clients.
package feed

import (
	"log/slog"
	"sync"

	"github.com/ashureev/devteam/internal/domain"
)

// Hub fans history appends out to per-identity subscribers. It implements
// persona.HistoryObserver.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

type subscriber struct {
	ch      chan domain.ChatHistoryItem
	dropped chan struct{}
	once    sync.Once
}

// NewHub creates a hub whose subscribers buffer up to buffer items.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives the history appends of one identity.
type Subscription struct {
	// Items delivers appended history items in order.
	Items <-chan domain.ChatHistoryItem
	// Dropped is closed when the subscriber fell behind and was removed.
	Dropped <-chan struct{}

	cancel func()
}

// Close removes the subscription.
func (s *Subscription) Close() { s.cancel() }

// Subscribe registers a subscriber for identity.
func (h *Hub) Subscribe(identity string) *Subscription {
	sub := &subscriber{
		ch:      make(chan domain.ChatHistoryItem, h.buffer),
		dropped: make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.subs[identity]; !ok {
		h.subs[identity] = make(map[*subscriber]struct{})
	}
	h.subs[identity][sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("History feed subscriber registered", "identity", identity)
	return &Subscription{
		Items:   sub.ch,
		Dropped: sub.dropped,
		cancel:  func() { h.remove(identity, sub) },
	}
}

func (h *Hub) remove(identity string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[identity]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, identity)
		}
	}
}

// Count returns the number of subscribers for identity.
func (h *Hub) Count(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[identity])
}

// HistoryAppended delivers item to every subscriber of identity without blocking.
// Subscribers whose buffer is full are dropped.
func (h *Hub) HistoryAppended(identity string, item domain.ChatHistoryItem) {
	var slow []*subscriber

	h.mu.RLock()
	for sub := range h.subs[identity] {
		select {
		case sub.ch <- item:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(identity, sub)
		sub.once.Do(func() { close(sub.dropped) })
		h.logger.Warn("History feed subscriber dropped, buffer full", "identity", identity, "order", item.Order)
	}
}
