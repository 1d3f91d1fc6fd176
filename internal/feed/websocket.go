package feed

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Snapshotter returns the current state of an identity.
type Snapshotter interface {
	History(ctx context.Context, identity string) (domain.PersonaState, error)
}

// Message is sent to feed clients.
type Message struct {
	Type    string                   `json:"type"`
	History []domain.ChatHistoryItem `json:"history,omitempty"`
	Item    *domain.ChatHistoryItem  `json:"item,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeAppend   = "append"
	TypeError    = "error"
)

// Handler upgrades requests to a WebSocket that first sends the identity's
// history and then every item appended to it.
type Handler struct {
	hub            *Hub
	snapshots      Snapshotter
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a feed handler. originPatterns are passed to websocket.Accept.
func NewHandler(hub *Hub, snapshots Snapshotter, originPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, snapshots: snapshots, originPatterns: originPatterns, logger: logger}
}

// ServeHTTP implements http.Handler. The identity must already be in the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == "" {
		http.Error(w, `{"error":"missing identity"}`, http.StatusBadRequest)
		return
	}
	h.logger.Info("History feed connection request", "identity", id, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "identity", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "identity", id)
		}
	}()

	// Subscribe before the snapshot so no append falls between them.
	sub := h.hub.Subscribe(id)
	defer sub.Close()

	// Clients only send control frames; CloseRead handles them and cancels ctx on close.
	ctx := ws.CloseRead(r.Context())

	state, err := h.snapshots.History(ctx, id)
	if err != nil {
		h.logger.Warn("Failed to load history for feed", "identity", id, "error", err)
		_ = wsjson.Write(ctx, ws, Message{Type: TypeError, Error: "history unavailable"})
		return
	}
	if err := wsjson.Write(ctx, ws, Message{Type: TypeSnapshot, History: state.History}); err != nil {
		h.logger.Debug("Failed to send snapshot", "identity", id, "error", err)
		return
	}
	last := len(state.History)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("History feed closed by client", "identity", id)
			return
		case <-sub.Dropped:
			_ = ws.Close(websocket.StatusTryAgainLater, "feed fell behind")
			return
		case item := <-sub.Items:
			if item.Order <= last {
				continue
			}
			last = item.Order
			if err := wsjson.Write(ctx, ws, Message{Type: TypeAppend, Item: &item}); err != nil {
				h.logger.Debug("History feed write failed", "identity", id, "error", err)
				return
			}
		}
	}
}
