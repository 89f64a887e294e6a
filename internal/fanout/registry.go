// ABOUTME: In-memory registry of live viewer connections, keyed by user.
// ABOUTME: Broadcasts feed payloads to every viewer and detaches dead ones.

package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payload is the wire shape pushed to live viewers. Field names match
// what the dashboard feed script consumes.
type Payload struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	ChatTitle string    `json:"chat_title"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
}

// NewMessagePayload builds a "message" payload for a stored feed record.
func NewMessagePayload(id, chatID int64, chatTitle, sender, text string, date time.Time) *Payload {
	return &Payload{
		Type:      "message",
		ID:        id,
		ChatID:    chatID,
		ChatTitle: chatTitle,
		Sender:    sender,
		Text:      text,
		Date:      date,
	}
}

// Sink is one live viewer connection. Send returning an error marks the
// sink dead; the registry detaches it after the broadcast pass.
type Sink interface {
	Send(ctx context.Context, p *Payload) error
}

// Registry tracks the open viewer connections per user and delivers
// payloads to all of them. Many viewers per user are allowed. Operations
// for different users never contend beyond the registry map itself.
type Registry struct {
	mu      sync.RWMutex
	viewers map[int64]map[string]Sink // userID -> viewerID -> sink
	logger  *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		viewers: make(map[int64]map[string]Sink),
		logger:  logger.With("component", "fanout"),
	}
}

// Attach registers a viewer under userID and returns its viewer ID for
// later detachment.
func (r *Registry) Attach(userID int64, s Sink) string {
	id := uuid.New().String()

	r.mu.Lock()
	if _, ok := r.viewers[userID]; !ok {
		r.viewers[userID] = make(map[string]Sink)
	}
	r.viewers[userID][id] = s
	count := len(r.viewers[userID])
	r.mu.Unlock()

	r.logger.Debug("viewer attached", "user_id", userID, "viewer_id", id, "viewers", count)
	return id
}

// Detach removes a viewer. Calling it for an unknown or already-removed
// viewer is a no-op.
func (r *Registry) Detach(userID int64, viewerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, ok := r.viewers[userID]
	if !ok {
		return
	}
	if _, ok := vs[viewerID]; !ok {
		return
	}
	delete(vs, viewerID)
	if len(vs) == 0 {
		delete(r.viewers, userID)
	}
	r.logger.Debug("viewer detached", "user_id", userID, "viewer_id", viewerID)
}

// Count returns the number of viewers currently attached for userID.
func (r *Registry) Count(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers[userID])
}

// Broadcast delivers p to every viewer attached for userID. A failing
// viewer does not stop delivery to the rest; viewers whose Send errored
// are detached once the pass completes. Broadcast never returns an error.
func (r *Registry) Broadcast(ctx context.Context, userID int64, p *Payload) {
	r.mu.RLock()
	targets := make(map[string]Sink, len(r.viewers[userID]))
	for id, s := range r.viewers[userID] {
		targets[id] = s
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var dead []string
	for id, s := range targets {
		if err := s.Send(ctx, p); err != nil {
			r.logger.Debug("viewer send failed, detaching",
				"user_id", userID, "viewer_id", id, "error", err)
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		r.Detach(userID, id)
	}
}
