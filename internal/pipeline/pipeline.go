// ABOUTME: Per-event processing for inbound messages: dedupe, selection, filter, persist, fan-out.
// ABOUTME: Runs inside each session's worker; failures are logged and never escape.

package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lumenlab/roomfeed/internal/dedupe"
	"github.com/lumenlab/roomfeed/internal/fanout"
	"github.com/lumenlab/roomfeed/internal/filter"
	"github.com/lumenlab/roomfeed/internal/session"
	"github.com/lumenlab/roomfeed/internal/store"
)

// Store is the slice of persistence the pipeline needs per event.
type Store interface {
	SelectedRoom(ctx context.Context, userID int64, matrixRoomID string) (*store.Room, error)
	GetFilter(ctx context.Context, userID int64) (*store.FilterSetting, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Pipeline turns accepted inbound events into persisted records and
// fan-out payloads. One Handle call per event; sequential per user.
type Pipeline struct {
	store    Store
	registry *fanout.Registry
	seen     *dedupe.Cache
	logger   *slog.Logger
}

// New creates a Pipeline. seen may be nil to disable deduplication.
func New(st Store, registry *fanout.Registry, seen *dedupe.Cache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		registry: registry,
		seen:     seen,
		logger:   logger.With("component", "pipeline"),
	}
}

// Handle processes one inbound event. Every step failure drops the
// event with a log line; nothing raised here may terminate the
// session's listener, so even panics are contained at this boundary.
func (p *Pipeline) Handle(ctx context.Context, userID int64, in *session.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing event",
				"user_id", userID, "room_id", in.RoomID, "event_id", in.EventID, "panic", r)
		}
	}()

	if p.seen != nil && p.seen.Contains(userID, in.RoomID, in.EventID) {
		p.logger.Debug("duplicate event dropped",
			"user_id", userID, "room_id", in.RoomID, "event_id", in.EventID)
		return
	}

	room, err := p.store.SelectedRoom(ctx, userID, in.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		// Room not selected for the feed; silently discard.
		return
	}
	if err != nil {
		p.logger.Error("selection lookup failed",
			"user_id", userID, "room_id", in.RoomID, "error", err)
		return
	}

	setting, err := p.store.GetFilter(ctx, userID)
	if err != nil {
		p.logger.Error("loading filter policy failed", "user_id", userID, "error", err)
		return
	}

	policy := filter.Policy{
		Include: filter.ParseKeywords(setting.IncludeKeywords),
		Exclude: filter.ParseKeywords(setting.ExcludeKeywords),
	}
	text := in.Text()
	if !policy.Passes(text) {
		return
	}

	msg := &store.Message{
		UserID:     userID,
		RoomPK:     room.ID,
		RoomID:     in.RoomID,
		EventID:    in.EventID,
		Date:       in.Timestamp,
		SenderName: in.Sender,
		Text:       text,
		RawJSON:    in.RawJSON,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		// Dropped for fan-out; the session keeps running. The event is
		// not marked seen, so a redelivery can still land it.
		p.logger.Error("persisting message failed",
			"user_id", userID, "room_id", in.RoomID, "event_id", in.EventID, "error", err)
		return
	}
	if p.seen != nil {
		p.seen.Mark(userID, in.RoomID, in.EventID)
	}

	p.registry.Broadcast(ctx, userID,
		fanout.NewMessagePayload(msg.ID, room.ID, room.Title, msg.SenderName, msg.Text, msg.Date))
}
