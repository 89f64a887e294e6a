// ABOUTME: Tests for Matrix event conversion and sender name derivation.
// ABOUTME: Exercises the pure helpers without a live homeserver.

package matrix

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lumenlab/roomfeed/internal/session"
)

func messageEvent(msgType event.MessageType, body string) *event.Event {
	return &event.Event{
		RoomID:    id.RoomID("!room:example.org"),
		ID:        id.EventID("$evt1"),
		Sender:    id.UserID("@alice:example.org"),
		Timestamp: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: msgType, Body: body},
		},
	}
}

func TestToInbound_TextMessage(t *testing.T) {
	in := toInbound(messageEvent(event.MsgText, "hello there"))
	require.NotNil(t, in)

	assert.Equal(t, "!room:example.org", in.RoomID)
	assert.Equal(t, "$evt1", in.EventID)
	assert.Equal(t, "alice", in.Sender)
	assert.Equal(t, "hello there", in.Body)
	assert.Empty(t, in.Caption)
	assert.Equal(t, "hello there", in.Text())
	assert.NotEmpty(t, in.RawJSON)
}

func TestToInbound_MediaBodyBecomesCaption(t *testing.T) {
	in := toInbound(messageEvent(event.MsgImage, "vacation.jpg"))
	require.NotNil(t, in)

	assert.Empty(t, in.Body)
	assert.Equal(t, "vacation.jpg", in.Caption)
	assert.Equal(t, "vacation.jpg", in.Text())
}

func TestToInbound_NonMessageContent(t *testing.T) {
	evt := messageEvent(event.MsgText, "x")
	evt.Content.Parsed = &event.RoomNameEventContent{Name: "General"}
	assert.Nil(t, toInbound(evt))
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		userID string
		want   string
	}{
		{"@alice:example.org", "alice"},
		{"@bob.smith:matrix.org", "bob.smith"},
		{"@weird", "weird"},
		{"", "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, displayName(id.UserID(tt.userID)), tt.userID)
	}
}

func TestHandleMessageEvent_SkipsOwnAndOldEvents(t *testing.T) {
	var delivered []string
	c := &conn{
		userID:      id.UserID("@me:example.org"),
		connectedAt: time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC),
		logger:      slog.New(slog.DiscardHandler),
	}
	c.OnMessage(func(in *session.Inbound) { delivered = append(delivered, in.EventID) })

	// Own message is skipped.
	own := messageEvent(event.MsgText, "mine")
	own.Sender = c.userID
	c.handleMessageEvent(t.Context(), own)

	// Pre-connection history is skipped.
	old := messageEvent(event.MsgText, "ancient")
	old.Timestamp = c.connectedAt.Add(-time.Hour).UnixMilli()
	c.handleMessageEvent(t.Context(), old)

	// Fresh message from someone else is delivered.
	c.handleMessageEvent(t.Context(), messageEvent(event.MsgText, "new"))

	assert.Equal(t, []string{"$evt1"}, delivered)
}
