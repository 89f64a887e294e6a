// ABOUTME: Matrix implementation of the session dialer/connection contracts.
// ABOUTME: Wraps mautrix sync, room listing, and outbound sends for one account.

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lumenlab/roomfeed/internal/session"
)

// Dialer establishes Matrix connections from stored credentials.
type Dialer struct {
	logger *slog.Logger
}

// NewDialer creates a Dialer. Pass nil logger for the default.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{logger: logger.With("component", "matrix")}
}

// Login exchanges a username/password for a durable access token. This
// is the credential exchange; the token is what sessions dial with.
func Login(ctx context.Context, homeserver, username, password string) (session.Credential, error) {
	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return session.Credential{}, fmt.Errorf("%w: %v", session.ErrConnectFailed, err)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "roomfeed",
	})
	if err != nil {
		return session.Credential{}, classifyError(err)
	}

	return session.Credential{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
	}, nil
}

// Dial verifies the credential and starts a sync loop for the account.
// The returned connection's Done channel closes when sync ends.
func (d *Dialer) Dial(ctx context.Context, cred session.Credential) (session.Conn, error) {
	client, err := mautrix.NewClient(cred.Homeserver, id.UserID(cred.UserID), cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrConnectFailed, err)
	}

	// Verify the token before recording anything.
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected syncer type %T", session.ErrConnectFailed, client.Syncer)
	}

	syncCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client:      client,
		userID:      whoami.UserID,
		cancel:      cancel,
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		logger:      d.logger,
	}
	syncer.OnEventType(event.EventMessage, c.handleMessageEvent)

	go func() {
		defer close(c.done)
		if err := client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			d.logger.Error("matrix sync ended", "user_id", whoami.UserID.String(), "error", err)
		}
	}()

	d.logger.Info("matrix connection established",
		"homeserver", cred.Homeserver, "user_id", whoami.UserID.String())
	return c, nil
}

// conn is one live Matrix connection.
type conn struct {
	client      *mautrix.Client
	userID      id.UserID
	cancel      context.CancelFunc
	done        chan struct{}
	connectedAt time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	callback func(*session.Inbound)
}

func (c *conn) OnMessage(fn func(*session.Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

func (c *conn) Done() <-chan struct{} { return c.done }

// handleMessageEvent converts sync events into Inbound deliveries.
func (c *conn) handleMessageEvent(_ context.Context, evt *event.Event) {
	// Skip history replayed by the initial sync and our own messages.
	if evt.Timestamp < c.connectedAt.UnixMilli() {
		return
	}
	if evt.Sender == c.userID {
		return
	}

	in := toInbound(evt)
	if in == nil {
		return
	}

	c.mu.Lock()
	fn := c.callback
	c.mu.Unlock()
	if fn == nil {
		c.logger.Debug("dropping event delivered before callback registration",
			"room_id", in.RoomID, "event_id", in.EventID)
		return
	}
	fn(in)
}

// toInbound converts a Matrix message event, or returns nil for events
// that carry no feedable text.
func toInbound(evt *event.Event) *session.Inbound {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}

	in := &session.Inbound{
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    displayName(evt.Sender),
		Timestamp: time.UnixMilli(evt.Timestamp),
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		in.Body = content.Body
	default:
		// Media events: the body doubles as the caption.
		in.Caption = content.Body
	}

	if raw, err := json.Marshal(evt); err == nil {
		in.RawJSON = string(raw)
	}
	return in
}

// displayName derives a human-readable sender name from a Matrix user
// ID: the localpart of @alice:example.org is "alice".
func displayName(userID id.UserID) string {
	s := userID.String()
	s = strings.TrimPrefix(s, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "Unknown"
	}
	return s
}

// Rooms lists joined rooms with their names and create types. Spaces
// keep their m.space type so the manager can exclude them.
func (c *conn) Rooms(ctx context.Context) ([]session.Room, error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}

	rooms := make([]session.Room, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		r := session.Room{ID: roomID.String()}

		var create struct {
			Type string `json:"type"`
		}
		if err := c.client.StateEvent(ctx, roomID, event.StateCreate, "", &create); err == nil {
			r.Type = create.Type
		}

		var name struct {
			Name string `json:"name"`
		}
		if err := c.client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err == nil && name.Name != "" {
			r.Title = name.Name
		} else {
			r.Title = roomID.String()
		}

		rooms = append(rooms, r)
	}
	return rooms, nil
}

// Send delivers text into a room.
func (c *conn) Send(ctx context.Context, roomID, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Close stops the sync loop. The server-side token stays valid so the
// user can come back without logging in again.
func (c *conn) Close(context.Context) error {
	c.cancel()
	return nil
}

// classifyError maps mautrix HTTP errors onto the session error taxonomy.
func classifyError(err error) error {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		switch httpErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", session.ErrAuthFailed, err)
		}
	}
	return fmt.Errorf("%w: %v", session.ErrConnectFailed, err)
}
