// ABOUTME: Capability contracts the session manager consumes.
// ABOUTME: Dialer/Conn abstract the messaging protocol client; Inbound is one pushed event.

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNoSession indicates an operation was requested for a user with no
// live session.
var ErrNoSession = errors.New("no active session")

// ErrAuthFailed indicates the protocol server rejected the credential.
// Dialers wrap this so callers can errors.Is on it.
var ErrAuthFailed = errors.New("authentication failed")

// ErrConnectFailed indicates the connection could not be established.
var ErrConnectFailed = errors.New("connection failed")

// Room create types that are not conversations. Rooms of these types
// are excluded from listings.
const (
	RoomTypeSpace        = "m.space"
	RoomTypeServerNotice = "m.server_notice"
)

// Credential is the durable login artifact produced by the external
// credential exchange. Opaque to the manager; dialers interpret it.
type Credential struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Room is a conversation summary returned by Conn.Rooms.
type Room struct {
	ID    string
	Title string
	Type  string
}

// Inbound is one message event pushed by the protocol connection.
type Inbound struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	Caption   string // set for media events whose body is a filename
	Timestamp time.Time
	RawJSON   string
}

// Text returns the filterable text of the event: the body, or the
// attachment caption when the body is absent.
func (in *Inbound) Text() string {
	if in.Body != "" {
		return in.Body
	}
	return in.Caption
}

// Conn is a live protocol connection for one user.
type Conn interface {
	// OnMessage registers the inbound-event callback. Must be called
	// before events start flowing; a single callback is supported.
	OnMessage(fn func(*Inbound))

	// Rooms lists the account's joined rooms.
	Rooms(ctx context.Context) ([]Room, error)

	// Send delivers text to the given room.
	Send(ctx context.Context, roomID, text string) error

	// Close tears down the connection.
	Close(ctx context.Context) error

	// Done is closed when the connection's sync loop ends for any
	// reason. The manager uses it to detect dead sessions.
	Done() <-chan struct{}
}

// Dialer establishes protocol connections from credentials.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}

// Handler processes one inbound event. Invoked sequentially per session.
type Handler func(ctx context.Context, userID int64, in *Inbound)
