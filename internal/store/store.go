// ABOUTME: Store interface and data types for roomfeed persistence.
// ABOUTME: Defines User, Room, Message, FilterSetting and the Store contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose username is taken.
var ErrDuplicateUser = errors.New("user already exists")

// User is a dashboard account, optionally linked to a Matrix account.
// The access token is the durable credential the session manager dials with.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Homeserver   string
	MatrixUserID string
	AccessToken  string
	CreatedAt    time.Time
}

// Linked reports whether the user has a stored Matrix credential.
func (u *User) Linked() bool {
	return u.AccessToken != ""
}

// Room is one of a user's joined rooms. Selected marks whether inbound
// events from it flow into the feed.
type Room struct {
	ID       int64 // local primary key
	UserID   int64
	RoomID   string // Matrix room ID, e.g. !abc:example.org
	Title    string
	RoomType string
	Selected bool
}

// Message is a delivered feed record. Created once per accepted inbound
// event and never mutated afterwards.
type Message struct {
	ID         int64
	UserID     int64
	RoomPK     int64  // references Room.ID
	RoomID     string // Matrix room ID, denormalized for lookups
	EventID    string
	Date       time.Time
	SenderName string
	Text       string
	RawJSON    string
}

// FilterSetting holds a user's keyword policy as comma-delimited lists.
type FilterSetting struct {
	UserID          int64
	IncludeKeywords string
	ExcludeKeywords string
}

// Store defines persistence operations for users, rooms, messages, and
// filter settings.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SetCredential(ctx context.Context, userID int64, homeserver, matrixUserID, accessToken string) error
	ClearCredential(ctx context.Context, userID int64) error

	// Rooms
	UpsertRoom(ctx context.Context, room *Room) error
	ListRooms(ctx context.Context, userID int64) ([]*Room, error)
	GetRoom(ctx context.Context, userID, roomPK int64) (*Room, error)
	SetSelectedRooms(ctx context.Context, userID int64, roomPKs []int64) error
	// SelectedRoom returns the room only if it is currently selected for
	// the user; ErrNotFound otherwise.
	SelectedRoom(ctx context.Context, userID int64, matrixRoomID string) (*Room, error)

	// Filter settings
	GetFilter(ctx context.Context, userID int64) (*FilterSetting, error)
	SaveFilter(ctx context.Context, setting *FilterSetting) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListRecentMessages(ctx context.Context, userID int64, limit int) ([]*Message, error)

	// Close releases any resources held by the store.
	Close() error
}
