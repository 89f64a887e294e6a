// ABOUTME: Tests for the SQLite store against a temp-dir database.
// ABOUTME: Covers users, rooms, selection, filters, and message history.

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "roomfeed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *SQLiteStore, username string) *User {
	t.Helper()
	u := &User{Username: username, PasswordHash: "x"}
	require.NoError(t, s.CreateUser(t.Context(), u))
	return u
}

func TestSQLiteStore_CreateAndGetUser(t *testing.T) {
	s := newTestStore(t)

	u := &User{Username: "alice", PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(t.Context(), u))
	require.NotZero(t, u.ID)

	got, err := s.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.False(t, got.Linked())

	_, err = s.GetUser(t.Context(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateUsernameRejected(t *testing.T) {
	s := newTestStore(t)

	newTestUser(t, s, "alice")
	err := s.CreateUser(t.Context(), &User{Username: "alice", PasswordHash: "y"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestSQLiteStore_CredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	require.NoError(t, s.SetCredential(t.Context(), u.ID, "https://matrix.example.org", "@alice:example.org", "tok"))

	got, err := s.GetUser(t.Context(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.Linked())
	assert.Equal(t, "@alice:example.org", got.MatrixUserID)

	require.NoError(t, s.ClearCredential(t.Context(), u.ID))
	got, err = s.GetUser(t.Context(), u.ID)
	require.NoError(t, err)
	assert.False(t, got.Linked())

	assert.ErrorIs(t, s.SetCredential(t.Context(), 9999, "h", "m", "t"), ErrNotFound)
}

func TestSQLiteStore_UpsertRoomKeepsSelection(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	r := &Room{UserID: u.ID, RoomID: "!a:example.org", Title: "General", RoomType: ""}
	require.NoError(t, s.UpsertRoom(t.Context(), r))
	require.NotZero(t, r.ID)

	require.NoError(t, s.SetSelectedRooms(t.Context(), u.ID, []int64{r.ID}))

	// Re-upserting with a new title must not clear the selection flag.
	again := &Room{UserID: u.ID, RoomID: "!a:example.org", Title: "General (renamed)"}
	require.NoError(t, s.UpsertRoom(t.Context(), again))
	assert.Equal(t, r.ID, again.ID)
	assert.True(t, again.Selected)

	rooms, err := s.ListRooms(t.Context(), u.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "General (renamed)", rooms[0].Title)
}

func TestSQLiteStore_SelectedRoom(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	r := &Room{UserID: u.ID, RoomID: "!a:example.org", Title: "General"}
	require.NoError(t, s.UpsertRoom(t.Context(), r))

	// Not selected yet.
	_, err := s.SelectedRoom(t.Context(), u.ID, "!a:example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSelectedRooms(t.Context(), u.ID, []int64{r.ID}))

	got, err := s.SelectedRoom(t.Context(), u.ID, "!a:example.org")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	// Deselecting everything takes it away again.
	require.NoError(t, s.SetSelectedRooms(t.Context(), u.ID, nil))
	_, err = s.SelectedRoom(t.Context(), u.ID, "!a:example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_FilterDefaultsToEmpty(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	f, err := s.GetFilter(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, f.IncludeKeywords)
	assert.Empty(t, f.ExcludeKeywords)

	require.NoError(t, s.SaveFilter(t.Context(), &FilterSetting{
		UserID:          u.ID,
		IncludeKeywords: "urgent, meeting",
		ExcludeKeywords: "spam",
	}))

	f, err = s.GetFilter(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "urgent, meeting", f.IncludeKeywords)

	// Saving again replaces.
	require.NoError(t, s.SaveFilter(t.Context(), &FilterSetting{UserID: u.ID}))
	f, err = s.GetFilter(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, f.IncludeKeywords)
}

func TestSQLiteStore_MessagesRecentInChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, "alice")

	r := &Room{UserID: u.ID, RoomID: "!a:example.org", Title: "General"}
	require.NoError(t, s.UpsertRoom(t.Context(), r))

	for i := range 5 {
		msg := &Message{
			UserID:     u.ID,
			RoomPK:     r.ID,
			RoomID:     r.RoomID,
			EventID:    "$e" + string(rune('0'+i)),
			Date:       time.Now().UTC(),
			SenderName: "bob",
			Text:       "msg",
		}
		require.NoError(t, s.SaveMessage(t.Context(), msg))
		require.NotZero(t, msg.ID)
	}

	msgs, err := s.ListRecentMessages(t.Context(), u.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "$e2", msgs[0].EventID)
	assert.Equal(t, "$e4", msgs[2].EventID)
}
