// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Creates the schema on open; WAL mode with foreign keys enabled.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for concurrent readers alongside the pipeline's writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			homeserver TEXT NOT NULL DEFAULT '',
			matrix_user_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);

		CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			room_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			room_type TEXT NOT NULL DEFAULT '',
			selected INTEGER NOT NULL DEFAULT 0,

			UNIQUE(user_id, room_id)
		);

		CREATE INDEX IF NOT EXISTS idx_rooms_user ON rooms(user_id);
		CREATE INDEX IF NOT EXISTS idx_rooms_user_selected ON rooms(user_id, selected);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			room_pk INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			date DATETIME NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			raw_json TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, id);
		CREATE INDEX IF NOT EXISTS idx_messages_room_event ON messages(room_id, event_id);

		CREATE TABLE IF NOT EXISTS filter_settings (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			include_keywords TEXT NOT NULL DEFAULT '',
			exclude_keywords TEXT NOT NULL DEFAULT ''
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateUser inserts a new user and sets its ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, homeserver, matrix_user_id, access_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Homeserver, user.MatrixUserID, user.AccessToken, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, homeserver, matrix_user_id, access_token, created_at
		 FROM users WHERE id = ?`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, homeserver, matrix_user_id, access_token, created_at
		 FROM users WHERE username = ?`, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Homeserver, &u.MatrixUserID, &u.AccessToken, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// SetCredential stores the Matrix credential obtained by the login flow.
func (s *SQLiteStore) SetCredential(ctx context.Context, userID int64, homeserver, matrixUserID, accessToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET homeserver = ?, matrix_user_id = ?, access_token = ? WHERE id = ?`,
		homeserver, matrixUserID, accessToken, userID)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	return requireRow(res)
}

// ClearCredential drops the stored Matrix credential.
func (s *SQLiteStore) ClearCredential(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET homeserver = '', matrix_user_id = '', access_token = '' WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	return requireRow(res)
}

// UpsertRoom inserts the room or refreshes its title and type, keeping
// the existing selection flag. Sets room.ID on return.
func (s *SQLiteStore) UpsertRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (user_id, room_id, title, room_type, selected)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, room_id)
		 DO UPDATE SET title = excluded.title, room_type = excluded.room_type`,
		room.UserID, room.RoomID, room.Title, room.RoomType, room.Selected)
	if err != nil {
		return fmt.Errorf("upserting room: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, selected FROM rooms WHERE user_id = ? AND room_id = ?`,
		room.UserID, room.RoomID)
	if err := row.Scan(&room.ID, &room.Selected); err != nil {
		return fmt.Errorf("reading room id: %w", err)
	}
	return nil
}

// ListRooms returns all known rooms for the user, ordered by title.
func (s *SQLiteStore) ListRooms(ctx context.Context, userID int64) ([]*Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, room_id, title, room_type, selected
		 FROM rooms WHERE user_id = ? ORDER BY title, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoomID, &r.Title, &r.RoomType, &r.Selected); err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// GetRoom retrieves one of the user's rooms by local primary key.
func (s *SQLiteStore) GetRoom(ctx context.Context, userID, roomPK int64) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, room_id, title, room_type, selected
		 FROM rooms WHERE id = ? AND user_id = ?`, roomPK, userID).
		Scan(&r.ID, &r.UserID, &r.RoomID, &r.Title, &r.RoomType, &r.Selected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	return &r, nil
}

// SetSelectedRooms marks exactly the given room primary keys as selected
// for the user and deselects all others, in one transaction.
func (s *SQLiteStore) SetSelectedRooms(ctx context.Context, userID int64, roomPKs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET selected = 0 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deselecting rooms: %w", err)
	}

	for _, pk := range roomPKs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rooms SET selected = 1 WHERE id = ? AND user_id = ?`, pk, userID); err != nil {
			return fmt.Errorf("selecting room %d: %w", pk, err)
		}
	}

	return tx.Commit()
}

// SelectedRoom returns the user's room for the Matrix room ID only if it
// is currently selected.
func (s *SQLiteStore) SelectedRoom(ctx context.Context, userID int64, matrixRoomID string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, room_id, title, room_type, selected
		 FROM rooms WHERE user_id = ? AND room_id = ? AND selected = 1`,
		userID, matrixRoomID).
		Scan(&r.ID, &r.UserID, &r.RoomID, &r.Title, &r.RoomType, &r.Selected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning selected room: %w", err)
	}
	return &r, nil
}

// GetFilter returns the user's filter setting, or an empty setting when
// none has been saved yet.
func (s *SQLiteStore) GetFilter(ctx context.Context, userID int64) (*FilterSetting, error) {
	var f FilterSetting
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, include_keywords, exclude_keywords
		 FROM filter_settings WHERE user_id = ?`, userID).
		Scan(&f.UserID, &f.IncludeKeywords, &f.ExcludeKeywords)
	if errors.Is(err, sql.ErrNoRows) {
		return &FilterSetting{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning filter setting: %w", err)
	}
	return &f, nil
}

// SaveFilter inserts or replaces the user's filter setting.
func (s *SQLiteStore) SaveFilter(ctx context.Context, setting *FilterSetting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO filter_settings (user_id, include_keywords, exclude_keywords)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id)
		 DO UPDATE SET include_keywords = excluded.include_keywords,
		               exclude_keywords = excluded.exclude_keywords`,
		setting.UserID, setting.IncludeKeywords, setting.ExcludeKeywords)
	if err != nil {
		return fmt.Errorf("saving filter setting: %w", err)
	}
	return nil
}

// SaveMessage inserts a delivered feed record and sets msg.ID.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Date.IsZero() {
		msg.Date = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, room_pk, room_id, event_id, date, sender_name, text, raw_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.RoomPK, msg.RoomID, msg.EventID, msg.Date, msg.SenderName, msg.Text, msg.RawJSON)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListRecentMessages returns up to limit of the user's newest messages,
// oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, userID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, room_pk, room_id, event_id, date, sender_name, text, raw_json
		 FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.RoomPK, &m.RoomID, &m.EventID, &m.Date, &m.SenderName, &m.Text, &m.RawJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first; the feed wants chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
