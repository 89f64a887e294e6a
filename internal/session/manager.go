// ABOUTME: Manages one live protocol session per user and its listener worker.
// ABOUTME: Central registry for session lifecycle, outbound send, and room listing.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// defaultQueueSize is the inbound event buffer per session. The sync
// callback must never block, so overflow drops with a log line.
const defaultQueueSize = 256

// Session is one user's live connection plus its listener worker.
type Session struct {
	UserID int64

	conn   Conn
	queue  chan *Inbound
	cancel context.CancelFunc
	done   chan struct{} // closed when the worker exits
	logger *slog.Logger
}

// Alive reports whether the session's listener is still running. A
// session whose connection dropped is dead even while still registered.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// enqueue is the connection callback. Non-blocking: the sync loop must
// not stall on a slow pipeline.
func (s *Session) enqueue(in *Inbound) {
	select {
	case s.queue <- in:
	default:
		s.logger.Warn("inbound queue full, dropping event",
			"user_id", s.UserID, "room_id", in.RoomID, "event_id", in.EventID)
	}
}

// ManagerParams configures a Manager.
type ManagerParams struct {
	Dialer    Dialer
	Handler   Handler
	QueueSize int // 0 means defaultQueueSize
	Logger    *slog.Logger
}

// Manager owns the user-to-session registry. At most one live session
// exists per user; creation is idempotent and per-user serialized.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	epochs   map[int64]uint64 // bumped by SignOut; guards in-flight dials

	dialer    Dialer
	handler   Handler
	queueSize int
	group     singleflight.Group
	logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(params ManagerParams) *Manager {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := params.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Manager{
		sessions:  make(map[int64]*Session),
		epochs:    make(map[int64]uint64),
		dialer:    params.Dialer,
		handler:   params.Handler,
		queueSize: size,
		logger:    logger.With("component", "session"),
	}
}

// GetOrCreate returns the user's live session, dialing a new connection
// if none exists. Concurrent calls for the same user share one dial;
// unrelated users never contend. A dial failure records nothing.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64, cred Credential) (*Session, error) {
	if s := m.lookupAlive(userID); s != nil {
		return s, nil
	}

	v, err, _ := m.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		// Another caller may have won the race before we got here.
		if s := m.lookupAlive(userID); s != nil {
			return s, nil
		}

		epoch := m.epoch(userID)

		conn, err := m.dialer.Dial(ctx, cred)
		if err != nil {
			return nil, fmt.Errorf("dialing session for user %d: %w", userID, err)
		}

		workerCtx, cancel := context.WithCancel(context.Background())
		s := &Session{
			UserID: userID,
			conn:   conn,
			queue:  make(chan *Inbound, m.queueSize),
			cancel: cancel,
			done:   make(chan struct{}),
			logger: m.logger,
		}
		conn.OnMessage(s.enqueue)

		m.mu.Lock()
		if m.epochs[userID] != epoch {
			// The user signed out while we were dialing; this
			// connection must not land in the registry.
			m.mu.Unlock()
			cancel()
			if cerr := conn.Close(ctx); cerr != nil {
				m.logger.Warn("closing orphaned connection failed",
					"user_id", userID, "error", cerr)
			}
			return nil, fmt.Errorf("user %d signed out during dial: %w", userID, ErrNoSession)
		}
		m.sessions[userID] = s
		total := len(m.sessions)
		m.mu.Unlock()

		go m.runSession(workerCtx, s)

		m.logger.Info("session started", "user_id", userID, "total_sessions", total)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// epoch returns the user's sign-out generation. A dial captures it
// before connecting and registers only if it has not moved since.
func (m *Manager) epoch(userID int64) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochs[userID]
}

// lookupAlive returns the registered session if it is still running,
// evicting stale entries left behind by a dropped connection.
func (m *Manager) lookupAlive(userID int64) *Session {
	m.mu.RLock()
	s, ok := m.sessions[userID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.Alive() {
		return s
	}

	m.mu.Lock()
	if m.sessions[userID] == s {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	m.logger.Warn("evicted dead session", "user_id", userID)
	return nil
}

// runSession is the per-session worker. It drains the inbound queue,
// invoking the handler once per event, strictly sequentially for this
// user. Exits when cancelled or when the connection's sync loop ends.
func (m *Manager) runSession(ctx context.Context, s *Session) {
	defer close(s.done)
	defer m.reap(s)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			m.logger.Warn("connection ended, session is dead", "user_id", s.UserID)
			return
		case in := <-s.queue:
			m.handler(ctx, s.UserID, in)
		}
	}
}

// reap removes the session from the registry if it is still the
// registered one. Called when a worker exits on its own so a later
// GetOrCreate dials fresh instead of returning a dead handle.
func (m *Manager) reap(s *Session) {
	m.mu.Lock()
	if m.sessions[s.UserID] == s {
		delete(m.sessions, s.UserID)
	}
	m.mu.Unlock()
}

// SignOut stops the user's session and removes it from the registry.
// A connection-close failure is logged; removal happens regardless, so
// "no session recorded implies no live connection" holds. Signing out a
// user with no session is a no-op.
func (m *Manager) SignOut(ctx context.Context, userID int64) error {
	m.mu.Lock()
	m.epochs[userID]++
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	// An in-flight dial for this user must not be joined by later
	// GetOrCreate callers; the epoch bump above makes it discard its
	// connection instead of registering it.
	m.group.Forget(strconv.FormatInt(userID, 10))

	if !ok {
		return nil
	}

	s.cancel()
	if err := s.conn.Close(ctx); err != nil {
		m.logger.Warn("closing connection failed during sign-out",
			"user_id", userID, "error", err)
	}

	m.logger.Info("session stopped", "user_id", userID)
	return nil
}

// Send delivers text into a room over the user's live connection.
func (m *Manager) Send(ctx context.Context, userID int64, roomID, text string) error {
	s := m.lookupAlive(userID)
	if s == nil {
		return ErrNoSession
	}
	if err := s.conn.Send(ctx, roomID, text); err != nil {
		return fmt.Errorf("sending to room %s: %w", roomID, err)
	}
	return nil
}

// Rooms lists the user's joined rooms, excluding non-interactive ones
// (spaces and other organizational room types).
func (m *Manager) Rooms(ctx context.Context, userID int64) ([]Room, error) {
	s := m.lookupAlive(userID)
	if s == nil {
		return nil, ErrNoSession
	}

	rooms, err := s.conn.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	out := rooms[:0]
	for _, r := range rooms {
		if r.Type == RoomTypeSpace || r.Type == RoomTypeServerNotice {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Active reports whether the user currently has a live session.
func (m *Manager) Active(userID int64) bool {
	return m.lookupAlive(userID) != nil
}

// Close stops every session. Used at process shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		if err := s.conn.Close(ctx); err != nil {
			m.logger.Warn("closing connection failed during shutdown",
				"user_id", s.UserID, "error", err)
		}
	}
}
