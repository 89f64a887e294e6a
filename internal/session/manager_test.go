// ABOUTME: Tests for the session manager using fake dialer/connection.
// ABOUTME: Covers idempotent creation, concurrency, sign-out, and dead-session recovery.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn in-memory.
type fakeConn struct {
	mu        sync.Mutex
	callback  func(*Inbound)
	sent      []string
	rooms     []Room
	closeErr  error
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) OnMessage(fn func(*Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

func (c *fakeConn) Rooms(context.Context) ([]Room, error) {
	return c.rooms, nil
}

func (c *fakeConn) Send(_ context.Context, roomID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, roomID+": "+text)
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	err := c.closeErr
	c.mu.Unlock()
	c.dropConnection()
	return err
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

// dropConnection simulates the sync loop ending.
func (c *fakeConn) dropConnection() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) push(in *Inbound) {
	c.mu.Lock()
	fn := c.callback
	c.mu.Unlock()
	if fn != nil {
		fn(in)
	}
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer returns a fresh fakeConn per dial, or a fixed error.
type fakeDialer struct {
	mu      sync.Mutex
	dials   atomic.Int64
	dialErr error
	delay   time.Duration
	started chan struct{} // receives once per dial entry, if set
	block   chan struct{} // dial waits for close, if set
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, Credential) (Conn, error) {
	d.dials.Add(1)
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestManager(d Dialer, h Handler) *Manager {
	if h == nil {
		h = func(context.Context, int64, *Inbound) {}
	}
	return NewManager(ManagerParams{Dialer: d, Handler: h})
}

func TestManager_GetOrCreateIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	s1, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	s2, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int64(1), d.dials.Load())
}

func TestManager_ConcurrentGetOrCreateDialsOnce(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	var wg sync.WaitGroup
	results := make([]*Session, 16)
	for i := range 16 {
		wg.Go(func() {
			s, err := m.GetOrCreate(context.Background(), 42, Credential{})
			require.NoError(t, err)
			results[i] = s
		})
	}
	wg.Wait()

	assert.Equal(t, int64(1), d.dials.Load())
	for _, s := range results[1:] {
		assert.Same(t, results[0], s)
	}
}

func TestManager_UnrelatedUsersDoNotShareSessions(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	s1, err := m.GetOrCreate(t.Context(), 1, Credential{})
	require.NoError(t, err)
	s2, err := m.GetOrCreate(t.Context(), 2, Credential{})
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, int64(2), d.dials.Load())
}

func TestManager_DialFailureRecordsNothing(t *testing.T) {
	d := &fakeDialer{dialErr: fmt.Errorf("%w: server unreachable", ErrConnectFailed)}
	m := newTestManager(d, nil)

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, m.Active(42))

	// A later attempt dials again rather than returning a cached failure.
	d.dialErr = nil
	_, err = m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.dials.Load())
}

func TestManager_AuthErrorSurfacesToCaller(t *testing.T) {
	d := &fakeDialer{dialErr: fmt.Errorf("%w: bad token", ErrAuthFailed)}
	m := newTestManager(d, nil)

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestManager_SignOutStopsAndRemoves(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	require.NoError(t, m.SignOut(t.Context(), 42))
	assert.False(t, m.Active(42))
	assert.True(t, d.lastConn().wasClosed())

	// Signing out again is a no-op.
	require.NoError(t, m.SignOut(t.Context(), 42))
}

func TestManager_SignOutToleratesCloseFailure(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	d.lastConn().closeErr = errors.New("network gone")

	require.NoError(t, m.SignOut(t.Context(), 42))
	assert.False(t, m.Active(42))
}

func TestManager_SignOutThenGetOrCreateGivesFreshSession(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	s1, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	require.NoError(t, m.SignOut(t.Context(), 42))

	s2, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.True(t, s2.Alive())
	assert.Equal(t, int64(2), d.dials.Load())
}

func TestManager_SignOutDuringDialDiscardsConnection(t *testing.T) {
	d := &fakeDialer{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreate(context.Background(), 42, Credential{})
		errCh <- err
	}()

	// Sign out while the dial is in flight.
	<-d.started
	require.NoError(t, m.SignOut(t.Context(), 42))
	close(d.block)

	err := <-errCh
	require.ErrorIs(t, err, ErrNoSession)

	// The orphaned connection was closed, not registered.
	assert.False(t, m.Active(42))
	assert.True(t, d.lastConn().wasClosed())
}

func TestManager_DeadConnectionIsDetectedAndRecreated(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	s1, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	// Simulate the sync loop dying underneath the session.
	d.lastConn().dropConnection()
	require.Eventually(t, func() bool { return !s1.Alive() }, time.Second, 5*time.Millisecond)

	s2, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, int64(2), d.dials.Load())
}

func TestManager_SendWithoutSession(t *testing.T) {
	m := newTestManager(&fakeDialer{}, nil)
	err := m.Send(t.Context(), 42, "!room:x", "hello")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestManager_SendDelegatesToConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	require.NoError(t, m.Send(t.Context(), 42, "!room:x", "hello"))
	assert.Equal(t, []string{"!room:x: hello"}, d.lastConn().sent)
}

func TestManager_RoomsExcludesNonInteractive(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, nil)
	defer m.Close(t.Context())

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	d.lastConn().rooms = []Room{
		{ID: "!a:x", Title: "General"},
		{ID: "!b:x", Title: "Projects", Type: RoomTypeSpace},
		{ID: "!c:x", Title: "Random"},
		{ID: "!d:x", Title: "Server Alerts", Type: RoomTypeServerNotice},
	}

	rooms, err := m.Rooms(t.Context(), 42)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "!a:x", rooms[0].ID)
	assert.Equal(t, "!c:x", rooms[1].ID)
}

func TestManager_EventsReachHandlerSequentially(t *testing.T) {
	var mu sync.Mutex
	var got []string

	d := &fakeDialer{}
	m := newTestManager(d, func(_ context.Context, userID int64, in *Inbound) {
		mu.Lock()
		got = append(got, fmt.Sprintf("%d/%s", userID, in.EventID))
		mu.Unlock()
	})
	defer m.Close(t.Context())

	_, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)

	conn := d.lastConn()
	for i := range 5 {
		conn.push(&Inbound{RoomID: "!a:x", EventID: fmt.Sprintf("$e%d", i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"42/$e0", "42/$e1", "42/$e2", "42/$e3", "42/$e4"}, got)
}

func TestManager_NoEventsProcessedAfterSignOut(t *testing.T) {
	var handled atomic.Int64

	d := &fakeDialer{}
	m := newTestManager(d, func(context.Context, int64, *Inbound) {
		handled.Add(1)
	})

	s, err := m.GetOrCreate(t.Context(), 42, Credential{})
	require.NoError(t, err)
	conn := d.lastConn()

	require.NoError(t, m.SignOut(t.Context(), 42))
	require.Eventually(t, func() bool { return !s.Alive() }, time.Second, 5*time.Millisecond)

	before := handled.Load()
	conn.push(&Inbound{RoomID: "!a:x", EventID: "$late"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, handled.Load())
}

func TestInbound_TextFallsBackToCaption(t *testing.T) {
	assert.Equal(t, "body", (&Inbound{Body: "body", Caption: "cap"}).Text())
	assert.Equal(t, "cap", (&Inbound{Caption: "cap"}).Text())
	assert.Equal(t, "", (&Inbound{}).Text())
}
