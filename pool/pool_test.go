package pool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-pool/conn"
	"mini-pool/message"
)

// mockConn is a scripted connection: dispatches accumulate until the
// test calls complete(), which frees a slot and fires the drain event
// the way a real connection would — from outside the pool's lock.
type mockConn struct {
	mu        sync.Mutex
	id        int
	limit     int
	size      int
	events    conn.Events
	opts      conn.Options
	reqs      []*message.Request
	closed    bool
	destroyed bool
	lastErr   error
	blockClose chan struct{} // non-nil makes Close wait

	record *dispatchRecord
}

// dispatchRecord tracks the global order requests reach connections.
type dispatchRecord struct {
	mu    sync.Mutex
	order []string
}

func (r *dispatchRecord) add(id int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, fmt.Sprintf("c%d:%s", id, path))
}

func (r *dispatchRecord) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (m *mockConn) Dispatch(req *message.Request, h conn.Handler) bool {
	m.mu.Lock()
	m.size++
	m.reqs = append(m.reqs, req)
	busy := m.busyLocked()
	m.mu.Unlock()
	if m.record != nil {
		m.record.add(m.id, req.Path)
	}
	return !busy
}

func (m *mockConn) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	block := m.blockClose
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (m *mockConn) Destroy(err error) error {
	m.mu.Lock()
	m.destroyed = true
	m.lastErr = err
	m.size = 0
	m.mu.Unlock()
	return nil
}

func (m *mockConn) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyLocked()
}

func (m *mockConn) busyLocked() bool {
	return m.closed || m.destroyed || m.size >= m.limit
}

func (m *mockConn) Pending() int { return 0 }

func (m *mockConn) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *mockConn) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// complete finishes one in-flight request and notifies the pool.
func (m *mockConn) complete() {
	m.mu.Lock()
	if m.size > 0 {
		m.size--
	}
	drain := m.events.OnDrain
	m.mu.Unlock()
	if drain != nil {
		drain()
	}
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// harness builds mock connections through the pool's factory hook.
type harness struct {
	mu           sync.Mutex
	conns        []*mockConn
	perConnLimit int
	record       *dispatchRecord
}

func newHarness(perConnLimit int) *harness {
	return &harness{perConnLimit: perConnLimit, record: &dispatchRecord{}}
}

func (h *harness) factory(_ *url.URL, opts conn.Options, events conn.Events) conn.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := &mockConn{
		id:     len(h.conns),
		limit:  h.perConnLimit,
		opts:   opts,
		events: events,
		record: h.record,
	}
	h.conns = append(h.conns, m)
	return m
}

func (h *harness) conn(i int) *mockConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type errHandler struct {
	errs chan error
}

func newErrHandler() *errHandler {
	return &errHandler{errs: make(chan error, 16)}
}

func (h *errHandler) OnError(err error) { h.errs <- err }

func (h *errHandler) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler error")
		return nil
	}
}

func newTestPool(t *testing.T, h *harness, opts Options) *Pool {
	t.Helper()
	opts.Factory = h.factory
	p, err := New("tcp://origin.test:7000", opts)
	require.NoError(t, err)
	return p
}

func req(path string) *message.Request {
	return &message.Request{Method: "GET", Path: path}
}

func TestNewValidation(t *testing.T) {
	_, err := New("tcp://origin.test:7000", Options{})
	assert.NoError(t, err)

	_, err = New("not a url\x7f", Options{})
	assert.Error(t, err, "unparseable origin")

	_, err = New("origin.test:7000", Options{})
	assert.Error(t, err, "origin without scheme")

	_, err = New("tcp://origin.test", Options{ConnectionLimit: -1})
	assert.Error(t, err, "negative connection limit")
}

func TestDispatchNilHandlerPanics(t *testing.T) {
	p := newTestPool(t, newHarness(1), Options{})
	assert.Panics(t, func() { p.Dispatch(req("/x"), nil) })
}

func TestConnectionsCreatedLazily(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	assert.Equal(t, 0, h.count(), "no connection before first dispatch")

	p.Dispatch(req("/1"), newErrHandler())
	assert.Equal(t, 1, h.count())
}

func TestFirstFitPrefersOldestConnection(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 3})

	p.Dispatch(req("/1"), newErrHandler()) // conn 0
	p.Dispatch(req("/2"), newErrHandler()) // conn 0 busy -> conn 1
	require.Equal(t, 2, h.count())

	// Free the oldest connection; the next dispatch must reuse it
	// instead of growing the pool.
	h.conn(0).complete()
	p.Dispatch(req("/3"), newErrHandler())

	assert.Equal(t, 2, h.count(), "pool should not grow while an older connection is idle")
	assert.Equal(t, 2, len(h.conn(0).reqs), "oldest idle connection should win ties")
}

func TestQueueServedFIFO(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	p.Dispatch(req("/r1"), newErrHandler())
	p.Dispatch(req("/r2"), newErrHandler())

	// At capacity: these queue.
	assert.False(t, p.Dispatch(req("/r3"), newErrHandler()))
	assert.False(t, p.Dispatch(req("/r4"), newErrHandler()))
	assert.False(t, p.Dispatch(req("/r5"), newErrHandler()))
	assert.Equal(t, 3, p.Pending())
	assert.True(t, p.Busy())

	// Free capacity one slot at a time; queued requests must be served
	// oldest first, by whichever connection drains.
	h.conn(1).complete()
	h.conn(0).complete()
	h.conn(1).complete()

	assert.Equal(t, 0, p.Pending())
	assert.Equal(t,
		[]string{"c0:/r1", "c1:/r2", "c1:/r3", "c0:/r4", "c1:/r5"},
		h.record.paths())
}

func TestBusyPredicate(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	assert.False(t, p.Busy(), "empty pool is not busy")

	p.Dispatch(req("/1"), newErrHandler())
	assert.False(t, p.Busy(), "pool can still grow")

	p.Dispatch(req("/2"), newErrHandler())
	assert.True(t, p.Busy(), "at limit with every connection busy")

	// The moment one connection reports idle (and the queue is empty),
	// the pool is no longer busy.
	h.conn(0).complete()
	assert.False(t, p.Busy())
}

func TestUnboundedPoolNeverQueues(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{})

	for i := 0; i < 10; i++ {
		accepted := p.Dispatch(req(fmt.Sprintf("/%d", i)), newErrHandler())
		assert.True(t, accepted, "unbounded pool never signals backpressure")
	}
	assert.Equal(t, 10, h.count(), "one connection per concurrent request")
	assert.Equal(t, 0, p.Pending(), "nothing ever queues")
}

func TestDrainSignal(t *testing.T) {
	h := newHarness(1)
	drains := make(chan struct{}, 4)
	p := newTestPool(t, h, Options{
		ConnectionLimit: 1,
		OnDrain:         func() { drains <- struct{}{} },
	})

	p.Dispatch(req("/1"), newErrHandler())
	assert.False(t, p.Dispatch(req("/2"), newErrHandler()), "second dispatch queues")

	// Completing /1 routes /2 into the connection, which is then busy
	// again — backpressure holds.
	h.conn(0).complete()
	select {
	case <-drains:
		t.Fatal("drain fired while the pool was still saturated")
	default:
	}

	// Completing /2 leaves the pool with spare capacity: drain fires.
	h.conn(0).complete()
	select {
	case <-drains:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never fired")
	}
}

func TestDestroyFlushesQueue(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	queued := []*errHandler{newErrHandler(), newErrHandler(), newErrHandler()}
	for i, qh := range queued {
		p.Dispatch(req(fmt.Sprintf("/q%d", i)), qh)
	}
	require.Equal(t, 3, p.Pending())

	boom := errors.New("shutting down hard")
	require.NoError(t, p.Destroy(boom))

	assert.Equal(t, 0, p.Pending(), "queue emptied")
	for _, qh := range queued {
		assert.ErrorIs(t, qh.wait(t), boom)
	}
	assert.True(t, h.conn(0).destroyed)
	assert.ErrorIs(t, h.conn(0).lastErr, boom)
	assert.True(t, p.Destroyed())

	// Terminal state: dispatch and close both refuse.
	rejected := newErrHandler()
	p.Dispatch(req("/late"), rejected)
	assert.ErrorIs(t, rejected.wait(t), ErrDestroyed)
	assert.ErrorIs(t, p.Close(context.Background()), ErrDestroyed)

	// Destroy is idempotent.
	assert.NoError(t, p.Destroy(nil))
}

func TestDestroyDefaultsError(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	queuedHandler := newErrHandler()
	p.Dispatch(req("/q"), queuedHandler)

	require.NoError(t, p.Destroy(nil))
	assert.ErrorIs(t, queuedHandler.wait(t), ErrDestroyed)
}

func TestCloseWithEmptyQueue(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	p.Dispatch(req("/1"), newErrHandler())
	h.conn(0).complete()

	require.NoError(t, p.Close(context.Background()))
	assert.True(t, h.conn(0).isClosed())
	assert.True(t, p.Destroyed())
	assert.True(t, p.Closed())
}

func TestCloseWaitsForQueueDrain(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	p.Dispatch(req("/2"), newErrHandler()) // queued
	require.Equal(t, 1, p.Pending())

	closeDone := make(chan error, 1)
	go func() { closeDone <- p.Close(context.Background()) }()

	// Close must not touch any connection while the queue is non-empty.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, h.conn(0).isClosed(), "closing began before the queue drained")

	// New dispatches are rejected while closing.
	rejected := newErrHandler()
	p.Dispatch(req("/3"), rejected)
	assert.ErrorIs(t, rejected.wait(t), ErrClosed)

	// Drain /1: the queued /2 flows into the connection. Queue is now
	// empty, so connection teardown begins.
	h.conn(0).complete()

	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close never completed")
	}
	assert.True(t, h.conn(0).isClosed())
	assert.Equal(t, []string{"c0:/1", "c0:/2"}, h.record.paths(), "queued request reached the connection")
	assert.True(t, p.Destroyed())
}

func TestDoubleCloseSharesCompletion(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	block := make(chan struct{})
	h.conn(0).blockClose = block
	h.conn(0).complete()

	results := make(chan error, 2)
	go func() { results <- p.Close(context.Background()) }()
	go func() { results <- p.Close(context.Background()) }()

	// Neither call finishes until the connection's own close settles.
	select {
	case err := <-results:
		t.Fatalf("close returned %v before connections finished closing", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("close never completed")
		}
	}
}

func TestCloseContextExpiry(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	block := make(chan struct{})
	h.conn(0).blockClose = block
	h.conn(0).complete()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	// The shutdown itself keeps going and still completes.
	close(block)
	assert.Eventually(t, p.Destroyed, 2*time.Second, 5*time.Millisecond)
}

func TestDestroyReleasesPendingClose(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{ConnectionLimit: 1})

	p.Dispatch(req("/1"), newErrHandler())
	p.Dispatch(req("/2"), newErrHandler()) // queued: close will wait on it

	closeDone := make(chan error, 1)
	go func() { closeDone <- p.Close(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Destroy(nil))
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy did not release the waiting close")
	}
}

func TestSessionTicketInjectedIntoNextConnection(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{
		ConnectionLimit: 3,
		Conn:            conn.Options{TLS: &conn.TLSOptions{ServerName: "origin.test"}},
	})

	p.Dispatch(req("/1"), newErrHandler())
	first := h.conn(0)
	require.NotNil(t, first.events.OnSession, "pool should subscribe to session events")
	assert.Nil(t, first.opts.TLS.Session, "no ticket cached yet")

	// The first connection observes a session ticket.
	ticket := []byte("resume-me")
	first.events.OnSession(ticket)

	// The next connection is constructed with the ticket injected.
	p.Dispatch(req("/2"), newErrHandler())
	second := h.conn(1)
	assert.Equal(t, ticket, second.opts.TLS.Session)
	require.NotNil(t, second.events.OnSession)

	// Last write wins: a newer ticket replaces the old one.
	newer := []byte("newer")
	second.events.OnSession(newer)
	p.Dispatch(req("/3"), newErrHandler())
	assert.Equal(t, newer, h.conn(2).opts.TLS.Session)
}

func TestSessionReuseDisabled(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{
		Conn: conn.Options{TLS: &conn.TLSOptions{DisableSessionReuse: true}},
	})

	p.Dispatch(req("/1"), newErrHandler())
	first := h.conn(0)
	assert.Nil(t, first.events.OnSession, "no session subscription when reuse is disabled")
	assert.Nil(t, first.opts.TLS.Session)
}

func TestSessionPinnedByCaller(t *testing.T) {
	pinned := []byte("caller-chose-this")
	h := newHarness(1)
	p := newTestPool(t, h, Options{
		Conn: conn.Options{TLS: &conn.TLSOptions{Session: pinned}},
	})

	p.Dispatch(req("/1"), newErrHandler())
	first := h.conn(0)
	assert.Nil(t, first.events.OnSession, "a pinned session must never be overwritten")
	assert.Equal(t, pinned, first.opts.TLS.Session)

	p.Dispatch(req("/2"), newErrHandler())
	assert.Equal(t, pinned, h.conn(1).opts.TLS.Session, "every connection keeps the pinned session")
}

func TestNoSessionHandlingWithoutTLS(t *testing.T) {
	h := newHarness(1)
	p := newTestPool(t, h, Options{})

	p.Dispatch(req("/1"), newErrHandler())
	assert.Nil(t, h.conn(0).events.OnSession)
}

func TestConnectedCount(t *testing.T) {
	h := newHarness(4)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	p.Dispatch(req("/1"), newErrHandler())
	c := h.conn(0)

	assert.Equal(t, 0, p.Connected())
	c.events.OnConnect()
	assert.Equal(t, 1, p.Connected())
	c.events.OnDisconnect(errors.New("link lost"))
	assert.Equal(t, 0, p.Connected())
}

func TestPoolEventCallbacks(t *testing.T) {
	h := newHarness(4)
	var gotConnect conn.Conn
	var gotErr error
	p := newTestPool(t, h, Options{
		ConnectionLimit: 1,
		OnConnect:       func(c conn.Conn) { gotConnect = c },
		OnDisconnect:    func(c conn.Conn, err error) { gotErr = err },
	})

	p.Dispatch(req("/1"), newErrHandler())
	c := h.conn(0)

	c.events.OnConnect()
	assert.Equal(t, conn.Conn(c), gotConnect)

	linkErr := errors.New("gone")
	c.events.OnDisconnect(linkErr)
	assert.ErrorIs(t, gotErr, linkErr)
}

func TestConstructionOptionsAreSnapshotted(t *testing.T) {
	h := newHarness(1)
	base := conn.Options{TLS: &conn.TLSOptions{ServerName: "origin.test"}}
	opts := Options{Factory: h.factory, Conn: base}

	p, err := New("tcp://origin.test:7000", opts)
	require.NoError(t, err)

	// Mutating the caller's options after construction must not leak
	// into connections the pool creates later.
	base.TLS.ServerName = "evil.test"
	opts.Conn.TLS.Session = []byte("injected-from-outside")

	p.Dispatch(req("/1"), newErrHandler())
	created := h.conn(0)
	assert.Equal(t, "origin.test", created.opts.TLS.ServerName)
	assert.Nil(t, created.opts.TLS.Session)
}

func TestObservabilityAggregates(t *testing.T) {
	h := newHarness(2)
	p := newTestPool(t, h, Options{ConnectionLimit: 2})

	p.Dispatch(req("/1"), newErrHandler())
	p.Dispatch(req("/2"), newErrHandler())
	p.Dispatch(req("/3"), newErrHandler())
	p.Dispatch(req("/4"), newErrHandler())
	p.Dispatch(req("/5"), newErrHandler()) // queued

	assert.Equal(t, 2, h.count())
	assert.Equal(t, 1, p.Pending(), "one queued dispatch")
	assert.Equal(t, 4, p.Running(), "four requests on connections")
	assert.Equal(t, 5, p.Size())
	assert.Equal(t, "tcp://origin.test:7000", p.Origin().String())
}
