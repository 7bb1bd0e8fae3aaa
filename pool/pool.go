// Package pool implements a bounded pool of persistent connections to
// a single origin.
//
// Dispatches route to the first non-busy connection in creation order,
// growing the pool up to its limit when none is free. At capacity,
// dispatches queue in a shared FIFO and drain — oldest first — into
// whichever connection frees up next. The pool reacts to connection
// events to drive draining, backpressure signaling, and graceful
// shutdown; it also caches the origin's TLS session ticket so new
// connections can resume instead of paying a full handshake.
//
// All pool state (connection list, queue, counters) is guarded by one
// mutex and mutated only by direct API calls or connection event
// handlers, so every transition is a single critical section.
package pool

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-pool/conn"
	"mini-pool/message"
	"mini-pool/queue"
	"mini-pool/session"
)

type lifecycleState int

const (
	stateActive lifecycleState = iota
	stateClosing
	stateDestroyed
)

// dispatchEntry is one queued dispatch awaiting a free connection.
type dispatchEntry struct {
	req     *message.Request
	handler conn.Handler
}

// Pool owns an ordered list of connections to one origin, a shared
// FIFO of dispatches that could not be placed immediately, and the
// origin's session-ticket cache.
type Pool struct {
	origin  *url.URL
	limit   int // 0 = unbounded
	factory Factory
	logger  *zap.Logger

	onConnect    func(conn.Conn)
	onDisconnect func(conn.Conn, error)
	onDrain      func()

	mu             sync.Mutex
	state          lifecycleState
	conns          []conn.Conn // creation order; never exceeds limit when set
	q              queue.Queue[dispatchEntry]
	pendingCount   int // == q.Len(), cached for O(1) reads
	connectedCount int
	needsDrain     bool
	baseOpts       conn.Options // snapshot taken at construction
	sessions       session.Cache
	closeDone      chan struct{} // non-nil once Close has been called
	closeErr       error
	closeStarted   bool // connection teardown has begun
}

// New builds a pool for the given origin (scheme://host[:port]).
// No connection is made until the first Dispatch.
func New(origin string, opts Options) (*Pool, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("pool: invalid origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("pool: origin %q must have scheme and host", origin)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	factory := opts.Factory
	if factory == nil {
		factory = conn.NewFrameConn
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		origin:       u,
		limit:        opts.ConnectionLimit,
		factory:      factory,
		logger:       logger,
		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
		onDrain:      opts.OnDrain,
		baseOpts:     opts.Conn.Clone(),
	}, nil
}

// Dispatch submits a request. It never blocks on I/O and never returns
// an error: every failure is reported through h.OnError. The returned
// boolean is the backpressure signal — false means the pool is
// saturated and the producer should wait for OnDrain before sending
// more (the dispatch itself was still accepted and queued, unless the
// pool was closing or destroyed).
//
// Dispatch panics if h is nil: a handler without an error path leaves
// no safe way to report anything at all.
func (p *Pool) Dispatch(req *message.Request, h conn.Handler) bool {
	if h == nil {
		panic("pool: dispatch handler must not be nil")
	}

	p.mu.Lock()
	switch p.state {
	case stateDestroyed:
		p.mu.Unlock()
		h.OnError(ErrDestroyed)
		return false
	case stateClosing:
		p.mu.Unlock()
		h.OnError(ErrClosed)
		return false
	}

	// First fit by creation order. Deliberately not least-loaded:
	// ties always favor the oldest connection.
	var target conn.Conn
	for _, c := range p.conns {
		if !c.Busy() {
			target = c
			break
		}
	}
	if target == nil && (p.limit == 0 || len(p.conns) < p.limit) {
		target = p.createConnLocked()
	}

	if target != nil {
		target.Dispatch(req, h)
		if target.Busy() && p.busyLocked() {
			p.needsDrain = true
		}
	} else {
		// At capacity with every connection busy: queue and signal
		// backpressure.
		p.needsDrain = true
		p.q.Push(dispatchEntry{req: req, handler: h})
		p.pendingCount++
		p.logger.Debug("pool: dispatch queued", zap.Int("pending", p.pendingCount))
	}

	accepted := !p.needsDrain
	p.mu.Unlock()
	return accepted
}

// createConnLocked builds a new connection from the construction-time
// options, applying the session-reuse policy, and appends it to the
// list. Caller holds p.mu.
func (p *Pool) createConnLocked() conn.Conn {
	opts := p.baseOpts.Clone()

	// Session reuse applies only to TLS connections that neither
	// disable reuse nor pin a caller-supplied session. A pinned session
	// also opts the connection out of session reporting, so the cache
	// can never silently replace what the caller chose.
	subscribeSession := false
	if opts.TLS != nil && !opts.TLS.DisableSessionReuse {
		if opts.TLS.Session == nil {
			subscribeSession = true
			if ticket := p.sessions.Get(); ticket != nil {
				opts.TLS.Session = ticket
			}
		}
	}

	var c conn.Conn
	events := conn.Events{
		OnConnect:    func() { p.handleConnect(c) },
		OnDisconnect: func(err error) { p.handleDisconnect(c, err) },
		OnDrain:      func() { p.handleDrain(c) },
	}
	if subscribeSession {
		events.OnSession = p.sessions.Put
	}

	c = p.factory(p.origin, opts, events)
	p.conns = append(p.conns, c)
	p.logger.Debug("pool: connection created", zap.Int("connections", len(p.conns)))
	return c
}

// handleDrain reacts to one connection reporting spare capacity: it
// feeds that connection from the head of the shared queue until the
// connection is busy again or the queue empties, then releases the
// pool-level backpressure flag and, if a graceful close is waiting on
// the queue, begins tearing connections down.
func (p *Pool) handleDrain(c conn.Conn) {
	p.mu.Lock()
	if p.state == stateDestroyed {
		p.mu.Unlock()
		return
	}

	for !c.Busy() {
		entry, ok := p.q.Pop()
		if !ok {
			break
		}
		p.pendingCount--
		c.Dispatch(entry.req, entry.handler)
	}

	emitDrain := false
	if p.needsDrain && !c.Busy() {
		p.needsDrain = false
		emitDrain = true
	}

	startClose := false
	var toClose []conn.Conn
	if p.state == stateClosing && !p.closeStarted && p.q.Len() == 0 {
		p.closeStarted = true
		startClose = true
		toClose = append(toClose, p.conns...)
	}
	p.mu.Unlock()

	if emitDrain {
		p.logger.Debug("pool: drained")
		if p.onDrain != nil {
			p.onDrain()
		}
	}
	if startClose {
		go p.closeConns(toClose)
	}
}

func (p *Pool) handleConnect(c conn.Conn) {
	p.mu.Lock()
	p.connectedCount++
	p.mu.Unlock()

	p.logger.Debug("pool: connection up")
	if p.onConnect != nil {
		p.onConnect(c)
	}
}

func (p *Pool) handleDisconnect(c conn.Conn, err error) {
	p.mu.Lock()
	p.connectedCount--
	p.mu.Unlock()

	p.logger.Debug("pool: connection down", zap.Error(err))
	if p.onDisconnect != nil {
		p.onDisconnect(c, err)
	}
}

// Close shuts the pool down gracefully: new dispatches are rejected
// with ErrClosed, queued dispatches keep draining into connections as
// they free up, and once the queue is empty every connection is closed.
// Close returns when all connections have finished closing.
//
// Close is idempotent: concurrent and repeated calls wait on the same
// completion. ctx expiry abandons the wait but not the shutdown.
// Calling Close on a destroyed pool returns ErrDestroyed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateDestroyed:
		p.mu.Unlock()
		return ErrDestroyed
	case stateClosing:
		done := p.closeDone
		p.mu.Unlock()
		return p.waitClose(ctx, done)
	}

	p.state = stateClosing
	p.closeDone = make(chan struct{})
	done := p.closeDone

	// If the queue is already empty, connection teardown starts right
	// away; otherwise drain notifications will start it once the last
	// queued dispatch is placed.
	startClose := p.q.Len() == 0
	var toClose []conn.Conn
	if startClose {
		p.closeStarted = true
		toClose = append(toClose, p.conns...)
	}
	p.mu.Unlock()

	p.logger.Info("pool: closing", zap.String("origin", p.origin.String()))
	if startClose {
		go p.closeConns(toClose)
	}
	return p.waitClose(ctx, done)
}

func (p *Pool) waitClose(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		p.mu.Lock()
		err := p.closeErr
		p.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeConns closes every connection in parallel, then marks the pool
// destroyed and fulfills the close completion.
func (p *Pool) closeConns(conns []conn.Conn) {
	g := new(errgroup.Group)
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.Close(context.Background()) })
	}
	err := g.Wait()

	p.mu.Lock()
	p.state = stateDestroyed
	p.closeErr = err
	done := p.closeDone
	p.mu.Unlock()

	p.logger.Info("pool: closed", zap.Error(err))
	close(done)
}

// Destroy tears the pool down immediately. The queue is flushed
// synchronously — every queued handler receives err (ErrDestroyed when
// nil) — and every connection is told to abort. Destroy returns once
// all connection teardowns settle. It is idempotent; a second call
// returns nil without doing anything. A Close waiting on the queue is
// released by Destroy.
func (p *Pool) Destroy(err error) error {
	if err == nil {
		err = ErrDestroyed
	}

	p.mu.Lock()
	if p.state == stateDestroyed {
		p.mu.Unlock()
		return nil
	}
	releaseClose := p.closeDone != nil && !p.closeStarted
	p.state = stateDestroyed
	p.needsDrain = false

	var entries []dispatchEntry
	for {
		entry, ok := p.q.Pop()
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	p.pendingCount = 0
	conns := append([]conn.Conn(nil), p.conns...)
	done := p.closeDone
	p.mu.Unlock()

	p.logger.Info("pool: destroying",
		zap.String("origin", p.origin.String()),
		zap.Int("flushed", len(entries)),
		zap.Error(err))

	for _, entry := range entries {
		entry.handler.OnError(err)
	}

	g := new(errgroup.Group)
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.Destroy(err) })
	}
	g.Wait()

	if releaseClose {
		close(done)
	}
	return nil
}

// Origin returns the immutable origin identity this pool targets.
func (p *Pool) Origin() *url.URL {
	return p.origin
}

// Connected returns how many connections currently have an established
// link.
func (p *Pool) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedCount
}

// Pending returns queued dispatches plus every connection's own
// pending count.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pendingCount
	for _, c := range p.conns {
		n += c.Pending()
	}
	return n
}

// Running returns the number of requests currently on the wire across
// all connections.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		n += c.Running()
	}
	return n
}

// Size returns queued dispatches plus every connection's total load.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pendingCount
	for _, c := range p.conns {
		n += c.Size()
	}
	return n
}

// Busy reports whether a dispatch right now could not be placed
// immediately: either requests are already queued, or the pool is at
// its connection limit with every connection busy. Below the limit the
// pool can always grow, so it is never busy while the queue is empty.
func (p *Pool) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busyLocked()
}

func (p *Pool) busyLocked() bool {
	if p.pendingCount > 0 {
		return true
	}
	if p.limit > 0 && len(p.conns) == p.limit {
		for _, c := range p.conns {
			if !c.Busy() {
				return false
			}
		}
		return true
	}
	return false
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeDone != nil
}

// Destroyed reports whether the pool has reached its terminal state.
func (p *Pool) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateDestroyed
}
