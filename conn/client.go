package conn

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"mini-pool/message"
)

// wire is the transport-specific half of a connection: how one request
// frame goes out and one response frame comes back. The engine above it
// owns sequencing, in-flight tracking, reconnects, and events.
//
// readResponse is called from a single goroutine; writeRequest and
// heartbeat may race and must serialize their own writes.
type wire interface {
	writeRequest(seq uint32, req *message.Request) error
	readResponse() (uint32, *message.Response, error)
	heartbeat() error
	close() error
}

type dialFunc func(ctx context.Context) (wire, error)

type connState int

const (
	connActive connState = iota
	connClosing
	connDestroyed
)

// pendingReq is one admitted dispatch: the request plus the handler
// that will observe its outcome.
type pendingReq struct {
	req     *message.Request
	handler Handler
}

// client is the transport-agnostic connection engine.
//
// Dispatch appends to outbound and wakes the write loop; the write loop
// dials lazily, assigns sequence numbers, and moves requests to the
// in-flight map before writing (so a response can never arrive for an
// unregistered seq). A single recv loop per link routes responses back
// to their handlers — the same multiplexing scheme as any pipelined
// protocol client: many callers, one ordered byte stream each way.
type client struct {
	origin *url.URL
	opts   Options
	events Events
	dial   dialFunc

	mu       sync.Mutex
	state    connState
	w        wire
	epoch    chan struct{} // closed when the current link drops; stops its heartbeat loop
	outbound []pendingReq
	inflight map[uint32]pendingReq
	seq      uint32

	closeDone chan struct{}
	closeErr  error

	kick chan struct{} // wakes the write loop, capacity 1
	done chan struct{} // closed at final teardown, stops the write loop
}

func newClient(origin *url.URL, opts Options, events Events, dial dialFunc) *client {
	c := &client{
		origin:   origin,
		opts:     opts.Clone(),
		events:   events,
		dial:     dial,
		inflight: make(map[uint32]pendingReq),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Dispatch admits a request. The connection dials on first use, so
// Dispatch never blocks on I/O; it only appends and wakes the writer.
func (c *client) Dispatch(req *message.Request, h Handler) bool {
	if h == nil {
		panic("conn: dispatch handler must not be nil")
	}
	c.mu.Lock()
	switch c.state {
	case connClosing:
		c.mu.Unlock()
		h.OnError(ErrClosed)
		return false
	case connDestroyed:
		c.mu.Unlock()
		h.OnError(ErrDestroyed)
		return false
	}
	c.outbound = append(c.outbound, pendingReq{req: req, handler: h})
	busy := c.busyLocked()
	c.mu.Unlock()

	c.wake()
	return !busy
}

// Close stops admitting new dispatches, lets everything already
// admitted finish, then closes the link. Concurrent calls share one
// completion. ctx expiry abandons the wait, not the close itself.
func (c *client) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case connDestroyed:
		c.mu.Unlock()
		return ErrDestroyed
	case connClosing:
		done := c.closeDone
		c.mu.Unlock()
		return c.waitClose(ctx, done)
	}
	c.state = connClosing
	c.closeDone = make(chan struct{})
	done := c.closeDone
	idle := c.sizeLocked() == 0
	c.mu.Unlock()

	if idle {
		c.teardown()
	}
	return c.waitClose(ctx, done)
}

func (c *client) waitClose(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy tears the link down immediately. Every admitted request —
// queued or on the wire — fails with err (ErrDestroyed when nil).
func (c *client) Destroy(err error) error {
	if err == nil {
		err = ErrDestroyed
	}
	c.mu.Lock()
	if c.state == connDestroyed {
		c.mu.Unlock()
		return nil
	}
	c.state = connDestroyed
	w := c.w
	c.w = nil
	if c.epoch != nil {
		close(c.epoch)
		c.epoch = nil
	}
	outbound := c.outbound
	c.outbound = nil
	inflight := c.inflight
	c.inflight = make(map[uint32]pendingReq)
	done := c.closeDone
	c.mu.Unlock()

	if w != nil {
		w.close()
	}
	for _, pr := range outbound {
		pr.handler.OnError(err)
	}
	for _, pr := range inflight {
		pr.handler.OnError(err)
	}
	if w != nil {
		c.events.emitDisconnect(err)
	}
	close(c.done)
	if done != nil {
		close(done)
	}
	return nil
}

func (c *client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

func (c *client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

func (c *client) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *client) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

func (c *client) sizeLocked() int {
	return len(c.outbound) + len(c.inflight)
}

func (c *client) busyLocked() bool {
	return c.state != connActive || c.sizeLocked() >= c.opts.pipelineLimit()
}

func (c *client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.kick:
		case <-c.done:
			return
		}
		c.flush()
	}
}

// flush drains outbound onto the wire, dialing first if the link is
// down. Requests are registered in-flight before the write so the recv
// loop can never see a response for an unknown seq.
func (c *client) flush() {
	for {
		c.mu.Lock()
		if c.state == connDestroyed || len(c.outbound) == 0 {
			c.mu.Unlock()
			return
		}
		if c.w == nil {
			c.mu.Unlock()
			if err := c.connect(); err != nil {
				c.failOutbound(fmt.Errorf("conn: connect %s: %w", c.origin.Host, err))
				return
			}
			continue
		}
		pr := c.outbound[0]
		c.outbound = c.outbound[1:]
		c.seq++
		seq := c.seq
		c.inflight[seq] = pr
		w := c.w
		c.mu.Unlock()

		if err := w.writeRequest(seq, pr.req); err != nil {
			c.dropWire(w, err)
			return
		}
	}
}

// connect dials a fresh link and starts its recv and heartbeat loops.
func (c *client) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.dialTimeout())
	defer cancel()
	w, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == connDestroyed {
		c.mu.Unlock()
		w.close()
		return nil
	}
	c.w = w
	epoch := make(chan struct{})
	c.epoch = epoch
	c.mu.Unlock()

	go c.recvLoop(w)
	if hb := c.opts.heartbeatInterval(); hb > 0 {
		go c.heartbeatLoop(w, epoch, hb)
	}
	c.events.emitConnect()
	return nil
}

// recvLoop is the single reader for one link. Responses route back to
// handlers by seq; a read error retires the whole link.
func (c *client) recvLoop(w wire) {
	for {
		seq, resp, err := w.readResponse()
		if err != nil {
			c.dropWire(w, err)
			return
		}

		c.mu.Lock()
		pr, ok := c.inflight[seq]
		if ok {
			delete(c.inflight, seq)
		}
		finished := c.state == connClosing && c.sizeLocked() == 0
		c.mu.Unlock()

		if !ok {
			continue // response for a request already failed elsewhere
		}
		if rh, isResp := pr.handler.(ResponseHandler); isResp {
			rh.OnResponse(resp)
		} else if resp.Error != "" {
			pr.handler.OnError(fmt.Errorf("conn: origin error: %s", resp.Error))
		}

		if finished {
			c.teardown()
			return
		}
		c.maybeDrain()
	}
}

func (c *client) heartbeatLoop(w wire, epoch chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-epoch:
			return
		case <-ticker.C:
			if err := w.heartbeat(); err != nil {
				c.dropWire(w, err)
				return
			}
		}
	}
}

// dropWire retires a broken link: fails everything that was on the
// wire, reports the disconnect, and leaves queued dispatches in place
// so the next flush redials.
func (c *client) dropWire(w wire, err error) {
	c.mu.Lock()
	if c.w != w {
		c.mu.Unlock()
		return // someone else already retired this link
	}
	c.w = nil
	if c.epoch != nil {
		close(c.epoch)
		c.epoch = nil
	}
	inflight := c.inflight
	c.inflight = make(map[uint32]pendingReq)
	queued := len(c.outbound) > 0
	c.mu.Unlock()

	w.close()
	for _, pr := range inflight {
		pr.handler.OnError(err)
	}
	c.events.emitDisconnect(err)

	c.mu.Lock()
	finished := c.state == connClosing && c.sizeLocked() == 0
	c.mu.Unlock()
	if finished {
		c.teardown()
		return
	}
	if queued {
		c.wake()
	} else {
		c.maybeDrain()
	}
}

// failOutbound reports err to every queued-but-unsent dispatch.
// Used when a dial attempt fails: nothing reached the wire, so only
// outbound is affected.
func (c *client) failOutbound(err error) {
	c.mu.Lock()
	outbound := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, pr := range outbound {
		pr.handler.OnError(err)
	}

	c.mu.Lock()
	finished := c.state == connClosing && c.sizeLocked() == 0
	c.mu.Unlock()
	if finished {
		c.teardown()
		return
	}
	c.maybeDrain()
}

// maybeDrain reports capacity once the connection is active and below
// its pipeline limit again.
func (c *client) maybeDrain() {
	c.mu.Lock()
	ok := c.state == connActive && c.sizeLocked() < c.opts.pipelineLimit()
	c.mu.Unlock()
	if ok {
		c.events.emitDrain()
	}
}

// teardown finishes a graceful close: closes the link (if any), flips
// to destroyed, and fulfills the close completion exactly once.
func (c *client) teardown() {
	c.mu.Lock()
	if c.state == connDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = connDestroyed
	w := c.w
	c.w = nil
	if c.epoch != nil {
		close(c.epoch)
		c.epoch = nil
	}
	done := c.closeDone
	c.mu.Unlock()

	if w != nil {
		w.close()
		c.events.emitDisconnect(nil)
	}
	close(c.done)
	if done != nil {
		close(done)
	}
}
