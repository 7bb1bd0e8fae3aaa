// Package conn provides persistent client connections to a single
// origin, suitable for management by a pool.
//
// A connection accepts dispatches, multiplexes them over one underlying
// link using per-request sequence IDs, and reports its lifecycle
// through a fixed set of event callbacks subscribed at construction.
// Two transports are provided: a framed TCP/TLS transport (FrameConn)
// and a WebSocket transport (WSConn). Both share the same engine and
// differ only in how bytes hit the wire.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"mini-pool/codec"
	"mini-pool/message"
)

var (
	// ErrClosed is reported to handlers dispatched to a connection that
	// is closing or closed.
	ErrClosed = errors.New("connection closed")

	// ErrDestroyed is reported to handlers when a connection was
	// destroyed, and to in-flight handlers when Destroy is called with
	// a nil error.
	ErrDestroyed = errors.New("connection destroyed")
)

// Handler receives the outcome of a dispatched request. OnError is the
// only capability a connection (or pool) requires; it is invoked at
// most once, with the reason the request could not complete.
type Handler interface {
	OnError(err error)
}

// ResponseHandler is the richer handler most callers implement.
// Connections type-assert for it when a response frame arrives;
// handlers lacking it simply never observe successful responses.
type ResponseHandler interface {
	Handler
	OnResponse(resp *message.Response)
}

// Events is the fixed observer set a connection reports through.
// All callbacks are optional. They are delivered from the connection's
// own goroutines with no internal lock held, and never synchronously
// from inside Dispatch, so an event handler may safely call back into
// the connection.
//
// OnDisconnect is only ever delivered after a matching OnConnect.
type Events struct {
	// OnConnect fires after the underlying link is (re)established.
	OnConnect func()

	// OnDisconnect fires when an established link is torn down.
	// err is nil for a graceful close.
	OnDisconnect func(err error)

	// OnDrain fires when the connection drops back below its pipeline
	// limit and can accept another dispatch.
	OnDrain func()

	// OnSession fires when a TLS-enabled connection observes a new
	// session ticket usable to resume future handshakes.
	OnSession func(ticket []byte)
}

func (e Events) emitConnect() {
	if e.OnConnect != nil {
		e.OnConnect()
	}
}

func (e Events) emitDisconnect(err error) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(err)
	}
}

func (e Events) emitDrain() {
	if e.OnDrain != nil {
		e.OnDrain()
	}
}

func (e Events) emitSession(ticket []byte) {
	if e.OnSession != nil {
		e.OnSession(ticket)
	}
}

// Conn is one persistent link to an origin.
//
// Dispatch admits a request and returns false when the connection is
// now saturated (callers should wait for OnDrain before dispatching
// more). Close drains in-flight work before tearing the link down;
// Destroy tears it down immediately, failing everything outstanding.
type Conn interface {
	Dispatch(req *message.Request, h Handler) bool
	Close(ctx context.Context) error
	Destroy(err error) error

	// Busy reports whether the connection cannot take another dispatch
	// right now. Pending counts admitted-but-unsent requests, Running
	// counts requests on the wire awaiting a response, and Size is
	// their sum.
	Busy() bool
	Pending() int
	Running() int
	Size() int
}

// TLSOptions enables TLS on a connection and controls session reuse.
type TLSOptions struct {
	ServerName         string
	InsecureSkipVerify bool

	// DisableSessionReuse turns off session-ticket caching entirely:
	// no ticket is sent on the handshake and OnSession never fires.
	DisableSessionReuse bool

	// Session is a serialized session ticket (as previously delivered
	// via OnSession) to resume on the first handshake.
	Session []byte
}

// Clone returns a deep copy.
func (t *TLSOptions) Clone() *TLSOptions {
	if t == nil {
		return nil
	}
	out := *t
	if t.Session != nil {
		out.Session = make([]byte, len(t.Session))
		copy(out.Session, t.Session)
	}
	return &out
}

// Options configures a connection at construction time.
type Options struct {
	// Codec selects the wire serialization for the framed transport.
	Codec codec.CodecType

	// PipelineLimit is the number of requests that may be in flight
	// before the connection reports Busy. Zero means 1 (no pipelining).
	PipelineLimit int

	// DialTimeout bounds the (re)connect attempt. Zero means 10s.
	DialTimeout time.Duration

	// HeartbeatInterval is the keep-alive probe period. Zero means 30s;
	// a negative value disables heartbeats.
	HeartbeatInterval time.Duration

	// TLS enables TLS when non-nil.
	TLS *TLSOptions
}

// Clone returns a deep copy, so a caller mutating its Options after
// construction cannot affect a live connection.
func (o Options) Clone() Options {
	out := o
	out.TLS = o.TLS.Clone()
	return out
}

func (o Options) pipelineLimit() int {
	if o.PipelineLimit <= 0 {
		return 1
	}
	return o.PipelineLimit
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

func (o Options) heartbeatInterval() time.Duration {
	if o.HeartbeatInterval == 0 {
		return 30 * time.Second
	}
	return o.HeartbeatInterval
}

// tlsConfig builds the crypto/tls client config, wiring the session
// cache that injects a pre-set ticket and reports fresh ones.
func (o Options) tlsConfig(host string, cache tls.ClientSessionCache) *tls.Config {
	cfg := &tls.Config{
		ServerName:         o.TLS.ServerName,
		InsecureSkipVerify: o.TLS.InsecureSkipVerify,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if !o.TLS.DisableSessionReuse {
		cfg.ClientSessionCache = cache
	}
	return cfg
}
