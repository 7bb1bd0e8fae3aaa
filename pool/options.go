package pool

import (
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"mini-pool/conn"
)

// Factory builds one connection to the origin. The pool hands it the
// per-connection options (already merged with any cached TLS session)
// and the event set it wants subscribed. A factory must not invoke any
// of the events synchronously during construction.
type Factory func(origin *url.URL, opts conn.Options, events conn.Events) conn.Conn

// Options configures a Pool at construction. The Conn options are
// deep-copied by New, so mutating them afterwards has no effect on the
// pool.
type Options struct {
	// ConnectionLimit bounds how many connections the pool may hold.
	// Zero means unbounded; negative is an error.
	ConnectionLimit int

	// Conn is the construction-time options snapshot applied to every
	// connection the pool creates.
	Conn conn.Options

	// Factory overrides how connections are built. Defaults to
	// conn.NewFrameConn. Tests and alternative transports (for example
	// conn.NewWSConn) plug in here.
	Factory Factory

	// Logger receives pool lifecycle logging. Defaults to a no-op.
	Logger *zap.Logger

	// OnConnect fires when any pool connection establishes its link.
	OnConnect func(c conn.Conn)

	// OnDisconnect fires when any pool connection loses its link;
	// err is nil for a graceful close.
	OnDisconnect func(c conn.Conn, err error)

	// OnDrain fires when backpressure releases: the pool had refused
	// immediate service (or gone fully busy) and now has capacity
	// again. Producers that saw Dispatch return false should resume
	// here.
	OnDrain func()
}

func (o Options) validate() error {
	if o.ConnectionLimit < 0 {
		return fmt.Errorf("pool: invalid connection limit %d", o.ConnectionLimit)
	}
	return nil
}
