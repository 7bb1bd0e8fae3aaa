package pool

import "errors"

var (
	// ErrClosed is reported for dispatches attempted while the pool is
	// gracefully closing.
	ErrClosed = errors.New("pool closed")

	// ErrDestroyed is reported for dispatches (and repeated Close
	// calls) after the pool is destroyed. It is also the default error
	// delivered to queued handlers when Destroy is called with nil.
	ErrDestroyed = errors.New("pool destroyed")
)
