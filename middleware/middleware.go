// Package middleware provides composable interceptors around pool
// dispatch: cross-cutting behavior (logging, rate limiting) wraps the
// dispatch path without the pool knowing about any of it.
package middleware

import (
	"mini-pool/conn"
	"mini-pool/message"
)

// DispatchFunc is the dispatch signature shared by Pool and Conn:
// submit a request with its handler, get back the backpressure boolean.
type DispatchFunc func(req *message.Request, h conn.Handler) bool

// Middleware wraps a DispatchFunc with extra behavior.
type Middleware func(next DispatchFunc) DispatchFunc

// Chain composes middlewares into one. Chain(A, B, C)(dispatch) runs
// A's logic first, then B's, then C's, then the dispatch itself.
func Chain(middlewares ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
