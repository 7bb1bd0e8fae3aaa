package middleware

import (
	"errors"

	"golang.org/x/time/rate"

	"mini-pool/conn"
	"mini-pool/message"
)

// ErrRateLimited is reported to handlers whose dispatch exceeded the
// configured rate.
var ErrRateLimited = errors.New("dispatch rate limit exceeded")

// RateLimit rejects dispatches beyond a token-bucket rate of r
// requests per second with the given burst. Rejections go through the
// handler's error path like every other dispatch failure.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next DispatchFunc) DispatchFunc {
		return func(req *message.Request, h conn.Handler) bool {
			if !limiter.Allow() {
				h.OnError(ErrRateLimited)
				return false
			}
			return next(req, h)
		}
	}
}
