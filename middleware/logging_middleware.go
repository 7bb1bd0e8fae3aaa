package middleware

import (
	"go.uber.org/zap"

	"mini-pool/conn"
	"mini-pool/message"
)

// Logging logs every dispatch admission and whether the pool reported
// backpressure. It deliberately does not wrap the handler: wrapping
// would hide the handler's richer capabilities (such as response
// delivery) from the connection.
func Logging(logger *zap.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(req *message.Request, h conn.Handler) bool {
			accepted := next(req, h)
			logger.Debug("dispatch",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Bool("accepted", accepted))
			return accepted
		}
	}
}
