package middleware

import (
	"context"

	"amqp-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits r requests per second with the given burst.
// A request whose context carries a deadline waits for a token as long as
// the deadline allows; requests without one are rejected straight away.
// Rejected requests are answered, not requeued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if _, ok := ctx.Deadline(); ok {
				if limiter.Wait(ctx) != nil {
					return message.Failure(req.ServiceMethod, "rate limit exceeded")
				}
			} else if !limiter.Allow() {
				return message.Failure(req.ServiceMethod, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
