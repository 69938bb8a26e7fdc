package middleware

import (
	"context"
	"errors"
	"time"

	"amqp-rpc/message"
)

// TimeOutMiddleware bounds the handler by timeout. An earlier deadline on
// the incoming context wins. The handler keeps running after the reply is
// sent; it sees the canceled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return message.Failure(req.ServiceMethod, "request canceled")
				}
				return message.Failure(req.ServiceMethod, "request timed out")
			}
		}
	}
}
