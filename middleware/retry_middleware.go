package middleware

import (
	"context"
	"strings"
	"time"

	"amqp-rpc/message"

	"go.uber.org/zap"
)

// retryable lists the error fragments worth another attempt.
var retryable = []string{"timed out", "timeout", "connection refused", "temporarily unavailable"}

// RetryMiddleware re-runs the handler on transient errors, doubling the
// delay after each attempt. It gives up early when ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			rpcMessage := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !rpcMessage.Failed() || !isRetryable(rpcMessage.Error) {
					return rpcMessage
				}
				log.Warn("retrying call",
					zap.Int("attempt", i+1),
					zap.String("method", req.ServiceMethod),
					zap.String("error", rpcMessage.Error))

				t := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return rpcMessage
				}
				rpcMessage = next(ctx, req)
			}
			return rpcMessage
		}
	}
}

func isRetryable(errText string) bool {
	for _, s := range retryable {
		if strings.Contains(errText, s) {
			return true
		}
	}
	return false
}
