package middleware

import (
	"context"
	"time"

	"amqp-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			rpcMessage := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if rpcMessage.Failed() {
				log.Warn("call failed", append(fields, zap.String("error", rpcMessage.Error))...)
			} else {
				log.Info("call", fields...)
			}
			return rpcMessage
		}
	}
}
