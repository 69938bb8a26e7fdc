package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"amqp-rpc/message"
	"amqp-rpc/middleware"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// flaky fails the first call with a transient error.
func flaky(calls *atomic.Int32) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) == 1 {
			return message.Failure(req.ServiceMethod, "connection refused")
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: []byte(`{"Result":3}`)}
	}
}

// 测试 --retries 把重试中间件接入调用链
func TestServeMiddlewaresRetry(t *testing.T) {
	var calls atomic.Int32
	o := chainOptions{timeout: time.Second, retries: 2, retryDelay: time.Millisecond}
	handler := middleware.Chain(serveMiddlewares(o, zap.NewNop(), prometheus.NewRegistry())...)(flaky(&calls))

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.False(t, resp.Failed())
	assert.Equal(t, int32(2), calls.Load())
}

func TestServeMiddlewaresNoRetry(t *testing.T) {
	var calls atomic.Int32
	o := chainOptions{timeout: time.Second}
	handler := middleware.Chain(serveMiddlewares(o, zap.NewNop(), prometheus.NewRegistry())...)(flaky(&calls))

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.Equal(t, "connection refused", resp.Error)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServeMiddlewaresTimeoutPerAttempt(t *testing.T) {
	var calls atomic.Int32
	slowOnce := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) == 1 {
			<-ctx.Done()
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	}
	o := chainOptions{timeout: 20 * time.Millisecond, retries: 1, retryDelay: time.Millisecond}
	handler := middleware.Chain(serveMiddlewares(o, zap.NewNop(), prometheus.NewRegistry())...)(slowOnce)

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "Arith.Add"})
	assert.False(t, resp.Failed())
	assert.Equal(t, int32(2), calls.Load())
}
