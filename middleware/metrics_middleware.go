package middleware

import (
	"context"
	"time"

	"amqp-rpc/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsMiddleware counts calls and observes their duration per method.
// A nil registerer leaves the collectors unregistered.
func MetricsMiddleware(reg prometheus.Registerer) Middleware {
	factory := promauto.With(reg)
	calls := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amqp_rpc",
		Subsystem: "server",
		Name:      "calls_total",
		Help:      "Calls handled, by method and outcome.",
	}, []string{"method", "outcome"})
	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "amqp_rpc",
		Subsystem: "server",
		Name:      "call_duration_seconds",
		Help:      "Handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			rpcMessage := next(ctx, req)
			duration.WithLabelValues(req.ServiceMethod).Observe(time.Since(start).Seconds())
			outcome := "ok"
			if rpcMessage.Failed() {
				outcome = "error"
			}
			calls.WithLabelValues(req.ServiceMethod, outcome).Inc()
			return rpcMessage
		}
	}
}
