package main

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试 --stats 输出计数器和仪表，跳过直方图
func TestWriteStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	purged := factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "amqp_rpc_requests_purged_total",
		ConstLabels: prometheus.Labels{"conn": "cli"},
	}, []string{"reason"})
	purged.WithLabelValues("undeliverable").Add(2)
	factory.NewGauge(prometheus.GaugeOpts{Name: "amqp_rpc_buffered_writes"}).Set(3)
	factory.NewHistogram(prometheus.HistogramOpts{Name: "amqp_rpc_latency_seconds"}).Observe(1)

	var out bytes.Buffer
	require.NoError(t, writeStats(&out, reg))
	assert.Equal(t, "amqp_rpc_buffered_writes{} 3\n"+
		"amqp_rpc_requests_purged_total{conn=cli,reason=undeliverable} 2\n", out.String())
}
