package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "amqp_rpc"

// metrics holds the prometheus collectors of one Conn.
type metrics struct {
	state           prometheus.Gauge
	reconnects      prometheus.Counter
	connectFailures prometheus.Counter
	published       prometheus.Counter
	bufferedWrites  prometheus.Gauge
	frames          prometheus.Counter
	unknown         prometheus.Counter
	returned        prometheus.Counter
	purged          *prometheus.CounterVec
}

// newMetrics creates the collectors. A nil registerer leaves them unregistered.
func newMetrics(reg prometheus.Registerer, name string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"conn": name}

	return &metrics{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connection_state",
			Help:        "Connection state: 0=disconnected 1=connecting 2=open 3=closing",
			ConstLabels: labels,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "reconnects_scheduled_total",
			Help:        "Reconnect attempts scheduled after an unexpected closure",
			ConstLabels: labels,
		}),
		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connect_failures_total",
			Help:        "Failed connect chains",
			ConstLabels: labels,
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_published_total",
			Help:        "Request frames published to the services exchange",
			ConstLabels: labels,
		}),
		bufferedWrites: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "buffered_writes",
			Help:        "Writes held while the connection is not open",
			ConstLabels: labels,
		}),
		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_dispatched_total",
			Help:        "Reply frames decoded and handed to a service client",
			ConstLabels: labels,
		}),
		unknown: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "unknown_responses_total",
			Help:        "Reply frames with no matching pending request or function",
			ConstLabels: labels,
		}),
		returned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "returned_messages_total",
			Help:        "Publishes returned by the broker as unroutable",
			ConstLabels: labels,
		}),
		purged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "requests_purged_total",
			Help:        "Pending requests failed by the transport, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
}
