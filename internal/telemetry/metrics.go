package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PingsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "gossip",
		Name:      "pings_sent_total",
		Help:      "Total number of probe PINGs sent.",
	})

	AcksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "gossip",
		Name:      "acks_received_total",
		Help:      "Total number of ACKs received for probes.",
	})

	AckTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "gossip",
		Name:      "ack_timeouts_total",
		Help:      "Probes that timed out waiting for an ACK.",
	})

	MemberTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eroole",
			Subsystem: "gossip",
			Name:      "member_transitions_total",
			Help:      "Member state transitions observed locally.",
		},
		[]string{"to"},
	)

	MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "gossip",
		Name:      "malformed_messages_total",
		Help:      "Datagrams dropped by wire validation.",
	})

	DroppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "gossip",
		Name:      "dropped_updates_total",
		Help:      "Pending updates dropped because the queue was full.",
	})

	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "transport",
		Name:      "send_errors_total",
		Help:      "Datagram sends that failed. Not retried; gossip redundancy absorbs the loss.",
	})

	RecvErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eroole",
		Subsystem: "transport",
		Name:      "recv_errors_total",
		Help:      "Datagram receives that failed.",
	})

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eroole",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "eroole",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PingsSent, AcksReceived, AckTimeouts, MemberTransitions,
		MalformedMessages, DroppedUpdates, SendErrors, RecvErrors,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
