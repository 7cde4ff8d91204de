package migration

import "github.com/prometheus/client_golang/prometheus"

const promNamespace = "gosoo_migration"

var (
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "messages_sent_total",
		Help:      "Migration stream messages sent, by type.",
	}, []string{"type"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "bytes_sent_total",
		Help:      "Bytes written to migration streams.",
	})

	restores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "restores_total",
		Help:      "Restore attempts by outcome (resumed, aborted, failed).",
	}, []string{"outcome"})

	restoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "restore_duration_seconds",
		Help:      "Time from the start of a restore to the ME being resumed.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// RegisterMetrics registers the migration collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(messagesSent, bytesSent, restores, restoreDuration)
}
