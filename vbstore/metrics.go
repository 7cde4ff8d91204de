package vbstore

import "github.com/prometheus/client_golang/prometheus"

const promNamespace = "gosoo_vbstore"

var (
	talkDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "talk_durations_histogram_milliseconds",
		Help:      "Round trip latency of store requests.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	},
		[]string{"type"},
	)

	watchEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "watch_events_total",
		Help:      "Watch events received from the store.",
	})

	watchCallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "watch_callbacks_total",
		Help:      "Watch callbacks invoked by the dispatcher.",
	})

	requestOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "request_overflows_total",
		Help:      "Requests rejected because the request ring had no room.",
	})
)

// RegisterMetrics registers the client collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(talkDurations)
	reg.MustRegister(watchEvents)
	reg.MustRegister(watchCallbacks)
	reg.MustRegister(requestOverflows)
}
