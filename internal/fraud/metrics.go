package fraud

import "github.com/prometheus/client_golang/prometheus"

var (
	fraudChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "fraud",
		Name:      "checks_total",
		Help:      "Fraud checks by result (scored or fallback).",
	}, []string{"result"})

	fraudFallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "fraud",
		Name:      "fallbacks_total",
		Help:      "Fallback decisions by reason.",
	}, []string{"reason"})

	fraudCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eazepay",
		Subsystem: "fraud",
		Name:      "check_duration_seconds",
		Help:      "Latency of fraud checks including fallbacks.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(fraudChecksTotal, fraudFallbacksTotal, fraudCheckDuration)
}
