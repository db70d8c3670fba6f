package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	ledgerRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "records_total",
		Help:      "Ledger record attempts by result.",
	}, []string{"result"})

	ledgerRecordDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "record_duration_seconds",
		Help:      "Latency of ledger record calls.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	outboxEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "outbox_enqueued_total",
		Help:      "Ledger writes placed in the outbox.",
	})

	outboxDeadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "outbox_dead_total",
		Help:      "Ledger writes abandoned after exhausting retries.",
	})

	outboxPostponedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "outbox_postponed_total",
		Help:      "Ledger writes postponed because the ledger circuit was open.",
	})

	outboxEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "eazepay",
		Subsystem: "ledger",
		Name:      "outbox_entries",
		Help:      "Outbox entries by state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		ledgerRecordsTotal,
		ledgerRecordDuration,
		outboxEnqueuedTotal,
		outboxDeadTotal,
		outboxPostponedTotal,
		outboxEntries,
	)
}
