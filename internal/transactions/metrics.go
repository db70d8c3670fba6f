package transactions

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "transactions",
		Name:      "created_total",
		Help:      "Transactions created by resulting status.",
	}, []string{"status"})

	integrityChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "transactions",
		Name:      "integrity_checks_total",
		Help:      "Ledger integrity verifications by outcome.",
	}, []string{"valid"})

	ledgerFailuresAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eazepay",
		Subsystem: "transactions",
		Name:      "ledger_failures_applied_total",
		Help:      "Status changes caused by abandoned ledger writes.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(transactionsCreatedTotal, integrityChecksTotal, ledgerFailuresAppliedTotal)
}
