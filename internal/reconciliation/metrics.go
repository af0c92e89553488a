package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aetherlock",
		Subsystem: "reconciliation",
		Name:      "holding_mismatches",
		Help:      "Escrows whose ledger holding disagreed with the record in the last run.",
	})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aetherlock",
		Subsystem: "reconciliation",
		Name:      "escrows_checked",
		Help:      "Active escrows checked in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aetherlock",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aetherlock",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs aborted by a read error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
