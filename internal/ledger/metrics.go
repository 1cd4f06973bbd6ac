package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDiscrepancies = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobescrow",
		Subsystem: "reconciliation",
		Name:      "discrepancies",
		Help:      "Invariant violations found in the last reconciliation run, by check.",
	}, []string{"check"})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobescrow",
		Subsystem: "reconciliation",
		Name:      "payments_checked",
		Help:      "Number of payments examined in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to load payments.",
	})
)

var allChecks = []Check{
	CheckFeeBalance,
	CheckNetBalance,
	CheckMilestoneGross,
	CheckMilestoneNet,
	CheckReleasedNet,
	CheckUnpaidMilestones,
	CheckTimestamps,
	CheckStatus,
	CheckAmountBounds,
}

func init() {
	prometheus.MustRegister(
		reconcileDiscrepancies,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}

// recordRun publishes a run's results. Every known check is written so a
// check that stops failing drops back to zero.
func recordRun(report *Report) {
	counts := make(map[Check]int, len(allChecks))
	for _, d := range report.Discrepancies {
		counts[d.Check]++
	}
	for _, c := range allChecks {
		reconcileDiscrepancies.WithLabelValues(string(c)).Set(float64(counts[c]))
	}
	reconcileChecked.Set(float64(report.Checked))
	reconcileDuration.Observe(report.Duration.Seconds())
}
