package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusRecomputations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_status_recomputations_total",
			Help: "Total number of loan status recomputations by outcome",
		},
		[]string{"result"}, // unchanged, changed, failed
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_status_transitions_total",
			Help: "Total number of persisted loan status changes",
		},
		[]string{"from", "to"},
	)

	PaymentsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_payments_recorded_total",
			Help: "Total number of payments recorded",
		},
		[]string{"modality", "type"},
	)

	LoanDataIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_data_issues_total",
			Help: "Total number of malformed loan values found while deriving state",
		},
		[]string{"code"},
	)

	StateCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_state_cache_lookups_total",
			Help: "Derived loan state cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loan_status_sweep_duration_seconds",
			Help:    "Duration of the periodic loan status sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoansByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loans_by_status",
			Help: "Number of loans per status after the last sweep",
		},
		[]string{"status"},
	)
)
