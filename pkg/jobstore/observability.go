package jobstore

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LockResultAcquired = "acquired"
	LockResultLost     = "lost"
	LockResultError    = "error"
)

var (
	lockAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstore_lock_attempts_total",
			Help: "Total number of exclusive lock attempts by outcome",
		},
		[]string{"backend", "result"},
	)

	indexLearnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstore_index_learns_total",
			Help: "Total number of full key scans that rebuilt the key index",
		},
		[]string{"backend"},
	)

	clearedLocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstore_cleared_locks_total",
			Help: "Total number of job locks released by clear-locks",
		},
		[]string{"backend"},
	)

	availableCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobstore_available_candidates",
			Help:    "Number of candidates returned by find-available",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"backend"},
	)
)

// RecordLockAttempt counts one LockExclusively outcome.
func RecordLockAttempt(backend string, acquired bool, err error) {
	result := LockResultLost
	switch {
	case err != nil:
		result = LockResultError
	case acquired:
		result = LockResultAcquired
	}
	lockAttemptsTotal.WithLabelValues(normalizeMetricLabel(backend, "unknown"), result).Inc()
}

// RecordIndexLearn counts one rebuild of a key index by scanning the store.
func RecordIndexLearn(backend string) {
	indexLearnsTotal.WithLabelValues(normalizeMetricLabel(backend, "unknown")).Inc()
}

// RecordClearedLocks adds count released claims. Non-positive counts are ignored.
func RecordClearedLocks(backend string, count int) {
	if count <= 0 {
		return
	}
	clearedLocksTotal.WithLabelValues(normalizeMetricLabel(backend, "unknown")).Add(float64(count))
}

// RecordAvailable observes how many candidates one FindAvailable call returned.
func RecordAvailable(backend string, count int) {
	availableCandidates.WithLabelValues(normalizeMetricLabel(backend, "unknown")).Observe(float64(count))
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
