// Package metrics exposes Prometheus instrumentation for the session
// lifecycle, process supervision and archive operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionStarts tracks Start outcomes by result label
	// (ok, already_active, spawn_failed, startup_timeout, invalid_key).
	SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_session_starts_total",
		Help: "Total number of session start attempts",
	}, []string{"result"})

	// SessionsActive tracks the number of sessions in a non-terminal state.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_sessions_active",
		Help: "Number of sessions currently in a non-terminal state",
	})

	// SessionEnds tracks terminal transitions by reason (stopped, crashed, killed).
	SessionEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_session_ends_total",
		Help: "Total number of sessions reaching a terminal state",
	}, []string{"reason"})

	// ArchiveOps tracks archive attempts by result (ok, not_found, unstable, storage_error).
	ArchiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_archive_ops_total",
		Help: "Total number of archive operations",
	}, []string{"result"})

	// ArchiveDuration tracks how long snapshot copies take.
	ArchiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamgate_archive_duration_seconds",
		Help:    "Duration of archive snapshot copies",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 12),
	})

	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_proc_terminate_total",
		Help: "Total number of termination signals sent to transcoder process groups",
	}, []string{"signal", "result"})

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_proc_wait_total",
		Help: "Total number of transcoder process reaps by outcome",
	}, []string{"outcome"})

	fileRequestDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_file_request_denied_total",
		Help: "Total number of denied playlist/segment file requests",
	}, []string{"reason"})
)

// IncProcTerminate records a termination signal attempt.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait records a process reap outcome.
func IncProcWait(outcome string) {
	procWait.WithLabelValues(outcome).Inc()
}

// IncFileRequestDenied records a denied file request.
func IncFileRequestDenied(reason string) {
	fileRequestDenied.WithLabelValues(reason).Inc()
}
