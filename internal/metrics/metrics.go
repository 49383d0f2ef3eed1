// Package metrics holds the Prometheus collectors of the case pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CasesCreated counts accepted case submissions.
	CasesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "cases_created_total",
		Help:      "Cases created.",
	})

	// RunsFinished counts analysis runs by outcome (analyzed, failed, discarded).
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "analysis_runs_total",
		Help:      "Analysis runs by outcome.",
	}, []string{"outcome"})

	// RunDuration observes end-to-end analysis time.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harrier",
		Name:      "analysis_duration_seconds",
		Help:      "Analysis run duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"outcome"})

	// DetectorRuns counts detector executions by detector and result (ok, error, panic).
	DetectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "detector_runs_total",
		Help:      "Detector executions.",
	}, []string{"detector", "result"})

	// DetectorDuration observes detector execution time.
	DetectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harrier",
		Name:      "detector_duration_seconds",
		Help:      "Detector execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"detector"})

	// Explanations counts narratives by source and fallback reason.
	Explanations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "explanations_total",
		Help:      "Generated narratives by source and reason.",
	}, []string{"source", "reason"})

	// RiskLevels counts completed assessments per level.
	RiskLevels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "assessments_total",
		Help:      "Completed assessments by risk level.",
	}, []string{"level"})

	// RateLimited counts rejected API requests.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harrier",
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)
