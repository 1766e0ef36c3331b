// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ilindex.indexer")

var (
	// phaseDuration measures each stage of a run.
	//
	// Labels:
	//   - phase: "load", "debug", "register" or "decode"
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ilindex",
			Subsystem: "indexer",
			Name:      "phase_duration_seconds",
			Help:      "Duration of indexing phases in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"phase"},
	)

	// methodsQueuedTotal counts methods accepted onto the worklist.
	//
	// Labels:
	//   - source: "registry" or "async"
	methodsQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "indexer",
			Name:      "methods_queued_total",
			Help:      "Total methods queued for decoding by source.",
		},
		[]string{"source"},
	)

	// runsTotal counts finished runs.
	//
	// Labels:
	//   - outcome: "success" or "error"
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "indexer",
			Name:      "runs_total",
			Help:      "Total indexing runs by outcome.",
		},
		[]string{"outcome"},
	)
)

func observePhase(phase string, start time.Time) time.Duration {
	d := time.Since(start)
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	return d
}
