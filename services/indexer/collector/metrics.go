// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// symbolsTotal counts newly recorded symbols.
	//
	// Labels:
	//   - kind: symbol kind name ("class", "method", ...)
	symbolsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "collector",
			Name:      "symbols_total",
			Help:      "Total symbols recorded in the store.",
		},
		[]string{"kind"},
	)

	// referencesTotal counts recorded reference edges.
	//
	// Labels:
	//   - kind: "type_usage", "usage" or "call"
	referencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "collector",
			Name:      "references_total",
			Help:      "Total reference edges recorded in the store.",
		},
		[]string{"kind"},
	)
)
