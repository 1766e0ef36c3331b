// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	methodsDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ilindex",
		Subsystem: "cil",
		Name:      "methods_decoded_total",
		Help:      "Total method bodies decoded.",
	})

	// decodeIssuesTotal counts scan problems.
	//
	// Labels:
	//   - kind: "unknown_opcode", "unknown_length" or "truncated"
	decodeIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "cil",
			Name:      "decode_issues_total",
			Help:      "Total problems found while scanning method bodies.",
		},
		[]string{"kind"},
	)

	// resolveFailuresTotal counts operands whose token did not resolve.
	//
	// Labels:
	//   - kind: "call", "field", "type" or "method_ref"
	resolveFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "cil",
			Name:      "resolve_failures_total",
			Help:      "Total operand tokens that could not be resolved.",
		},
		[]string{"kind"},
	)

	// eventsTotal counts resolved reference events.
	//
	// Labels:
	//   - kind: "call", "field", "type" or "method_ref"
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ilindex",
			Subsystem: "cil",
			Name:      "events_total",
			Help:      "Total resolved reference events.",
		},
		[]string{"kind"},
	)
)
