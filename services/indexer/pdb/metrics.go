// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// filesTotal counts debug file lookups.
//
// Labels:
//   - format: "portable", "windows" or "unknown"
//   - outcome: "loaded", "missing" or "failed"
var filesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ilindex",
		Subsystem: "pdb",
		Name:      "files_total",
		Help:      "Total debug file lookups by format and outcome.",
	},
	[]string{"format", "outcome"},
)
