// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/ilindex/services/indexer/indexer"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// summaryStyles renders for the writer it prints to, so redirected output
// carries no escape sequences.
type summaryStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	warn  lipgloss.Style
	hint  lipgloss.Style
}

func newSummaryStyles(w io.Writer) summaryStyles {
	r := lipgloss.NewRenderer(w)
	return summaryStyles{
		title: r.NewStyle().Bold(true),
		label: r.NewStyle().Width(14).PaddingLeft(2).Foreground(lipgloss.Color("8")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("11")),
		hint:  r.NewStyle().Italic(true),
	}
}

// writeSummary prints the outcome of a run. An empty target means nothing
// was written.
func writeSummary(w io.Writer, res *indexer.Result, target string) {
	st := newSummaryStyles(w)
	s := res.Stats

	if target == "" {
		fmt.Fprintln(w, st.title.Render(fmt.Sprintf("Indexed %s (dry run, nothing written)", plural(s.InputsLoaded, "input"))))
	} else {
		fmt.Fprintln(w, st.title.Render(fmt.Sprintf("Indexed %s into %s", plural(s.InputsLoaded, "input"), target)))
	}

	row := func(label, value string) {
		fmt.Fprintln(w, st.label.Render(label)+value)
	}
	if len(res.Assemblies) > 0 {
		parts := make([]string, 0, len(res.Assemblies))
		for _, a := range res.Assemblies {
			parts = append(parts, fmt.Sprintf("%s (%s)", a.Assembly, plural(a.Types, "type")))
		}
		row("assemblies", strings.Join(parts, ", "))
	}
	row("symbols", fmt.Sprintf("%d", s.Symbols))
	row("references", fmt.Sprintf("%d%s", s.References, kindBreakdown(s.RefsByKind)))
	row("methods", fmt.Sprintf("%d decoded, %s", s.MethodsDecoded, plural(s.AsyncWorkers, "async worker")))
	row("debug files", fmt.Sprintf("%d", s.DebugFiles))
	row("skipped", fmt.Sprintf("%d filtered, %d global", res.SkippedFilteredTypes, res.SkippedGlobalTypes))
	row("duration", s.Duration.Round(time.Millisecond).String())

	if len(res.Unresolved) > 0 {
		fmt.Fprintln(w, st.warn.Render("Unresolved assemblies: "+strings.Join(res.Unresolved, ", ")))
		fmt.Fprintln(w, st.hint.Render("  hint: add the directories holding them with --search-path"))
	}
	if res.SkippedGlobalTypes > 0 {
		fmt.Fprintln(w, st.hint.Render(fmt.Sprintf("%s outside any namespace skipped; pass --allow-global-types to index them",
			plural(res.SkippedGlobalTypes, "type"))))
	}
	for _, warning := range res.Warnings {
		fmt.Fprintln(w, st.warn.Render("warning: "+warning.Error()))
	}
}

func kindBreakdown(counts map[store.ReferenceKind]int) string {
	if len(counts) == 0 {
		return ""
	}
	kinds := make([]store.ReferenceKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
