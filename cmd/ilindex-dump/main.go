// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// ilindex-dump inspects an index written by ilindex.
//
// The index is a BadgerDB directory. This tool opens it read-only and
// prints the manifest of the run that produced it, symbol and reference
// counts per kind, and the first symbols with their outgoing references.
//
// Usage:
//
//	ilindex-dump --path out/Acme.App.srctrldb [--limit 20] [--json]
//
// If --path is not given, reads ILINDEX_INDEX from the environment.
// With --json the complete index is printed in the export format instead.
//
// Exit codes:
//
//	0 - success (including an empty index)
//	1 - usage error, or error opening or reading the index
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/AleutianAI/ilindex/services/indexer/naming"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

const envIndexPath = "ILINDEX_INDEX"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ilindex-dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pathFlag := fs.String("path", "", "Path to the index directory (overrides "+envIndexPath+")")
	limit := fs.Int("limit", 20, "Number of symbols to list; 0 lists none, -1 lists all")
	asJSON := fs.Bool("json", false, "Print the complete index as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *pathFlag
	if path == "" {
		path = os.Getenv(envIndexPath)
	}
	if path == "" {
		return fail(stderr, "no index given; use --path or set %s", envIndexPath)
	}
	if _, err := os.Stat(path); err != nil {
		return fail(stderr, "index %s: %v", path, err)
	}

	s := store.NewBadgerStore(nil, store.WithReadOnly())
	if err := s.Open(path); err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = s.Close() }()

	ix, err := s.Export(ctx)
	if err != nil {
		return fail(stderr, "reading index: %v", err)
	}

	if *asJSON {
		if err := ix.WriteJSON(stdout); err != nil {
			return fail(stderr, "%v", err)
		}
		return 0
	}
	printSummary(stdout, path, ix, *limit)
	return 0
}

func fail(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, "ilindex-dump: "+format+"\n", args...)
	return 1
}

func printSummary(w io.Writer, path string, ix *store.Index, limit int) {
	fmt.Fprintf(w, "Index path: %s\n", path)
	fmt.Fprintf(w, "Schema:     %s\n", ix.SchemaVersion)
	if m := ix.Manifest; m != nil {
		fmt.Fprintf(w, "Tool:       %s %s (created %s)\n", m.Tool, m.Version, m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		for _, in := range m.Inputs {
			fmt.Fprintf(w, "Input:      %s  %s  %s  hash %s\n", in.Assembly, in.Path, formatBytes(in.Size), in.Hash)
		}
	}

	symbolKinds := make(map[string]int)
	for _, s := range ix.Symbols {
		symbolKinds[s.Kind.String()]++
	}
	refKinds := make(map[string]int)
	for k, n := range ix.CountByKind() {
		refKinds[k.String()] = n
	}
	fmt.Fprintf(w, "Symbols:    %d%s\n", len(ix.Symbols), tally(symbolKinds))
	fmt.Fprintf(w, "References: %d%s\n", len(ix.References), tally(refKinds))

	if len(ix.Symbols) == 0 {
		fmt.Fprintln(w, "\nThe index is empty.")
		return
	}
	if limit == 0 {
		return
	}

	outgoing := make(map[int][]store.ReferenceRecord)
	for _, r := range ix.References {
		outgoing[r.SourceID] = append(outgoing[r.SourceID], r)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("─", 80))
	for i, s := range ix.Symbols {
		if limit > 0 && i == limit {
			fmt.Fprintf(w, "\n... %d more symbols (use --limit -1 to list all)\n", len(ix.Symbols)-limit)
			break
		}
		fmt.Fprintf(w, "[%d] %-14s %s (%s)\n", s.ID, s.Kind, naming.Display(s.Name), s.DefinitionKind)
		for _, r := range outgoing[s.ID] {
			target := fmt.Sprintf("#%d", r.TargetID)
			if t, ok := ix.Symbol(r.TargetID); ok {
				target = naming.Display(t.Name)
			}
			fmt.Fprintf(w, "    -> %-10s %s\n", r.Kind, target)
		}
	}
}

func tally(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %d", name, counts[name]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// formatBytes returns a human-readable byte count string.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
