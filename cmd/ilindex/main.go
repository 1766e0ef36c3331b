// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ilindex indexes .NET assemblies into a symbol and reference
// store.
//
// Usage:
//
//	ilindex --input App.yaml --output-dir out/ [flags]
//	ilindex --list-file inputs.txt --output-file out/app.srctrldb
//	ilindex --input App.yaml --dry-run --export-json app.json
//
// Each input is a metadata dump of one assembly. Referenced assemblies are
// looked up next to the input and in every --search-path. Types of foreign
// assemblies are recorded as non-indexed unless their namespace matches a
// --follow pattern.
//
// Configuration:
//
// Settings are merged in three layers: built-in defaults, the YAML file
// named by --config, then flags given on the command line. List flags
// given on the command line are appended to the lists of the file.
//
// Exit codes:
//
//	0 - Success
//	1 - Usage, configuration or input error
//	2 - Indexing failed
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
