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
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ilindex/services/indexer/config"
)

const (
	exitOK     = 0
	exitUsage  = 1
	exitFailed = 2
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

func failure(err error) error { return &exitError{code: exitFailed, err: err} }

// streams are the standard streams of one invocation.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// flag names shared by the definition and the config overlay.
const (
	flagInput       = "input"
	flagListFile    = "list-file"
	flagOutputDir   = "output-dir"
	flagOutputFile  = "output-file"
	flagSearchPath  = "search-path"
	flagExclude     = "exclude"
	flagExcludeFile = "exclude-file"
	flagFollow      = "follow"
	flagFollowFile  = "follow-file"
	flagCollectAll  = "collect-all"
	flagGlobalTypes = "allow-global-types"
	flagConfig      = "config"
	flagDryRun      = "dry-run"
	flagExportJSON  = "export-json"
	flagTraceStdout = "trace-stdout"
	flagMetricsFile = "metrics-file"
	flagVerbose     = "verbose"
	flagWait        = "wait"
)

func newRootCommand(std streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ilindex",
		Short: "Index .NET assemblies into a symbol and reference store",
		Long: `ilindex reads metadata dumps of .NET assemblies, walks the IL of every
method that belongs to them and records symbols and references into an
index store.

Foreign assemblies are resolved next to the inputs and in --search-path
directories. Namespaces matching --exclude are not indexed. Foreign
namespaces matching --follow are indexed like the inputs.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexCommand(cmd, std)
		},
	}
	cmd.SetIn(std.in)
	cmd.SetOut(std.out)
	cmd.SetErr(std.err)

	f := cmd.Flags()
	f.StringArrayP(flagInput, "i", nil, "metadata dump of an assembly to index (repeatable)")
	f.StringArray(flagListFile, nil, "file listing one input per line (repeatable)")
	f.StringP(flagOutputDir, "o", "", "directory receiving <first input>"+config.IndexExtension)
	f.String(flagOutputFile, "", "full path of the index; overrides --output-dir")
	f.StringArrayP(flagSearchPath, "s", nil, "directory searched for referenced assemblies (repeatable)")
	f.StringArrayP(flagExclude, "f", nil, "namespace regex whose types are not indexed (repeatable)")
	f.StringArray(flagExcludeFile, nil, "file listing one exclude regex per line (repeatable)")
	f.StringArray(flagFollow, nil, "foreign namespace regex indexed like the inputs (repeatable)")
	f.StringArray(flagFollowFile, nil, "file listing one follow regex per line (repeatable)")
	f.Bool(flagCollectAll, false, "record call edges to every invoked method, not only indexed ones")
	f.Bool(flagGlobalTypes, false, "index types declared outside any namespace")
	f.String(flagConfig, "", "YAML configuration file or URL")
	f.Bool(flagDryRun, false, "index into memory and write no index")
	f.String(flagExportJSON, "", "write the finished index as JSON to this path")
	f.Bool(flagTraceStdout, false, "print OpenTelemetry spans to stdout")
	f.String(flagMetricsFile, "", "write Prometheus metrics to this path when done")
	f.BoolP(flagVerbose, "v", false, "log at debug level")
	f.BoolP(flagWait, "w", false, "wait for Enter before exiting when run from a terminal")
	return cmd
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	cmd := newRootCommand(streams{in: in, out: out, err: errOut})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(errOut, "ilindex: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Flag parsing errors come back from cobra unwrapped.
	fmt.Fprint(errOut, cmd.UsageString())
	return exitUsage
}
