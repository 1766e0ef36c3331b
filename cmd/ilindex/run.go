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
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ilindex/services/indexer/config"
	"github.com/AleutianAI/ilindex/services/indexer/filter"
	"github.com/AleutianAI/ilindex/services/indexer/indexer"
	"github.com/AleutianAI/ilindex/services/indexer/store"
	"github.com/AleutianAI/ilindex/services/indexer/telemetry"
)

// runIndexCommand merges the configuration layers and runs one indexing
// pass.
func runIndexCommand(cmd *cobra.Command, std streams) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(std.err, &slog.HandlerOptions{Level: level}))
	if verbose, _ := flags.GetBool(flagVerbose); verbose {
		level.Set(slog.LevelDebug)
	}

	cfgPath, _ := flags.GetString(flagConfig)
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(ctx, cfgPath)
	if err != nil {
		return usageError(fmt.Errorf("loading config: %w", err))
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return usageError(err)
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return usageError(fmt.Errorf("log level: %w", err))
	}
	defer waitForEnter(std, cfg.Wait)

	resolved, err := loader.Resolve(ctx, cfg)
	if err != nil {
		return usageError(err)
	}
	if len(resolved.Inputs) == 0 {
		return usageError(config.ErrNoInputs)
	}
	exclude, err := filter.New(resolved.Exclude)
	if err != nil {
		return usageError(fmt.Errorf("exclude: %w", err))
	}
	follow, err := filter.New(resolved.Follow)
	if err != nil {
		return usageError(fmt.Errorf("follow: %w", err))
	}

	if cfg.TraceStdout {
		shutdown, err := telemetry.SetupTracing(std.out, version)
		if err != nil {
			return failure(err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("flushing traces failed", slog.String("error", err.Error()))
			}
		}()
	}

	outputPath := cfg.OutputPath(resolved.Inputs[0])
	var st store.SymbolStore
	if cfg.DryRun {
		st = store.NewMemoryStore()
	} else {
		st = store.NewBadgerStore(logger)
	}

	opts := indexer.DefaultOptions()
	opts.Inputs = resolved.Inputs
	opts.OutputPath = outputPath
	opts.SearchPaths = cfg.SearchPaths
	opts.Exclude = exclude
	opts.Follow = follow
	opts.AllowGlobalTypes = cfg.AllowGlobalTypes
	opts.CollectAllInvocations = cfg.CollectAllInvocations
	opts.Version = version
	opts.Export = cfg.ExportJSON != ""

	ix, err := indexer.New(st, opts, logger)
	if err != nil {
		return failure(err)
	}
	logger.Debug("indexing",
		slog.Int("inputs", len(opts.Inputs)),
		slog.String("output", outputPath),
		slog.Bool("dry_run", cfg.DryRun),
	)
	res, runErr := ix.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := telemetry.WriteMetrics(cfg.MetricsFile); err != nil {
			if runErr == nil {
				return failure(err)
			}
			logger.Warn("writing metrics failed", slog.String("error", err.Error()))
		}
	}
	if runErr != nil {
		if errors.Is(runErr, indexer.ErrNoInputs) || errors.Is(runErr, indexer.ErrNoLoadableInput) {
			return usageError(runErr)
		}
		return failure(runErr)
	}

	if cfg.ExportJSON != "" && res.Index != nil {
		if err := exportJSON(cfg.ExportJSON, res.Index); err != nil {
			return failure(err)
		}
		logger.Info("index exported", slog.String("path", cfg.ExportJSON))
	}

	target := outputPath
	if cfg.DryRun {
		target = ""
	}
	writeSummary(std.out, res, target)
	return nil
}

// applyFlags overlays the flags given on the command line onto cfg.
// Scalars replace the file value; lists are appended to it.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	lists := []struct {
		name string
		dst  *[]string
	}{
		{flagInput, &cfg.Inputs},
		{flagListFile, &cfg.ListFiles},
		{flagSearchPath, &cfg.SearchPaths},
		{flagExclude, &cfg.Exclude},
		{flagExcludeFile, &cfg.ExcludeFiles},
		{flagFollow, &cfg.Follow},
		{flagFollowFile, &cfg.FollowFiles},
	}
	for _, l := range lists {
		if !f.Changed(l.name) {
			continue
		}
		v, err := f.GetStringArray(l.name)
		if err != nil {
			return err
		}
		*l.dst = append(*l.dst, v...)
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{flagOutputDir, &cfg.OutputDir},
		{flagOutputFile, &cfg.OutputFile},
		{flagExportJSON, &cfg.ExportJSON},
		{flagMetricsFile, &cfg.MetricsFile},
	}
	for _, s := range strs {
		if !f.Changed(s.name) {
			continue
		}
		v, err := f.GetString(s.name)
		if err != nil {
			return err
		}
		*s.dst = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{flagCollectAll, &cfg.CollectAllInvocations},
		{flagGlobalTypes, &cfg.AllowGlobalTypes},
		{flagDryRun, &cfg.DryRun},
		{flagTraceStdout, &cfg.TraceStdout},
		{flagWait, &cfg.Wait},
	}
	for _, b := range bools {
		if !f.Changed(b.name) {
			continue
		}
		v, err := f.GetBool(b.name)
		if err != nil {
			return err
		}
		*b.dst = v
	}

	if verbose, _ := f.GetBool(flagVerbose); verbose {
		cfg.LogLevel = "debug"
	}
	return nil
}

func exportJSON(path string, index *store.Index) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing export file: %w", cerr)
		}
	}()
	w := bufio.NewWriter(f)
	if err := index.WriteJSON(w); err != nil {
		return err
	}
	return w.Flush()
}

// waitForEnter blocks until a line is read, but only when stdin is a
// terminal.
func waitForEnter(std streams, enabled bool) {
	if !enabled {
		return
	}
	f, ok := std.in.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return
	}
	fmt.Fprint(std.out, "Press Enter to exit...")
	_, _ = bufio.NewReader(f).ReadString('\n')
}
