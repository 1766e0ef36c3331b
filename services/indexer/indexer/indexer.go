// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexer drives an indexing run: it loads the inputs, registers
// their types, and decodes every collected method until the worklist is
// empty.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/ilindex/services/indexer/cil"
	"github.com/AleutianAI/ilindex/services/indexer/collector"
	"github.com/AleutianAI/ilindex/services/indexer/filter"
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/pdb"
	"github.com/AleutianAI/ilindex/services/indexer/refgraph"
	"github.com/AleutianAI/ilindex/services/indexer/registry"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// ToolName is recorded in the manifest of every index.
const ToolName = "ilindex"

var (
	// ErrNilStore is returned by New when no store is given.
	ErrNilStore = errors.New("store must not be nil")

	// ErrNoInputs is returned by Run when Options.Inputs is empty.
	ErrNoInputs = errors.New("no inputs given")

	// ErrNoLoadableInput is returned by Run when every input failed to load.
	ErrNoLoadableInput = errors.New("no input could be loaded")
)

// =============================================================================
// Options
// =============================================================================

// Options configure a run.
type Options struct {
	// Inputs are the metadata dumps to index.
	Inputs []string

	// OutputPath is handed to the store's Open.
	OutputPath string

	// SearchPaths are probed for referenced assemblies after the directory
	// of the referencing input.
	SearchPaths []string

	// Exclude skips types whose namespace matches.
	Exclude *filter.NamespaceFilter

	// Follow expands and decodes foreign namespaces that match.
	Follow *filter.NamespaceFilter

	// AllowGlobalTypes registers types without a namespace.
	AllowGlobalTypes bool

	// CollectAllInvocations records calls into foreign assemblies.
	CollectAllInvocations bool

	// Version is recorded in the manifest.
	Version string

	// Export fills Result.Index from the committed store, if the store
	// implements store.Exporter.
	Export bool
}

// DefaultOptions returns options with no inputs and every toggle off.
func DefaultOptions() Options {
	return Options{Version: "dev"}
}

// Option customizes the collaborators of an Indexer.
type Option func(*Indexer)

// WithDecoder replaces the bytecode decoder.
func WithDecoder(d *cil.Decoder) Option {
	return func(ix *Indexer) {
		ix.decoder = d
	}
}

// WithLocator replaces the debug symbol locator.
func WithLocator(l *pdb.Locator) Option {
	return func(ix *Indexer) {
		ix.locator = l
	}
}

// WithClock replaces the time source used for the manifest.
func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) {
		ix.now = now
	}
}

// =============================================================================
// Result
// =============================================================================

// InputError is a non-fatal failure tied to one input.
type InputError struct {
	Path string
	Err  error
}

func (e InputError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e InputError) Unwrap() error { return e.Err }

// Stats summarizes a run.
type Stats struct {
	InputsLoaded    int
	DebugFiles      int
	TypesRegistered int
	TypesExpanded   int
	MethodsDecoded  int
	AsyncWorkers    int
	Duplicates      int
	Events          int
	Symbols         int
	References      int
	SelfReferences  int
	SymbolsByKind   map[store.SymbolKind]int
	RefsByKind      map[store.ReferenceKind]int

	LoadDuration     time.Duration
	RegisterDuration time.Duration
	DecodeDuration   time.Duration
	Duration         time.Duration
}

// Result is the outcome of a successful run.
type Result struct {
	Stats Stats

	// Warnings are inputs that were skipped.
	Warnings []InputError

	// SkippedGlobalTypes counts types without a namespace that were left
	// out because AllowGlobalTypes is off.
	SkippedGlobalTypes int

	// SkippedFilteredTypes counts types removed by the exclude filter.
	SkippedFilteredTypes int

	// Unresolved lists referenced assemblies that were not found.
	Unresolved []string

	// Assemblies lists, per assembly, how many types were expanded.
	Assemblies []registry.AssemblyCount

	// Debug holds the sequence points of every input with a debug file.
	Debug *pdb.Locator

	Manifest *store.Manifest

	// Index is the exported store content when Options.Export is set.
	Index *store.Index
}

// =============================================================================
// Indexer
// =============================================================================

// Indexer runs the indexing pipeline against one store.
//
// Description:
//
//	Run loads the inputs, reads their debug files, and records into the
//	store inside a single transaction:
//
//	 1. REGISTER: every type of every input is offered to the registry.
//	    Local types are expanded and their methods queued.
//	 2. DECODE: queued methods are decoded in insertion order. Each event
//	    is turned into edges. Async workers and methods of types expanded
//	    late are appended, and decoding continues until the queue is empty.
//
// Thread Safety:
//
//	Not safe for concurrent use. A Run owns its store from Open to Close.
type Indexer struct {
	store   store.SymbolStore
	options Options
	logger  *slog.Logger
	decoder *cil.Decoder
	locator *pdb.Locator
	now     func() time.Time
}

// New creates an Indexer writing to s.
//
// Inputs:
//
//	s - The sink. Run opens and closes it.
//	opts - Run options.
//	logger - Logger for diagnostic output. Nil uses slog.Default().
//	options - Collaborator overrides.
//
// Outputs:
//
//	*Indexer - The indexer.
//	error - ErrNilStore if s is nil.
func New(s store.SymbolStore, opts Options, logger *slog.Logger, options ...Option) (*Indexer, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		store:   s,
		options: opts,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(ix)
	}
	if ix.decoder == nil {
		ix.decoder = cil.NewDecoder(logger)
	}
	if ix.locator == nil {
		ix.locator = pdb.NewLocator(logger)
	}
	return ix, nil
}

// runState is the per-run context shared by the phases.
type runState struct {
	workspace *metadata.Workspace
	modules   []*metadata.Module
	collector *collector.Collector
	registry  *registry.Registry
	builder   *refgraph.Builder
	work      *worklist
	result    *Result
}

// Run performs one indexing run.
//
// Description:
//
//	Inputs that cannot be loaded are skipped with a warning; the run
//	fails only when none can be loaded. The store is opened, cleared and
//	a transaction begun before the first symbol is recorded. The store is
//	closed on every path once opened, and committed only on success.
//
// Inputs:
//
//	ctx - Checked between inputs, types and methods.
//
// Outputs:
//
//	*Result - Statistics, warnings and debug data of the run.
//	error - ErrNoInputs or ErrNoLoadableInput before the store is touched;
//	        otherwise a wrapped store, registry or cancellation error.
func (ix *Indexer) Run(ctx context.Context) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "indexer.Indexer.Run",
		trace.WithAttributes(attribute.Int("inputs", len(ix.options.Inputs))),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			runsTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "indexing failed")
			return
		}
		runsTotal.WithLabelValues("success").Inc()
	}()

	if len(ix.options.Inputs) == 0 {
		return nil, ErrNoInputs
	}

	state := &runState{
		workspace: metadata.NewWorkspace(ix.logger, metadata.WithSearchPaths(ix.options.SearchPaths...)),
		work:      newWorklist(),
		result:    &Result{Debug: ix.locator},
	}

	if err := ix.loadPhase(ctx, state); err != nil {
		return nil, err
	}
	ix.debugPhase(ctx, state)

	if err := ix.store.Open(ix.options.OutputPath); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if cerr := ix.store.Close(); cerr != nil && err == nil {
			result, err = nil, fmt.Errorf("closing store: %w", cerr)
		}
	}()
	if err := ix.store.Clear(); err != nil {
		return nil, fmt.Errorf("clearing store: %w", err)
	}
	if err := ix.store.BeginTransaction(); err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if err := ix.wire(state); err != nil {
		return nil, err
	}
	if err := ix.registerPhase(ctx, state); err != nil {
		return nil, err
	}
	if err := ix.decodePhase(ctx, state); err != nil {
		return nil, err
	}
	if err := ix.recordManifest(state); err != nil {
		return nil, err
	}
	if err := ix.store.CommitTransaction(); err != nil {
		return nil, fmt.Errorf("committing store: %w", err)
	}
	if ix.options.Export {
		if exp, ok := ix.store.(store.Exporter); ok {
			index, err := exp.Export(ctx)
			if err != nil {
				return nil, fmt.Errorf("exporting store: %w", err)
			}
			state.result.Index = index
		}
	}

	ix.finish(state)
	state.result.Stats.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("symbols", state.result.Stats.Symbols),
		attribute.Int("references", state.result.Stats.References),
		attribute.Int("methods_decoded", state.result.Stats.MethodsDecoded),
	)
	ix.logger.Info("indexing finished",
		slog.Int("symbols", state.result.Stats.Symbols),
		slog.Int("references", state.result.Stats.References),
		slog.Int("methods", state.result.Stats.MethodsDecoded),
		slog.Duration("duration", state.result.Stats.Duration),
	)
	return state.result, nil
}

// loadPhase loads every input and its resolvable references.
func (ix *Indexer) loadPhase(ctx context.Context, state *runState) error {
	ctx, span := tracer.Start(ctx, "indexer.Indexer.loadPhase")
	defer span.End()
	start := time.Now()

	for _, path := range ix.options.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			ix.warn(state, path, err)
			continue
		}
		mod, err := state.workspace.Load(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.warn(state, path, err)
			continue
		}
		if containsModule(state.modules, mod) {
			continue
		}
		state.modules = append(state.modules, mod)
		ix.logger.Info("input loaded",
			slog.String("assembly", mod.Assembly),
			slog.String("path", path),
			slog.Int("types", len(mod.Types)),
		)
	}
	state.result.Unresolved = state.workspace.Unresolved()
	state.result.Stats.InputsLoaded = len(state.modules)
	state.result.Stats.LoadDuration = observePhase("load", start)
	span.SetAttributes(
		attribute.Int("loaded", len(state.modules)),
		attribute.Int("unresolved", len(state.result.Unresolved)),
	)

	if len(state.modules) == 0 {
		return ErrNoLoadableInput
	}
	return nil
}

func containsModule(mods []*metadata.Module, m *metadata.Module) bool {
	for _, x := range mods {
		if x == m {
			return true
		}
	}
	return false
}

func (ix *Indexer) warn(state *runState, path string, err error) {
	ix.logger.Warn("input skipped", slog.String("path", path), slog.Any("error", err))
	state.result.Warnings = append(state.result.Warnings, InputError{Path: path, Err: err})
}

// debugPhase reads the debug file next to every loaded input.
func (ix *Indexer) debugPhase(ctx context.Context, state *runState) {
	_, span := tracer.Start(ctx, "indexer.Indexer.debugPhase")
	defer span.End()
	start := time.Now()

	for _, mod := range state.modules {
		if ix.locator.Load(mod.Assembly, mod.Path) {
			state.result.Stats.DebugFiles++
		}
	}
	observePhase("debug", start)
	span.SetAttributes(attribute.Int("debug_files", state.result.Stats.DebugFiles))
}

// wire creates the per-run collector, registry and builder.
func (ix *Indexer) wire(state *runState) error {
	c, err := collector.New(ix.store, ix.logger)
	if err != nil {
		return err
	}
	local := make([]string, 0, len(state.modules))
	for _, mod := range state.modules {
		local = append(local, mod.Assembly)
	}
	reg, err := registry.New(c, registry.Options{
		LocalAssemblies:  local,
		Exclude:          ix.options.Exclude,
		Follow:           ix.options.Follow,
		AllowGlobalTypes: ix.options.AllowGlobalTypes,
	}, ix.logger)
	if err != nil {
		return err
	}
	b, err := refgraph.NewBuilder(reg, c, refgraph.BuilderOptions{
		CollectAllInvocations: ix.options.CollectAllInvocations,
	}, ix.logger)
	if err != nil {
		return err
	}
	state.collector, state.registry, state.builder = c, reg, b
	return nil
}

// registerPhase offers every input type to the registry and queues the
// methods it collects.
func (ix *Indexer) registerPhase(ctx context.Context, state *runState) error {
	ctx, span := tracer.Start(ctx, "indexer.Indexer.registerPhase")
	defer span.End()
	start := time.Now()

	for _, mod := range state.modules {
		for _, t := range mod.Types {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := state.registry.RegisterType(t); err != nil {
				return fmt.Errorf("registering %s: %w", t.FullName(), err)
			}
		}
	}
	queued := state.work.push(state.registry.TakeCollected()...)
	methodsQueuedTotal.WithLabelValues("registry").Add(float64(queued))

	state.result.Stats.RegisterDuration = observePhase("register", start)
	span.SetAttributes(
		attribute.Int("types", state.registry.CollectedTypes()),
		attribute.Int("queued", queued),
	)
	ix.logger.Info("types registered",
		slog.Int("types", state.registry.CollectedTypes()),
		slog.Int("methods", queued),
	)
	return nil
}

// decodePhase drains the worklist.
func (ix *Indexer) decodePhase(ctx context.Context, state *runState) error {
	ctx, span := tracer.Start(ctx, "indexer.Indexer.decodePhase")
	defer span.End()
	start := time.Now()
	stats := &state.result.Stats

	for {
		if err := ctx.Err(); err != nil {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("pending", state.work.len())))
			return err
		}
		cm, ok := state.work.pop()
		if !ok {
			break
		}

		var resolver metadata.Resolver
		if decl := cm.Method.DeclaringType; decl != nil {
			resolver, _ = state.workspace.Resolver(decl.Assembly)
		}
		events := ix.decoder.Decode(ctx, cm.Method, resolver)
		stats.MethodsDecoded++
		stats.Events += len(events)

		for _, ev := range events {
			unwraps, err := state.builder.Visit(cm, ev)
			if err != nil {
				return fmt.Errorf("visiting %s at IL_%04X: %w", ev.Kind, ev.Offset, err)
			}
			added := state.work.push(unwraps...)
			stats.AsyncWorkers += added
			methodsQueuedTotal.WithLabelValues("async").Add(float64(added))
		}
		// Types first reached from a body may have been expanded.
		added := state.work.push(state.registry.TakeCollected()...)
		methodsQueuedTotal.WithLabelValues("registry").Add(float64(added))
	}

	stats.Duplicates = state.work.duplicates
	stats.DecodeDuration = observePhase("decode", start)
	span.SetAttributes(
		attribute.Int("methods", stats.MethodsDecoded),
		attribute.Int("events", stats.Events),
		attribute.Int("async_workers", stats.AsyncWorkers),
	)
	return nil
}

// recordManifest fingerprints the loaded inputs and stores the manifest
// when the store supports it.
func (ix *Indexer) recordManifest(state *runState) error {
	m := &store.Manifest{
		Tool:      ToolName,
		Version:   ix.options.Version,
		CreatedAt: ix.now().UTC(),
	}
	for _, mod := range state.modules {
		fp, err := Fingerprint(mod.Path)
		if err != nil {
			ix.logger.Warn("input not fingerprinted", slog.String("path", mod.Path), slog.Any("error", err))
			continue
		}
		fp.Assembly = mod.Assembly
		m.Inputs = append(m.Inputs, fp)
	}
	state.result.Manifest = m

	w, ok := ix.store.(store.ManifestWriter)
	if !ok {
		return nil
	}
	if err := w.RecordManifest(m); err != nil {
		return fmt.Errorf("recording manifest: %w", err)
	}
	return nil
}

func (ix *Indexer) finish(state *runState) {
	r := state.result
	cs := state.collector.Stats()
	r.Stats.Symbols = cs.Symbols
	r.Stats.References = cs.References
	r.Stats.SelfReferences = cs.SelfReferences
	r.Stats.SymbolsByKind = cs.SymbolsByKind
	r.Stats.RefsByKind = cs.RefsByKind
	r.Stats.TypesRegistered = state.registry.CollectedTypes()
	r.Stats.TypesExpanded = state.registry.ExpandedTypes()
	r.SkippedGlobalTypes = state.registry.SkippedGlobalTypes()
	r.SkippedFilteredTypes = state.registry.SkippedFilteredTypes()
	r.Assemblies = state.registry.CollectedAssemblies()

	if r.SkippedGlobalTypes > 0 {
		ix.logger.Info("global types skipped; enable allow-global-types to index them",
			slog.Int("count", r.SkippedGlobalTypes),
		)
	}
}
