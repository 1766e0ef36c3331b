// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupportedFormat is returned when no Format accepts a file extension.
var ErrUnsupportedFormat = errors.New("unsupported input format")

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithSearchPaths adds directories probed for referenced assemblies.
func WithSearchPaths(paths ...string) WorkspaceOption {
	return func(w *Workspace) {
		w.searchPaths = append(w.searchPaths, paths...)
	}
}

// WithFormats replaces the set of input formats.
func WithFormats(formats ...Format) WorkspaceOption {
	return func(w *Workspace) {
		w.formats = formats
	}
}

// Workspace holds every module loaded for one indexing run: the inputs
// and the dependencies found for them on the search paths.
//
// Thread Safety:
//
//	Not safe for concurrent use. Loading happens before indexing starts.
type Workspace struct {
	logger      *slog.Logger
	searchPaths []string
	formats     []Format
	modules     map[string]*Module
	loading     map[string]bool
	unresolved  map[string]bool
}

// NewWorkspace creates an empty workspace.
func NewWorkspace(logger *slog.Logger, opts ...WorkspaceOption) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workspace{
		logger:     logger,
		formats:    DefaultFormats(),
		modules:    make(map[string]*Module),
		loading:    make(map[string]bool),
		unresolved: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// FormatFor selects the input format for path by its extension.
func (w *Workspace) FormatFor(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range w.formats {
		for _, e := range f.Extensions() {
			if e == ext {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// Load reads the module at path and, before it, every referenced
// assembly that can be found next to it or on the search paths.
//
// Description:
//
//	References are loaded first so that type references in the module
//	bind to their definitions. A reference that cannot be found is logged
//	once with a hint and the module is loaded without it. Loading a module
//	whose assembly is already present returns the existing module.
//
// Outputs:
//
//	*Module - The loaded module.
//	error - Non-nil if the file cannot be read or parsed.
func (w *Workspace) Load(ctx context.Context, path string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := w.FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// A first pass without bindings yields the assembly name and references.
	probe, err := format.Decode(data, path, nil)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(probe.Assembly)
	if existing, ok := w.modules[key]; ok {
		return existing, nil
	}
	w.loading[key] = true
	defer delete(w.loading, key)

	for _, ref := range probe.References {
		w.loadReference(ctx, ref, path)
	}

	mod, err := format.Decode(data, path, w.lookup)
	if err != nil {
		return nil, err
	}
	w.modules[key] = mod
	w.logger.Debug("module loaded",
		slog.String("assembly", mod.Assembly),
		slog.String("path", path),
		slog.String("format", format.Name()),
		slog.Int("types", len(mod.Types)),
	)
	return mod, nil
}

func (w *Workspace) loadReference(ctx context.Context, name, from string) {
	key := strings.ToLower(name)
	if _, ok := w.modules[key]; ok || w.loading[key] || w.unresolved[key] {
		return
	}
	path := w.locate(name, from)
	if path == "" {
		w.unresolved[key] = true
		w.logger.Warn("unable to resolve assembly; specify additional locations with --search-path",
			slog.String("assembly", name),
			slog.String("referenced_from", from),
		)
		return
	}
	if _, err := w.Load(ctx, path); err != nil {
		w.unresolved[key] = true
		w.logger.Warn("failed to load referenced assembly",
			slog.String("assembly", name),
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

// locate probes the directory of the referencing file, then every search
// path, for name plus one of the known extensions.
func (w *Workspace) locate(name, from string) string {
	dirs := append([]string{filepath.Dir(from)}, w.searchPaths...)
	exts := []string{strings.ToLower(filepath.Ext(from))}
	for _, f := range w.formats {
		exts = append(exts, f.Extensions()...)
	}
	for _, dir := range dirs {
		for _, ext := range exts {
			candidate := filepath.Join(dir, name+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}

func (w *Workspace) lookup(assembly, fullName string) *Type {
	mod, ok := w.modules[strings.ToLower(assembly)]
	if !ok {
		return nil
	}
	return mod.Lookup(fullName)
}

// Module returns the loaded module for an assembly name.
func (w *Workspace) Module(assembly string) (*Module, bool) {
	mod, ok := w.modules[strings.ToLower(assembly)]
	return mod, ok
}

// Resolver returns the token resolver of an assembly.
func (w *Workspace) Resolver(assembly string) (Resolver, bool) {
	mod, ok := w.Module(assembly)
	if !ok {
		return nil, false
	}
	return mod.Resolver(), true
}

// Unresolved lists the references that could not be found.
func (w *Workspace) Unresolved() []string {
	names := make([]string, 0, len(w.unresolved))
	for name := range w.unresolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
