// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry decides which types and members become symbols, hands
// out their ids and keeps the interface implementor index.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/ilindex/services/indexer/collector"
	"github.com/AleutianAI/ilindex/services/indexer/filter"
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/naming"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// ErrNilCollector is returned by New when no collector is given.
var ErrNilCollector = errors.New("collector must not be nil")

// =============================================================================
// Types
// =============================================================================

// CollectedMethod is a method whose body is queued for decoding, together
// with the symbol ids its references originate from.
type CollectedMethod struct {
	Method   *metadata.Method
	MethodID int
	ClassID  int
}

// Member is the symbol of a method or field.
type Member struct {
	ID   int
	Kind store.SymbolKind
}

// IsMethod reports whether references to the member are calls.
func (m Member) IsMethod() bool { return m.Kind == store.SymbolKindMethod }

// Options configure a Registry.
type Options struct {
	// LocalAssemblies are the assemblies being indexed. Their types have
	// their members expanded.
	LocalAssemblies []string

	// Exclude skips types whose namespace matches.
	Exclude *filter.NamespaceFilter

	// Follow marks foreign namespaces whose types are treated as local.
	Follow *filter.NamespaceFilter

	// AllowGlobalTypes registers types without a namespace.
	AllowGlobalTypes bool
}

type entry struct {
	typ       *metadata.Type
	id        int
	collected bool
}

// Registry assigns symbols to types and members for one indexing run.
//
// Description:
//
//	Types are canonicalized before registration: arrays, byrefs and
//	pointers register their element type, constructed generics their
//	definition. Generic parameters and compiler-generated types never get
//	a symbol. A type is registered once; registering a local type also
//	registers its members and queues each method that has a body, which
//	the orchestrator drains with TakeCollected.
//
// Thread Safety:
//
//	Not safe for concurrent use. Created once per run.
type Registry struct {
	collector *collector.Collector
	logger    *slog.Logger

	exclude     *filter.NamespaceFilter
	follow      *filter.NamespaceFilter
	allowGlobal bool
	local       map[string]bool

	types           map[string]*entry
	implementors    map[string][]*metadata.Type
	implementorSeen map[string]bool
	assemblies      map[string]int
	skippedGlobal   map[string]bool
	skippedFiltered map[string]bool

	pending []CollectedMethod
}

// New creates a Registry that records symbols through c.
//
// Outputs:
//
//	*Registry - The registry.
//	error - ErrNilCollector if c is nil.
func New(c *collector.Collector, opts Options, logger *slog.Logger) (*Registry, error) {
	if c == nil {
		return nil, ErrNilCollector
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		collector:       c,
		logger:          logger,
		exclude:         opts.Exclude,
		follow:          opts.Follow,
		allowGlobal:     opts.AllowGlobalTypes,
		local:           make(map[string]bool, len(opts.LocalAssemblies)),
		types:           make(map[string]*entry),
		implementors:    make(map[string][]*metadata.Type),
		implementorSeen: make(map[string]bool),
		assemblies:      make(map[string]int),
		skippedGlobal:   make(map[string]bool),
		skippedFiltered: make(map[string]bool),
	}
	for _, a := range opts.LocalAssemblies {
		r.local[strings.ToLower(a)] = true
	}
	return r, nil
}

// =============================================================================
// Canonicalization
// =============================================================================

// Canonical returns the type that carries the symbol for t, or nil when t
// never gets one (generic parameters).
func Canonical(t *metadata.Type) *metadata.Type {
	for t != nil {
		switch {
		case t.HasElement():
			t = t.Element
		case t.IsGenericParameter():
			return nil
		case t.IsConstructed():
			t = t.Definition
		default:
			return t
		}
	}
	return nil
}

// compilerGenerated reports whether t or a type enclosing it was emitted
// by the compiler.
func compilerGenerated(t *metadata.Type) bool {
	for ; t != nil; t = t.DeclaringType {
		if t.CompilerGenerated || strings.HasPrefix(t.Name, "<") {
			return true
		}
	}
	return false
}

func symbolKind(t *metadata.Type) store.SymbolKind {
	if _, ok := naming.Primitive(t); ok {
		return store.SymbolKindBuiltinType
	}
	switch t.Kind {
	case metadata.KindInterface:
		return store.SymbolKindInterface
	case metadata.KindStruct:
		return store.SymbolKindStruct
	case metadata.KindEnum:
		return store.SymbolKindEnum
	}
	return store.SymbolKindClass
}

// IsLocal reports whether t belongs to an indexed assembly or to a
// namespace matched by the follow filter.
func (r *Registry) IsLocal(t *metadata.Type) bool {
	c := Canonical(t)
	if c == nil {
		return false
	}
	if r.local[strings.ToLower(c.Assembly)] {
		return true
	}
	ns := c.EffectiveNamespace()
	return ns != "" && r.follow.Matches(ns)
}

// =============================================================================
// Registration
// =============================================================================

// RegisterType returns the symbol id of t, registering it on first use.
//
// Description:
//
//	Returns 0 without error for types that get no symbol: generic
//	parameters, compiler-generated types, global types while global types
//	are not allowed, and types in excluded namespaces. Skipped types are
//	counted once each.
//
// Outputs:
//
//	int - The type's symbol id, or 0.
//	error - Non-nil only for collector failures, which abort the run.
func (r *Registry) RegisterType(t *metadata.Type) (int, error) {
	c := Canonical(t)
	if c == nil || compilerGenerated(c) {
		return 0, nil
	}
	key := c.Key()
	if e, ok := r.types[key]; ok {
		return e.id, nil
	}
	if r.skippedGlobal[key] || r.skippedFiltered[key] {
		return 0, nil
	}

	ns := c.EffectiveNamespace()
	_, primitive := naming.Primitive(c)
	if ns == "" && !r.allowGlobal {
		r.skippedGlobal[key] = true
		typesSkippedTotal.WithLabelValues("global").Inc()
		r.logger.Debug("global type skipped", slog.String("type", c.FullName()))
		return 0, nil
	}
	if ns != "" && r.exclude.Matches(ns) {
		r.skippedFiltered[key] = true
		typesSkippedTotal.WithLabelValues("filtered").Inc()
		r.logger.Debug("filtered type skipped",
			slog.String("type", c.FullName()),
			slog.String("namespace", ns),
		)
		return 0, nil
	}

	if ns != "" && !primitive {
		if _, err := r.collector.CollectSymbol(ns, store.SymbolKindNamespace, "", ""); err != nil {
			return 0, fmt.Errorf("registering namespace %q: %w", ns, err)
		}
	}
	id, err := r.collector.CollectSymbol(naming.TypeName(c), symbolKind(c), "", "")
	if err != nil {
		return 0, fmt.Errorf("registering type %s: %w", c.FullName(), err)
	}
	e := &entry{typ: c, id: id}
	r.types[key] = e

	for _, iface := range c.Interfaces {
		r.addImplementor(iface, c)
	}

	if r.IsLocal(c) {
		e.collected = true
		r.assemblies[c.Assembly]++
		if err := r.expand(c, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *Registry) addImplementor(iface, impl *metadata.Type) {
	ic := Canonical(iface)
	if ic == nil {
		return
	}
	ikey := ic.Key()
	seen := ikey + "\x00" + impl.Key()
	if r.implementorSeen[seen] {
		return
	}
	r.implementorSeen[seen] = true
	r.implementors[ikey] = append(r.implementors[ikey], impl)
}

// expand registers the members of a local type and queues its methods.
func (r *Registry) expand(t *metadata.Type, classID int) error {
	for _, f := range t.Fields {
		if _, err := r.RegisterField(f); err != nil {
			return err
		}
	}
	for _, m := range t.Methods {
		member, err := r.RegisterMethod(m)
		if err != nil {
			return err
		}
		if member.ID > 0 && m.HasBody() {
			r.pending = append(r.pending, CollectedMethod{Method: m, MethodID: member.ID, ClassID: classID})
		}
	}
	r.logger.Debug("type expanded",
		slog.String("type", t.FullName()),
		slog.Int("fields", len(t.Fields)),
		slog.Int("methods", len(t.Methods)),
	)
	return nil
}

// propertyName returns the property an accessor belongs to.
func propertyName(m *metadata.Method) (string, bool) {
	if !m.Is(metadata.MethodSpecialName) {
		return "", false
	}
	for _, p := range []string{"get_", "set_"} {
		if strings.HasPrefix(m.Name, p) && len(m.Name) > len(p) {
			return m.Name[len(p):], true
		}
	}
	return "", false
}

// RegisterMethod returns the member symbol of m.
//
// Description:
//
//	Methods are named after their declaring definition so that calls
//	through constructed types and generic instances share one symbol.
//	Property accessors register as the property itself with field kind.
//	Constructors are named after their type; a static constructor gets the
//	"static" prefix.
func (r *Registry) RegisterMethod(m *metadata.Method) (Member, error) {
	root := m.Root()
	if root == nil {
		return Member{}, nil
	}
	decl := Canonical(root.DeclaringType)
	if decl == nil {
		return Member{}, nil
	}
	typeName := naming.TypeName(decl)

	var (
		name, prefix, postfix string
		kind                  = store.SymbolKindMethod
	)
	if prop, ok := propertyName(root); ok {
		kind = store.SymbolKindField
		name = typeName + naming.NameDelimiter + prop
		switch {
		case strings.HasPrefix(root.Name, "get_"):
			prefix = naming.ShortName(root.ReturnType)
		case len(root.Parameters) > 0:
			prefix = naming.ShortName(root.Parameters[len(root.Parameters)-1].Type)
		}
	} else if root.IsConstructor() {
		name = typeName + naming.NameDelimiter + naming.ShortName(&metadata.Type{Name: decl.Name})
		if root.Name == ".cctor" {
			prefix = "static"
		}
		postfix = naming.ParameterList(root)
	} else {
		name = naming.MethodName(root)
		prefix = naming.ShortName(root.ReturnType)
		postfix = naming.ParameterList(root)
	}

	id, err := r.collector.CollectSymbol(name, kind, prefix, postfix)
	if err != nil {
		return Member{}, fmt.Errorf("registering method %s: %w", name, err)
	}
	return Member{ID: id, Kind: kind}, nil
}

// RegisterField returns the member symbol of f. Literal fields of enums
// register as enum constants.
func (r *Registry) RegisterField(f *metadata.Field) (Member, error) {
	if f == nil {
		return Member{}, nil
	}
	decl := Canonical(f.DeclaringType)
	if decl == nil {
		return Member{}, nil
	}
	if def := decl.Field(f.Name); def != nil {
		f = def
	}
	kind := store.SymbolKindField
	prefix := naming.ShortName(f.Type)
	if f.Literal && decl.Kind == metadata.KindEnum {
		kind = store.SymbolKindEnumConstant
		prefix = ""
	}
	name := naming.TypeName(decl) + naming.NameDelimiter + f.Name
	id, err := r.collector.CollectSymbol(name, kind, prefix, "")
	if err != nil {
		return Member{}, fmt.Errorf("registering field %s: %w", name, err)
	}
	return Member{ID: id, Kind: kind}, nil
}

// =============================================================================
// Queries
// =============================================================================

// Implementors returns the registered types implementing iface, in
// registration order.
func (r *Registry) Implementors(iface *metadata.Type) []*metadata.Type {
	c := Canonical(iface)
	if c == nil {
		return nil
	}
	return append([]*metadata.Type(nil), r.implementors[c.Key()]...)
}

// TakeCollected drains the methods queued since the last call.
func (r *Registry) TakeCollected() []CollectedMethod {
	out := r.pending
	r.pending = nil
	return out
}

// SkippedGlobalTypes returns the number of distinct global types skipped.
func (r *Registry) SkippedGlobalTypes() int { return len(r.skippedGlobal) }

// SkippedFilteredTypes returns the number of distinct types skipped by
// the exclude filter.
func (r *Registry) SkippedFilteredTypes() int { return len(r.skippedFiltered) }

// CollectedTypes returns the number of types that received a symbol.
func (r *Registry) CollectedTypes() int { return len(r.types) }

// ExpandedTypes returns the number of types whose members were expanded.
func (r *Registry) ExpandedTypes() int {
	n := 0
	for _, e := range r.types {
		if e.collected {
			n++
		}
	}
	return n
}

// CollectedAssemblies returns, per assembly, how many of its types had
// their members expanded. Assemblies are sorted by name.
func (r *Registry) CollectedAssemblies() []AssemblyCount {
	out := make([]AssemblyCount, 0, len(r.assemblies))
	for a, n := range r.assemblies {
		out = append(out, AssemblyCount{Assembly: a, Types: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assembly < out[j].Assembly })
	return out
}

// AssemblyCount is one entry of CollectedAssemblies.
type AssemblyCount struct {
	Assembly string
	Types    int
}
