// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refgraph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ilindex/services/indexer/cil"
	"github.com/AleutianAI/ilindex/services/indexer/collector"
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/naming"
	"github.com/AleutianAI/ilindex/services/indexer/registry"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

const appAssembly = "Acme.App"

var someBody = []byte{0x2A}

type harness struct {
	store    *store.MemoryStore
	registry *registry.Registry
	builder  *Builder
}

func newHarness(t *testing.T, opts BuilderOptions) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.Open("memory"))
	require.NoError(t, s.BeginTransaction())
	t.Cleanup(func() { _ = s.Close() })
	c, err := collector.New(s, nil)
	require.NoError(t, err)
	reg, err := registry.New(c, registry.Options{LocalAssemblies: []string{appAssembly}}, nil)
	require.NoError(t, err)
	b, err := NewBuilder(reg, c, opts, nil)
	require.NoError(t, err)
	return &harness{store: s, registry: reg, builder: b}
}

// origin registers the declaring type and method of m and returns the
// collected method references originate from.
func (h *harness) origin(t *testing.T, m *metadata.Method) registry.CollectedMethod {
	t.Helper()
	classID, err := h.registry.RegisterType(m.DeclaringType)
	require.NoError(t, err)
	member, err := h.registry.RegisterMethod(m)
	require.NoError(t, err)
	return registry.CollectedMethod{Method: m, MethodID: member.ID, ClassID: classID}
}

// edges commits and returns every stored reference as
// "source -> target [kind]" using display names.
func (h *harness) edges(t *testing.T) []string {
	t.Helper()
	require.NoError(t, h.store.CommitTransaction())
	ix, err := h.store.Export(context.Background())
	require.NoError(t, err)
	names := make(map[int]string, len(ix.Symbols))
	for _, s := range ix.Symbols {
		names[s.ID] = naming.Display(s.Name)
	}
	out := make([]string, 0, len(ix.References))
	for _, r := range ix.References {
		out = append(out, fmt.Sprintf("%s -> %s [%s]", names[r.SourceID], names[r.TargetID], r.Kind))
	}
	return out
}

func core(name string, kind metadata.TypeKind) *metadata.Type {
	return &metadata.Type{Assembly: metadata.CoreLibrary, Namespace: "System", Name: name, Kind: kind}
}

func localType(name string, kind metadata.TypeKind) *metadata.Type {
	return &metadata.Type{Assembly: appAssembly, Namespace: "Acme", Name: name, Kind: kind}
}

func addMethod(t *metadata.Type, name string, body []byte, params ...*metadata.Type) *metadata.Method {
	m := &metadata.Method{DeclaringType: t, Name: name, ReturnType: core("Void", metadata.KindStruct), Body: body}
	for i, p := range params {
		m.Parameters = append(m.Parameters, &metadata.Parameter{Name: string(rune('a' + i)), Type: p})
	}
	t.Methods = append(t.Methods, m)
	return m
}

func TestNewBuilder_NilCollaborators(t *testing.T) {
	_, err := NewBuilder(nil, nil, DefaultBuilderOptions(), nil)
	assert.True(t, errors.Is(err, ErrNilRegistry))

	h := newHarness(t, DefaultBuilderOptions())
	_, err = NewBuilder(h.registry, nil, DefaultBuilderOptions(), nil)
	assert.True(t, errors.Is(err, ErrNilRecorder))
}

func TestVisitCall_InterfaceFansOutToImplementors(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())

	shape := localType("IShape", metadata.KindInterface)
	area := addMethod(shape, "Area", nil)
	circle := localType("Circle", metadata.KindClass)
	circle.Interfaces = []*metadata.Type{shape}
	addMethod(circle, "Area", someBody)
	addMethod(circle, "Area", someBody, core("Int32", metadata.KindStruct))
	square := localType("Square", metadata.KindClass)
	square.Interfaces = []*metadata.Type{shape}
	addMethod(square, "Area", someBody)
	program := localType("Program", metadata.KindClass)
	main := addMethod(program, "Main", someBody)

	for _, typ := range []*metadata.Type{shape, circle, square} {
		_, err := h.registry.RegisterType(typ)
		require.NoError(t, err)
	}
	origin := h.origin(t, main)

	unwrap, err := h.builder.VisitCall(origin, area)
	require.NoError(t, err)
	assert.Nil(t, unwrap)

	assert.ElementsMatch(t, []string{
		"Acme.Program -> Acme.IShape [type_usage]",
		"void Acme.Program.Main() -> Acme.IShape [type_usage]",
		"void Acme.Program.Main() -> void Acme.IShape.Area() [call]",
		"Acme.Program -> Acme.Circle [type_usage]",
		"void Acme.Program.Main() -> Acme.Circle [type_usage]",
		"void Acme.Program.Main() -> void Acme.Circle.Area() [call]",
		"Acme.Program -> Acme.Square [type_usage]",
		"void Acme.Program.Main() -> Acme.Square [type_usage]",
		"void Acme.Program.Main() -> void Acme.Square.Area() [call]",
	}, h.edges(t))
}

func TestVisitCall_InterfaceFanOutIncludesCallingClass(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())

	shape := localType("IShape", metadata.KindInterface)
	area := addMethod(shape, "Area", nil)
	circle := localType("Circle", metadata.KindClass)
	circle.Interfaces = []*metadata.Type{shape}
	addMethod(circle, "Area", someBody)
	describe := addMethod(circle, "Describe", someBody)
	square := localType("Square", metadata.KindClass)
	square.Interfaces = []*metadata.Type{shape}
	addMethod(square, "Area", someBody)

	for _, typ := range []*metadata.Type{shape, square} {
		_, err := h.registry.RegisterType(typ)
		require.NoError(t, err)
	}
	origin := h.origin(t, describe)

	_, err := h.builder.VisitCall(origin, area)
	require.NoError(t, err)

	// Circle -> Circle is a self reference and is dropped by the collector.
	assert.ElementsMatch(t, []string{
		"Acme.Circle -> Acme.IShape [type_usage]",
		"void Acme.Circle.Describe() -> Acme.IShape [type_usage]",
		"void Acme.Circle.Describe() -> void Acme.IShape.Area() [call]",
		"void Acme.Circle.Describe() -> Acme.Circle [type_usage]",
		"void Acme.Circle.Describe() -> void Acme.Circle.Area() [call]",
		"Acme.Circle -> Acme.Square [type_usage]",
		"void Acme.Circle.Describe() -> Acme.Square [type_usage]",
		"void Acme.Circle.Describe() -> void Acme.Square.Area() [call]",
	}, h.edges(t))
}

func TestVisitCall_ForeignDeclaringType(t *testing.T) {
	console := core("Console", metadata.KindClass)
	writeLine := addMethod(console, "WriteLine", nil, core("String", metadata.KindClass))

	tests := []struct {
		name       string
		collectAll bool
		want       []string
	}{
		{
			name: "foreign calls are not collected",
			want: []string{
				"Acme.Program -> string [type_usage]",
				"void Acme.Program.Main() -> string [type_usage]",
			},
		},
		{
			name:       "collect all invocations",
			collectAll: true,
			want: []string{
				"Acme.Program -> string [type_usage]",
				"void Acme.Program.Main() -> string [type_usage]",
				"Acme.Program -> System.Console [type_usage]",
				"void Acme.Program.Main() -> System.Console [type_usage]",
				"void Acme.Program.Main() -> void System.Console.WriteLine(string) [call]",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, BuilderOptions{CollectAllInvocations: tt.collectAll})
			program := localType("Program", metadata.KindClass)
			main := addMethod(program, "Main", someBody)
			origin := h.origin(t, main)

			_, err := h.builder.VisitCall(origin, writeLine)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, h.edges(t))
			assert.Len(t, h.registry.TakeCollected(), 1, "foreign types are never expanded")
		})
	}
}

func TestVisitCall_NoSelfReferences(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	program := localType("Program", metadata.KindClass)
	main := addMethod(program, "Main", someBody)
	helper := addMethod(program, "Helper", someBody, program)
	origin := h.origin(t, main)

	_, err := h.builder.VisitCall(origin, helper)
	require.NoError(t, err)
	_, err = h.builder.VisitCall(origin, main)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"void Acme.Program.Main() -> void Acme.Program.Helper(Program) [call]",
	}, h.edges(t))
}

func TestVisitCall_PropertyAccessorIsUsage(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	shape := localType("Shape", metadata.KindClass)
	getArea := addMethod(shape, "get_Area", someBody)
	getArea.ReturnType = core("Double", metadata.KindStruct)
	getArea.Attributes = metadata.MethodSpecialName
	program := localType("Program", metadata.KindClass)
	origin := h.origin(t, addMethod(program, "Main", someBody))

	_, err := h.builder.VisitCall(origin, getArea)
	require.NoError(t, err)
	assert.Contains(t, h.edges(t), "void Acme.Program.Main() -> double Acme.Shape.Area [usage]")
}

func TestVisitCall_AsyncStateMachineIsUnwrapped(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	program := localType("Program", metadata.KindClass)
	runAsync := addMethod(program, "RunAsync", someBody)

	machine := &metadata.Type{
		Assembly:          appAssembly,
		Namespace:         "Acme",
		Name:              "<RunAsync>d__0",
		DeclaringType:     program,
		CompilerGenerated: true,
	}
	ctor := addMethod(machine, ".ctor", someBody)
	moveNext := addMethod(machine, "MoveNext", someBody)
	runAsync.StateMachine = machine

	closure := &metadata.Type{Assembly: appAssembly, Namespace: "Acme", Name: "<>c", DeclaringType: program}
	closureCtor := addMethod(closure, ".ctor", someBody)

	origin := h.origin(t, runAsync)

	unwrap, err := h.builder.Visit(origin, cil.Event{Kind: cil.EventCall, Method: ctor})
	require.NoError(t, err)
	require.Len(t, unwrap, 1)
	assert.Same(t, moveNext, unwrap[0].Method)
	assert.Equal(t, origin.MethodID, unwrap[0].MethodID)
	assert.Equal(t, origin.ClassID, unwrap[0].ClassID)

	unwrap, err = h.builder.Visit(origin, cil.Event{Kind: cil.EventCall, Method: closureCtor})
	require.NoError(t, err)
	assert.Empty(t, unwrap)

	assert.Empty(t, h.edges(t))
}

func TestVisitField(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	counter := localType("Counter", metadata.KindClass)
	count := &metadata.Field{DeclaringType: counter, Name: "count", Type: core("Int32", metadata.KindStruct)}
	counter.Fields = []*metadata.Field{count}
	program := localType("Program", metadata.KindClass)
	self := &metadata.Field{DeclaringType: program, Name: "next", Type: program}
	program.Fields = []*metadata.Field{self}
	origin := h.origin(t, addMethod(program, "Main", someBody))

	_, err := h.builder.Visit(origin, cil.Event{Kind: cil.EventField, Field: count})
	require.NoError(t, err)
	_, err = h.builder.Visit(origin, cil.Event{Kind: cil.EventField, Field: self})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"Acme.Program -> Acme.Counter [type_usage]",
		"void Acme.Program.Main() -> Acme.Counter [type_usage]",
		"void Acme.Program.Main() -> int Acme.Counter.count [usage]",
		"Acme.Program -> int [type_usage]",
		"void Acme.Program.Main() -> int [type_usage]",
		"void Acme.Program.Main() -> Program Acme.Program.next [usage]",
	}, h.edges(t))
}

func TestVisitType(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	point := localType("Point", metadata.KindStruct)
	program := localType("Program", metadata.KindClass)
	origin := h.origin(t, addMethod(program, "Main", someBody))

	for _, typ := range []*metadata.Type{
		metadata.Compose(metadata.KindArray, point),
		program,
		metadata.NewGenericParameter("T", 0, false),
	} {
		_, err := h.builder.Visit(origin, cil.Event{Kind: cil.EventType, Type: typ})
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []string{
		"Acme.Program -> Acme.Point [type_usage]",
		"void Acme.Program.Main() -> Acme.Point [type_usage]",
	}, h.edges(t))
}

func TestVisitMethodRef(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	program := localType("Program", metadata.KindClass)
	callback := addMethod(program, "Callback", someBody, core("Int32", metadata.KindStruct))
	handlers := localType("Handlers", metadata.KindClass)
	onClick := addMethod(handlers, "OnClick", someBody, core("String", metadata.KindClass))
	foreign := addMethod(core("GC", metadata.KindClass), "Collect", nil)
	origin := h.origin(t, addMethod(program, "Main", someBody))

	for _, m := range []*metadata.Method{callback, onClick, foreign} {
		_, err := h.builder.Visit(origin, cil.Event{Kind: cil.EventMethodRef, Method: m})
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []string{
		"void Acme.Program.Main() -> void Acme.Program.Callback(int) [usage]",
		"Acme.Program -> Acme.Handlers [type_usage]",
		"void Acme.Program.Main() -> Acme.Handlers [type_usage]",
		"void Acme.Program.Main() -> void Acme.Handlers.OnClick(string) [usage]",
	}, h.edges(t))
}

type failingRecorder struct{}

func (failingRecorder) CollectReference(int, int, store.ReferenceKind) (int, error) {
	return 0, store.ErrNotOpen
}

func TestVisit_RecorderErrorsAbort(t *testing.T) {
	h := newHarness(t, DefaultBuilderOptions())
	b, err := NewBuilder(h.registry, failingRecorder{}, DefaultBuilderOptions(), nil)
	require.NoError(t, err)

	program := localType("Program", metadata.KindClass)
	origin := h.origin(t, addMethod(program, "Main", someBody))
	_, err = b.Visit(origin, cil.Event{Kind: cil.EventType, Type: localType("Point", metadata.KindStruct)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotOpen))
}
