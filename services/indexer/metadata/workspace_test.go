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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appDump = `
assembly: Acme.App
references: [Acme.Lib]
types:
  - token: 0x02000002
    namespace: Acme
    name: Box` + "`" + `1
    generic_parameters: [T]
    fields:
      - {token: 0x04000001, name: value, type: {var: 0}}
    methods:
      - token: 0x06000001
        name: Put
        parameters:
          - {name: item, type: {var: 0}}
      - token: 0x06000002
        name: Main
        flags: [static]
        il: KAIAAAYq
  - token: 0x02000003
    namespace: Acme
    name: Cursor
    nested_in: 0x02000002
    kind: struct
external_types:
  - {token: 0x01000001, assembly: Acme.Lib, namespace: Acme.Lib, name: Widget}
  - {token: 0x01000002, assembly: mscorlib, namespace: System, name: Console}
type_specs:
  - token: 0x1B000001
    type: {ref: 0x02000002, args: [{primitive: int32}]}
member_refs:
  - token: 0x0A000001
    parent: {ref: 0x1B000001}
    name: Put
    parameters: [{var: 0}]
  - token: 0x0A000002
    parent: {ref: 0x01000002}
    name: WriteLine
    parameters: [{primitive: string}]
  - token: 0x0A000003
    parent: {ref: 0x1B000001}
    name: value
    kind: field
  - token: 0x0A000004
    parent: {ref: 0x01000001}
    name: Spin
`

const libDump = `
assembly: Acme.Lib
types:
  - token: 0x02000002
    namespace: Acme.Lib
    name: Widget
    methods:
      - {token: 0x06000001, name: Spin, il: Kg==}
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWorkspace_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Acme.App.yaml", appDump)

	ws := NewWorkspace(testLogger())
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "Acme.App", mod.Assembly)
	assert.Equal(t, "yaml", mod.Format)
	require.Len(t, mod.Types, 2)

	box := mod.Types[0]
	assert.Equal(t, "Acme.Box`1", box.FullName())
	require.Len(t, box.GenericParameters, 1)
	assert.Equal(t, "T", box.GenericParameters[0].Name)

	cursor := mod.Types[1]
	assert.Same(t, box, cursor.DeclaringType)
	assert.Equal(t, "Acme", cursor.EffectiveNamespace())
	assert.Equal(t, KindStruct, cursor.Kind)

	main := box.Method("Main")
	require.NotNil(t, main)
	assert.True(t, main.Is(MethodStatic))
	assert.Equal(t, []byte{0x28, 0x02, 0x00, 0x00, 0x06, 0x2A}, main.Body)
	assert.Equal(t, "System.Void", main.ReturnType.FullName())
}

func TestResolver_MemberRefOnConstructedType(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Acme.App.yaml", appDump)

	ws := NewWorkspace(testLogger())
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)
	r := mod.Resolver()

	put, err := r.ResolveMethod(0x0A000001, GenericContext{})
	require.NoError(t, err)
	assert.Equal(t, "Put", put.Name)
	require.True(t, put.DeclaringType.IsConstructed())
	assert.Same(t, mod.Types[0], put.DeclaringType.Definition)
	require.Len(t, put.Parameters, 1)
	assert.Equal(t, "System.Int32", put.Parameters[0].Type.FullName())
	assert.Same(t, mod.Types[0].Method("Put"), put.Root())

	field, err := r.ResolveField(0x0A000003, GenericContext{})
	require.NoError(t, err)
	assert.Equal(t, "value", field.Name)
	assert.Equal(t, "System.Int32", field.Type.FullName())

	_, err = r.ResolveMethod(0x0A000003, GenericContext{})
	assert.True(t, errors.Is(err, ErrTokenKind))
}

func TestResolver_StubsForUnloadedAssemblies(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Acme.App.yaml", appDump)

	ws := NewWorkspace(testLogger())
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)

	writeLine, err := mod.Resolver().ResolveMethod(0x0A000002, GenericContext{})
	require.NoError(t, err)
	assert.Equal(t, "WriteLine", writeLine.Name)
	assert.Equal(t, "mscorlib", writeLine.DeclaringType.Assembly)
	assert.False(t, writeLine.HasBody())
	require.Len(t, writeLine.Parameters, 1)
	assert.Equal(t, "System.String", writeLine.Parameters[0].Type.FullName())

	assert.Equal(t, []string{"acme.lib"}, ws.Unresolved())
}

func TestResolver_Errors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Acme.App.yaml", appDump)

	ws := NewWorkspace(testLogger())
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)
	r := mod.Resolver()

	_, err = r.ResolveMethod(0x06000099, GenericContext{})
	assert.True(t, errors.Is(err, ErrTokenNotFound))

	_, err = r.ResolveMethod(MakeToken(TableStandAloneSig, 1), GenericContext{})
	assert.True(t, errors.Is(err, ErrTokenKind))

	_, err = r.ResolveType(0x06000001, GenericContext{})
	assert.True(t, errors.Is(err, ErrTokenKind))
}

func TestWorkspace_SearchPathBindsReferences(t *testing.T) {
	appDir := t.TempDir()
	libDir := t.TempDir()
	writeFile(t, libDir, "Acme.Lib.yaml", libDump)
	path := writeFile(t, appDir, "Acme.App.yaml", appDump)

	ws := NewWorkspace(testLogger(), WithSearchPaths(libDir))
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, ws.Unresolved())

	lib, ok := ws.Module("acme.lib")
	require.True(t, ok)

	spin, err := mod.Resolver().ResolveMethod(0x0A000004, GenericContext{})
	require.NoError(t, err)
	assert.Same(t, lib.Types[0].Methods[0], spin)
	assert.True(t, spin.HasBody())

	_, ok = ws.Resolver("Acme.Lib")
	assert.True(t, ok)
}

func TestWorkspace_JSONFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "Tiny.json", `{
  "assembly": "Tiny",
  "types": [
    {"token": "0x02000002", "namespace": "T", "name": "Only",
     "methods": [{"token": 100663297, "name": "Run", "il": "Kg=="}]}
  ]
}`)

	ws := NewWorkspace(testLogger())
	mod, err := ws.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "json", mod.Format)

	run, err := mod.Resolver().ResolveMethod(0x06000001, GenericContext{})
	require.NoError(t, err)
	assert.Equal(t, "Run", run.Name)
}

func TestWorkspace_UnsupportedFormat(t *testing.T) {
	ws := NewWorkspace(testLogger())
	_, err := ws.Load(context.Background(), "/nowhere/App.dll")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestGenericContext_Substitute(t *testing.T) {
	intType := &Type{Assembly: CoreLibrary, Namespace: "System", Name: "Int32", Kind: KindStruct}
	list := &Type{Assembly: CoreLibrary, Namespace: "System.Collections.Generic", Name: "List`1"}
	list.GenericParameters = []*Type{NewGenericParameter("T", 0, false)}

	listOfT := Instantiate(list, []*Type{NewGenericParameter("", 0, false)})
	arrayOfU := Compose(KindArray, NewGenericParameter("", 0, true))

	ctx := GenericContext{TypeArguments: []*Type{intType}, MethodArguments: []*Type{intType}}

	got := ctx.Substitute(listOfT)
	assert.Equal(t, "System.Collections.Generic.List`1[System.Int32]", got.FullName())
	assert.Equal(t, "System.Int32[]", ctx.Substitute(arrayOfU).FullName())

	unbound := GenericContext{}.Substitute(listOfT)
	assert.Same(t, listOfT, unbound)
}
