// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/ilindex/services/indexer/filter"
	"github.com/AleutianAI/ilindex/services/indexer/metadata"
	"github.com/AleutianAI/ilindex/services/indexer/naming"
	"github.com/AleutianAI/ilindex/services/indexer/pdb"
	"github.com/AleutianAI/ilindex/services/indexer/registry"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// Program.Main calls Helper and Acme.Lib.Widget.Spin. RunAsync constructs
// its state machine twice; the worker calls Helper.
const appDump = `
assembly: Acme.App
references: [Acme.Lib]
types:
  - token: 0x02000002
    namespace: Acme
    name: Program
    methods:
      - {token: 0x06000001, name: Main, flags: [static], il: KAIAAAYoAQAACio=}
      - {token: 0x06000002, name: Helper, il: Kg==}
      - {token: 0x06000003, name: RunAsync, state_machine: 0x02000003, il: cwQAAAZzBAAABio=}
  - token: 0x02000003
    name: '<RunAsync>d__2'
    nested_in: 0x02000002
    compiler_generated: true
    methods:
      - {token: 0x06000004, name: .ctor, il: Kg==}
      - {token: 0x06000005, name: MoveNext, il: KAIAAAYq}
external_types:
  - {token: 0x01000001, assembly: Acme.Lib, namespace: Acme.Lib, name: Widget}
member_refs:
  - {token: 0x0A000001, parent: {ref: 0x01000001}, name: Spin}
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

// fixture writes the app next to a garbage debug file and the library
// into a separate search directory.
type fixture struct {
	app    string
	libDir string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	appDir := t.TempDir()
	libDir := t.TempDir()
	writeFile(t, libDir, "Acme.Lib.yaml", libDump)
	app := writeFile(t, appDir, "Acme.App.yaml", appDump)
	writeFile(t, appDir, "Acme.App.pdb", "not a debug file")
	return fixture{app: app, libDir: libDir}
}

// trackingStore counts lifecycle calls and can fail the commit.
type trackingStore struct {
	*store.MemoryStore
	opened     int
	closed     int
	failCommit bool
}

func (s *trackingStore) Open(path string) error {
	s.opened++
	return s.MemoryStore.Open(path)
}

func (s *trackingStore) Close() error {
	s.closed++
	return s.MemoryStore.Close()
}

func (s *trackingStore) CommitTransaction() error {
	if s.failCommit {
		return store.ErrNoTransaction
	}
	return s.MemoryStore.CommitTransaction()
}

func edges(ix *store.Index) []string {
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

func run(t *testing.T, s store.SymbolStore, opts Options, options ...Option) *Result {
	t.Helper()
	ix, err := New(s, opts, testLogger(), options...)
	require.NoError(t, err)
	result, err := ix.Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil, DefaultOptions(), nil)
	assert.True(t, errors.Is(err, ErrNilStore))
}

func TestRun_DecodesToFixpoint(t *testing.T) {
	f := newFixture(t)
	s := &trackingStore{MemoryStore: store.NewMemoryStore()}

	result := run(t, s, Options{
		Inputs:      []string{f.app},
		OutputPath:  "memory",
		SearchPaths: []string{f.libDir},
		Export:      true,
	})

	assert.ElementsMatch(t, []string{
		"void Acme.Program.Main() -> void Acme.Program.Helper() [call]",
		"void Acme.Program.RunAsync() -> void Acme.Program.Helper() [call]",
	}, edges(result.Index))

	st := result.Stats
	assert.Equal(t, 1, st.InputsLoaded)
	assert.Equal(t, 4, st.MethodsDecoded, "Main, Helper, RunAsync and the async worker")
	assert.Equal(t, 1, st.AsyncWorkers)
	assert.Equal(t, 1, st.Duplicates, "the second construction of the state machine")
	assert.Equal(t, 0, st.DebugFiles)
	assert.Equal(t, 2, st.References)
	assert.Equal(t, 2, st.RefsByKind[store.ReferenceKindCall])
	assert.Equal(t, 1, st.TypesExpanded)
	assert.Equal(t, []registry.AssemblyCount{{Assembly: "Acme.App", Types: 1}}, result.Assemblies)
	assert.Empty(t, result.Unresolved)
	assert.Empty(t, result.Warnings)

	assert.Equal(t, 1, s.opened)
	assert.Equal(t, 1, s.closed)
}

func TestRun_FollowExpandsForeignNamespaces(t *testing.T) {
	f := newFixture(t)

	result := run(t, store.NewMemoryStore(), Options{
		Inputs:      []string{f.app},
		SearchPaths: []string{f.libDir},
		Follow:      filter.MustNew(`Acme\.Lib`),
		Export:      true,
	})

	assert.ElementsMatch(t, []string{
		"void Acme.Program.Main() -> void Acme.Program.Helper() [call]",
		"Acme.Program -> Acme.Lib.Widget [type_usage]",
		"void Acme.Program.Main() -> Acme.Lib.Widget [type_usage]",
		"void Acme.Program.Main() -> void Acme.Lib.Widget.Spin() [call]",
		"void Acme.Program.RunAsync() -> void Acme.Program.Helper() [call]",
	}, edges(result.Index))
	assert.Equal(t, 5, result.Stats.MethodsDecoded, "Spin is queued once Widget is expanded")
	assert.Equal(t, 2, result.Stats.TypesExpanded)
}

func TestRun_ExcludeFilterSkipsTypes(t *testing.T) {
	f := newFixture(t)

	result := run(t, store.NewMemoryStore(), Options{
		Inputs:      []string{f.app},
		SearchPaths: []string{f.libDir},
		Exclude:     filter.MustNew(`^Acme$`),
		Export:      true,
	})

	assert.Empty(t, result.Index.References)
	assert.Equal(t, 1, result.SkippedFilteredTypes)
	assert.Equal(t, 0, result.Stats.MethodsDecoded)
}

func TestRun_UnresolvedReferencesAreReported(t *testing.T) {
	f := newFixture(t)

	result := run(t, store.NewMemoryStore(), Options{Inputs: []string{f.app}})
	assert.Equal(t, []string{"acme.lib"}, result.Unresolved)
	assert.Equal(t, 4, result.Stats.MethodsDecoded)
}

func TestRun_MissingInputsAreSkipped(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(t.TempDir(), "Gone.yaml")

	result := run(t, store.NewMemoryStore(), Options{
		Inputs:      []string{missing, f.app, f.app},
		SearchPaths: []string{f.libDir},
	})
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, missing, result.Warnings[0].Path)
	assert.True(t, errors.Is(result.Warnings[0], fs.ErrNotExist))
	assert.Equal(t, 1, result.Stats.InputsLoaded, "duplicate inputs load once")
}

func TestRun_NothingToIndex(t *testing.T) {
	s := &trackingStore{MemoryStore: store.NewMemoryStore()}

	ix, err := New(s, DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = ix.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoInputs))

	ix, err = New(s, Options{Inputs: []string{filepath.Join(t.TempDir(), "Gone.yaml")}}, testLogger())
	require.NoError(t, err)
	_, err = ix.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoLoadableInput))
	assert.Equal(t, 0, s.opened, "the store is not touched without input")
}

func TestRun_StoreClosedWhenCommitFails(t *testing.T) {
	f := newFixture(t)
	s := &trackingStore{MemoryStore: store.NewMemoryStore(), failCommit: true}

	ix, err := New(s, Options{Inputs: []string{f.app}, SearchPaths: []string{f.libDir}}, testLogger())
	require.NoError(t, err)
	result, err := ix.Run(context.Background())
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, store.ErrNoTransaction))
	assert.Equal(t, 1, s.closed)

	exported, err := s.Export(context.Background())
	require.NoError(t, err)
	assert.Empty(t, exported.Symbols, "uncommitted symbols are discarded")
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix, err := New(store.NewMemoryStore(), Options{Inputs: []string{f.app}}, testLogger())
	require.NoError(t, err)
	_, err = ix.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRun_Manifest(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	result := run(t, store.NewMemoryStore(), Options{
		Inputs:      []string{f.app},
		SearchPaths: []string{f.libDir},
		Version:     "1.2.3",
		Export:      true,
	}, WithClock(func() time.Time { return created }))

	m := result.Manifest
	require.NotNil(t, m)
	assert.Equal(t, ToolName, m.Tool)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, created, m.CreatedAt)
	require.Len(t, m.Inputs, 1)
	assert.Equal(t, "Acme.App", m.Inputs[0].Assembly)
	assert.Equal(t, int64(len(appDump)), m.Inputs[0].Size)
	assert.Len(t, m.Inputs[0].Hash, 16)

	require.NotNil(t, result.Index.Manifest)
	assert.Equal(t, m.Inputs, result.Index.Manifest.Inputs)
}

type stubReader struct {
	methods map[metadata.Token]*pdb.Method
}

func (s stubReader) Read(string) (map[metadata.Token]*pdb.Method, error) {
	return s.methods, nil
}

func TestRun_DebugDataIsExposed(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Dir(f.app), "Acme.App.pdb", "BSJB")

	main := &pdb.Method{
		Token:     0x06000001,
		Document:  "/src/Program.cs",
		Sequences: []pdb.CodeSequence{{StartOffset: 0, StartLine: 7}, {StartOffset: 5, StartLine: 8}},
	}
	locator := pdb.NewLocator(testLogger(), pdb.WithReader(pdb.FormatPortable, stubReader{
		methods: map[metadata.Token]*pdb.Method{main.Token: main},
	}))

	result := run(t, store.NewMemoryStore(), Options{
		Inputs:      []string{f.app},
		SearchPaths: []string{f.libDir},
	}, WithLocator(locator))

	assert.Equal(t, 1, result.Stats.DebugFiles)
	got, ok := result.Debug.Method("Acme.App", 0x06000001)
	require.True(t, ok)
	seq, ok := got.SequenceFor(6)
	require.True(t, ok)
	assert.Equal(t, 8, seq.StartLine)
}

// oversizedPortablePDB is a Portable PDB whose Document and
// MethodDebugInformation tables claim far more rows than the file holds.
func oversizedPortablePDB() []byte {
	var tables bytes.Buffer
	put := func(b *bytes.Buffer, v any) { _ = binary.Write(b, binary.LittleEndian, v) }
	put(&tables, uint32(0))
	put(&tables, []byte{2, 0, 0, 1})
	put(&tables, uint64(1<<0x30|1<<0x31))
	put(&tables, uint64(0))
	put(&tables, uint32(0x7FFFFFFF))
	put(&tables, uint32(0x7FFFFFFF))

	// Root header, version string and two stream headers take 60 bytes.
	var out bytes.Buffer
	out.WriteString("BSJB")
	put(&out, []uint16{1, 1})
	put(&out, []uint32{0, 12})
	out.WriteString("PDB v1.0\x00\x00\x00\x00")
	put(&out, []uint16{0, 2})
	put(&out, []uint32{60, 32})
	out.WriteString("#Pdb\x00\x00\x00\x00")
	put(&out, []uint32{92, uint32(tables.Len())})
	out.WriteString("#~\x00\x00")
	out.Write(make([]byte, 32))
	out.Write(tables.Bytes())
	return out.Bytes()
}

func TestRun_CorruptDebugFileIsSkipped(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated root", data: []byte("BSJB")},
		{name: "oversized tables", data: oversizedPortablePDB()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			writeFile(t, filepath.Dir(f.app), "Acme.App.pdb", string(tt.data))

			var logs bytes.Buffer
			locator := pdb.NewLocator(slog.New(slog.NewTextHandler(&logs, nil)))

			result := run(t, store.NewMemoryStore(), Options{
				Inputs:      []string{f.app},
				SearchPaths: []string{f.libDir},
				Export:      true,
			}, WithLocator(locator))

			assert.Equal(t, 0, result.Stats.DebugFiles)
			_, ok := result.Debug.Method("Acme.App", 0x06000001)
			assert.False(t, ok)
			assert.Contains(t, edges(result.Index),
				"void Acme.Program.Main() -> void Acme.Program.Helper() [call]")
			assert.Contains(t, logs.String(), "cannot read debug file")
			assert.Contains(t, logs.String(), pdb.ErrCorrupt.Error())
		})
	}
}

func TestRun_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t)
	run(t, store.NewMemoryStore(), Options{Inputs: []string{f.app}, SearchPaths: []string{f.libDir}})

	names := make(map[string]bool)
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{
		"indexer.Indexer.Run",
		"indexer.Indexer.loadPhase",
		"indexer.Indexer.debugPhase",
		"indexer.Indexer.registerPhase",
		"indexer.Indexer.decodePhase",
	} {
		assert.True(t, names[want], "missing span %s", want)
	}
}

func TestWorklist(t *testing.T) {
	a := &metadata.Method{Name: "A"}
	b := &metadata.Method{Name: "B"}
	w := newWorklist()

	assert.Equal(t, 2, w.push(
		registry.CollectedMethod{Method: a, MethodID: 1},
		registry.CollectedMethod{Method: b, MethodID: 2},
		registry.CollectedMethod{},
	))
	assert.Equal(t, 1, w.push(
		registry.CollectedMethod{Method: a, MethodID: 1},
		registry.CollectedMethod{Method: b, MethodID: 1},
	))
	assert.Equal(t, 1, w.duplicates)
	assert.Equal(t, 3, w.len())

	var order []string
	for {
		it, ok := w.pop()
		if !ok {
			break
		}
		order = append(order, fmt.Sprintf("%s/%d", it.Method.Name, it.MethodID))
	}
	assert.Equal(t, []string{"A/1", "B/2", "B/1"}, order)
	assert.Zero(t, w.len())
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "assembly: A")
	b := writeFile(t, dir, "b.yaml", "assembly: B")

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	again, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa.Hash, again.Hash)
	assert.NotEqual(t, fa.Hash, fb.Hash)
	assert.Equal(t, int64(11), fa.Size)

	_, err = Fingerprint(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
