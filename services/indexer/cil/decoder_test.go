// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// fakeResolver resolves tokens from fixed maps.
type fakeResolver struct {
	methods map[metadata.Token]*metadata.Method
	fields  map[metadata.Token]*metadata.Field
	types   map[metadata.Token]*metadata.Type
	calls   []metadata.GenericContext
}

func (f *fakeResolver) ResolveMethod(tok metadata.Token, ctx metadata.GenericContext) (*metadata.Method, error) {
	f.calls = append(f.calls, ctx)
	if m, ok := f.methods[tok]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", metadata.ErrTokenNotFound, tok)
}

func (f *fakeResolver) ResolveField(tok metadata.Token, _ metadata.GenericContext) (*metadata.Field, error) {
	if fl, ok := f.fields[tok]; ok {
		return fl, nil
	}
	return nil, fmt.Errorf("%w: %s", metadata.ErrTokenNotFound, tok)
}

func (f *fakeResolver) ResolveType(tok metadata.Token, _ metadata.GenericContext) (*metadata.Type, error) {
	if t, ok := f.types[tok]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", metadata.ErrTokenNotFound, tok)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func tokenBytes(tok uint32) []byte {
	return []byte{byte(tok), byte(tok >> 8), byte(tok >> 16), byte(tok >> 24)}
}

func body(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func methodWithBody(b []byte) *metadata.Method {
	return &metadata.Method{
		Name:          "Run",
		DeclaringType: &metadata.Type{Namespace: "Acme", Name: "Worker"},
		Body:          b,
	}
}

func TestInstructions_ZeroOperandThenReturn(t *testing.T) {
	ins, issues := Instructions([]byte{0x00, 0x2A})
	require.Len(t, ins, 2)
	assert.Empty(t, issues)
	assert.Equal(t, "nop", ins[0].OpCode.Name)
	assert.Equal(t, "ret", ins[1].OpCode.Name)
	assert.Equal(t, 1, ins[1].Offset)

	d := NewDecoder(discardLogger())
	events := d.Decode(context.Background(), methodWithBody([]byte{0x00, 0x2A}), &fakeResolver{})
	assert.Empty(t, events)
}

func TestInstructions_SwitchSkipsTargets(t *testing.T) {
	b := body(
		[]byte{0x45}, tokenBytes(3),
		tokenBytes(1), tokenBytes(2), tokenBytes(3),
		[]byte{0x2A},
	)
	ins, issues := Instructions(b)
	assert.Empty(t, issues)
	require.Len(t, ins, 2)
	assert.Equal(t, "switch", ins[0].OpCode.Name)
	assert.Len(t, ins[0].Operand, 16)
	assert.Equal(t, 17, ins[1].Offset)
	assert.Equal(t, "ret", ins[1].OpCode.Name)
}

func TestInstructions_ExtendedOpcodes(t *testing.T) {
	b := body(
		[]byte{0xFE, 0x16}, tokenBytes(0x1B000001), // constrained.
		[]byte{0x6F}, tokenBytes(0x0A000001), // callvirt
		[]byte{0xFE, 0x12, 0x04}, // unaligned. 4
		[]byte{0xFE, 0x0C, 0x01, 0x00}, // ldloc 1
		[]byte{0x2A},
	)
	ins, issues := Instructions(b)
	assert.Empty(t, issues)
	require.Len(t, ins, 5)
	assert.True(t, ins[0].OpCode.Extended())
	assert.Equal(t, 2, ins[0].OpCode.Size())
	assert.Equal(t, OperandPrefix, ins[0].OpCode.Operand)
	assert.Equal(t, 6, ins[1].Offset)
	assert.Equal(t, "unaligned.", ins[2].OpCode.Name)
	assert.Equal(t, "ldloc", ins[3].OpCode.Name)
	assert.Equal(t, 18, ins[4].Offset)

	tok, ok := ins[1].Token()
	require.True(t, ok)
	assert.Equal(t, metadata.Token(0x0A000001), tok)
	_, ok = ins[3].Token()
	assert.False(t, ok)
}

func TestInstructions_UnknownOpcodeContinues(t *testing.T) {
	ins, issues := Instructions([]byte{0x24, 0xFE, 0x08, 0x2A})
	require.Len(t, issues, 2)
	assert.Equal(t, IssueUnknownOpcode, issues[0].Kind)
	assert.Equal(t, uint16(0x24), issues[0].Value)
	assert.Equal(t, IssueUnknownOpcode, issues[1].Kind)
	assert.Equal(t, uint16(0xFE08), issues[1].Value)
	assert.Equal(t, 1, issues[1].Offset)
	require.Len(t, ins, 1)
	assert.Equal(t, 3, ins[0].Offset)
}

func TestDecoder_UnknownOperandLengthDoesNotAdvance(t *testing.T) {
	table := StandardTable()
	ldcI4 := table[0x20]
	ldcI4.Length = LengthUnknown
	table[0x20] = ldcI4

	d := NewDecoder(discardLogger(), WithTable(table))
	// ldc.i4 1 is read as ldc.i4 followed by the operand bytes as opcodes:
	// 0x01 break, 0x00 nop, 0x00 nop, 0x00 nop.
	ins := d.Instructions([]byte{0x20, 0x01, 0x00, 0x00, 0x00, 0x2A})
	require.Len(t, ins, 6)
	assert.Empty(t, ins[0].Operand)
	assert.Equal(t, "break", ins[1].OpCode.Name)
	assert.Equal(t, "ret", ins[5].OpCode.Name)
}

func TestInstructions_TruncatedOperandStops(t *testing.T) {
	ins, issues := Instructions([]byte{0x00, 0x28, 0x01, 0x00})
	require.Len(t, issues, 1)
	assert.Equal(t, IssueTruncated, issues[0].Kind)
	assert.Equal(t, 1, issues[0].Offset)
	require.Len(t, ins, 1)

	_, issues = Instructions([]byte{0x45, 0xFF, 0xFF, 0xFF, 0x7F, 0x2A})
	require.Len(t, issues, 1)
	assert.Equal(t, IssueTruncated, issues[0].Kind)

	_, issues = Instructions([]byte{0x00, 0xFE})
	require.Len(t, issues, 1)
	assert.Equal(t, IssueTruncated, issues[0].Kind)
}

func TestDecoder_Events(t *testing.T) {
	target := &metadata.Method{Name: "Spin"}
	fn := &metadata.Method{Name: "Callback"}
	field := &metadata.Field{Name: "count"}
	typ := &metadata.Type{Namespace: "Acme", Name: "Gadget"}
	constrainedType := &metadata.Type{Namespace: "Acme", Name: "Constraint"}

	r := &fakeResolver{
		methods: map[metadata.Token]*metadata.Method{0x0A000001: target, 0x06000002: fn},
		fields:  map[metadata.Token]*metadata.Field{0x04000001: field},
		types:   map[metadata.Token]*metadata.Type{0x01000001: typ, 0x1B000009: constrainedType},
	}
	b := body(
		[]byte{0x02},
		[]byte{0x7B}, tokenBytes(0x04000001), // ldfld
		[]byte{0x8C}, tokenBytes(0x01000001), // box
		[]byte{0xFE, 0x16}, tokenBytes(0x1B000009), // constrained.
		[]byte{0x6F}, tokenBytes(0x0A000001), // callvirt
		[]byte{0xFE, 0x06}, tokenBytes(0x06000002), // ldftn
		[]byte{0xD0}, tokenBytes(0x01000001), // ldtoken
		[]byte{0x72}, tokenBytes(0x70000001), // ldstr
		[]byte{0x2A},
	)
	d := NewDecoder(discardLogger())
	events := d.Decode(context.Background(), methodWithBody(b), r)

	require.Len(t, events, 4)
	assert.Equal(t, EventField, events[0].Kind)
	assert.Same(t, field, events[0].Field)
	assert.Equal(t, 1, events[0].Offset)
	assert.Equal(t, EventType, events[1].Kind)
	assert.Same(t, typ, events[1].Type)
	assert.Equal(t, EventCall, events[2].Kind)
	assert.Same(t, target, events[2].Method)
	assert.Equal(t, "callvirt", events[2].OpCode.Name)
	assert.Equal(t, EventMethodRef, events[3].Kind)
	assert.Same(t, fn, events[3].Method)
}

func TestDecoder_ResolutionFailureSkipsOnlyThatInstruction(t *testing.T) {
	target := &metadata.Method{Name: "Spin"}
	r := &fakeResolver{methods: map[metadata.Token]*metadata.Method{0x0A000002: target}}
	b := body(
		[]byte{0x28}, tokenBytes(0x0A000001), // unresolvable
		[]byte{0x29}, tokenBytes(0x11000001), // calli
		[]byte{0x28}, tokenBytes(0x0A000002),
		[]byte{0x2A},
	)
	d := NewDecoder(discardLogger())
	events := d.Decode(context.Background(), methodWithBody(b), r)
	require.Len(t, events, 1)
	assert.Same(t, target, events[0].Method)
	assert.Equal(t, 10, events[0].Offset)
}

func TestDecoder_PassesGenericContext(t *testing.T) {
	box := &metadata.Type{Namespace: "Acme", Name: "Box`1"}
	box.GenericParameters = []*metadata.Type{metadata.NewGenericParameter("T", 0, false)}
	intType := &metadata.Type{Assembly: metadata.CoreLibrary, Namespace: "System", Name: "Int32"}
	constructed := metadata.Instantiate(box, []*metadata.Type{intType})

	m := &metadata.Method{Name: "Put", DeclaringType: constructed, Body: body([]byte{0x28}, tokenBytes(0x0A000001))}
	r := &fakeResolver{}
	NewDecoder(discardLogger()).Decode(context.Background(), m, r)

	require.Len(t, r.calls, 1)
	require.Len(t, r.calls[0].TypeArguments, 1)
	assert.Same(t, intType, r.calls[0].TypeArguments[0])
}

func TestDecoder_NoBodyOrCancelled(t *testing.T) {
	d := NewDecoder(discardLogger())
	assert.Nil(t, d.Decode(context.Background(), &metadata.Method{Name: "Abstract"}, &fakeResolver{}))
	assert.Nil(t, d.Decode(context.Background(), nil, &fakeResolver{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &fakeResolver{types: map[metadata.Token]*metadata.Type{0x01000001: {Name: "X"}}}
	events := d.Decode(ctx, methodWithBody(body([]byte{0x8C}, tokenBytes(0x01000001))), r)
	assert.Empty(t, events)
}

func TestStandardTable_IsCopied(t *testing.T) {
	table := StandardTable()
	delete(table, 0x2A)
	_, ok := standardTable.Lookup(0x2A)
	assert.True(t, ok)

	for value, op := range standardTable {
		assert.Equal(t, value, op.Value)
		assert.NotEmpty(t, op.Name)
	}
	for _, unused := range []uint16{0x24, 0x77, 0x78, 0xA6, 0xB2, 0xBB, 0xC1, 0xC4, 0xC5, 0xC7, 0xCF, 0xFE08, 0xFE10, 0xFE1B} {
		_, ok := standardTable.Lookup(unused)
		assert.False(t, ok, "0x%X", unused)
	}
}
