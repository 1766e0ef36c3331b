// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cil decodes method bodies and reports the metadata references
// their instructions make.
//
// Decoding is best effort. Unknown opcodes and truncated operands are
// reported as issues and logged; they never fail the method.
package cil

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// =============================================================================
// Instruction scan
// =============================================================================

// Instruction is one decoded instruction.
type Instruction struct {
	Offset  int
	OpCode  OpCode
	Operand []byte
}

// Token returns the operand as a metadata token. ok is false for
// instructions whose operand is not a four-byte token.
func (i Instruction) Token() (metadata.Token, bool) {
	switch i.OpCode.Operand {
	case OperandCall, OperandSignature, OperandField, OperandType, OperandMethod, OperandToken, OperandString:
	default:
		return 0, false
	}
	if len(i.Operand) != 4 {
		return 0, false
	}
	return metadata.Token(binary.LittleEndian.Uint32(i.Operand)), true
}

// IssueKind classifies a scan problem.
type IssueKind int

const (
	// IssueUnknownOpcode is an opcode missing from the table. The scan
	// resumes after the opcode bytes.
	IssueUnknownOpcode IssueKind = iota
	// IssueUnknownLength is a known opcode without operand length. The
	// scan resumes right after the opcode, which can desynchronize the
	// rest of the method.
	IssueUnknownLength
	// IssueTruncated is an operand running past the end of the body. The
	// scan stops.
	IssueTruncated
)

// String returns the label used in logs and metrics.
func (k IssueKind) String() string {
	switch k {
	case IssueUnknownOpcode:
		return "unknown_opcode"
	case IssueUnknownLength:
		return "unknown_length"
	case IssueTruncated:
		return "truncated"
	}
	return fmt.Sprintf("issue(%d)", int(k))
}

// Issue is a problem found while scanning.
type Issue struct {
	Kind   IssueKind
	Offset int
	Value  uint16
}

// Instructions scans body with the standard table.
func Instructions(body []byte) ([]Instruction, []Issue) {
	return scan(standardTable, body)
}

func scan(table Table, body []byte) ([]Instruction, []Issue) {
	var (
		out    []Instruction
		issues []Issue
	)
	i := 0
	for i < len(body) {
		start := i
		value, size := uint16(body[i]), 1
		if body[i] == ExtendedPrefix {
			if i+1 >= len(body) {
				issues = append(issues, Issue{Kind: IssueTruncated, Offset: start, Value: value})
				break
			}
			value, size = uint16(ExtendedPrefix)<<8|uint16(body[i+1]), 2
		}
		i += size

		op, ok := table.Lookup(value)
		if !ok {
			issues = append(issues, Issue{Kind: IssueUnknownOpcode, Offset: start, Value: value})
			continue
		}
		if op.Length == LengthUnknown {
			issues = append(issues, Issue{Kind: IssueUnknownLength, Offset: start, Value: value})
			out = append(out, Instruction{Offset: start, OpCode: op})
			continue
		}

		n := op.Length
		if op.Operand == OperandSwitch {
			if i+4 > len(body) {
				issues = append(issues, Issue{Kind: IssueTruncated, Offset: start, Value: value})
				break
			}
			count := binary.LittleEndian.Uint32(body[i:])
			if uint64(count)*4 > uint64(len(body)-i-4) {
				issues = append(issues, Issue{Kind: IssueTruncated, Offset: start, Value: value})
				break
			}
			n += int(count) * 4
		}
		if i+n > len(body) {
			issues = append(issues, Issue{Kind: IssueTruncated, Offset: start, Value: value})
			break
		}
		out = append(out, Instruction{Offset: start, OpCode: op, Operand: body[i : i+n]})
		i += n
	}
	return out, issues
}

// =============================================================================
// Events
// =============================================================================

// EventKind classifies a resolved reference.
type EventKind int

const (
	EventCall EventKind = iota
	EventField
	EventType
	EventMethodRef
)

// String returns the label used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventField:
		return "field"
	case EventType:
		return "type"
	case EventMethodRef:
		return "method_ref"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a reference made by one instruction, resolved against the
// module's metadata. Exactly one of Method, Field and Type is set.
type Event struct {
	Kind   EventKind
	Offset int
	OpCode OpCode
	Method *metadata.Method
	Field  *metadata.Field
	Type   *metadata.Type
}

// =============================================================================
// Decoder
// =============================================================================

// Option configures a Decoder.
type Option func(*Decoder)

// WithTable replaces the instruction table.
func WithTable(t Table) Option {
	return func(d *Decoder) {
		d.table = t
	}
}

// Decoder turns method bodies into events.
//
// Thread Safety: Safe for concurrent use; a Decoder holds no mutable state.
type Decoder struct {
	logger *slog.Logger
	table  Table
}

// NewDecoder creates a Decoder using the standard table.
func NewDecoder(logger *slog.Logger, opts ...Option) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{logger: logger, table: standardTable}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Instructions scans body with the decoder's table and logs every issue.
func (d *Decoder) Instructions(body []byte) []Instruction {
	out, issues := scan(d.table, body)
	d.report("", issues)
	return out
}

func (d *Decoder) report(method string, issues []Issue) {
	for _, is := range issues {
		decodeIssuesTotal.WithLabelValues(is.Kind.String()).Inc()
		msg := "unrecognized opcode"
		switch is.Kind {
		case IssueUnknownLength:
			msg = "no operand length for opcode"
		case IssueTruncated:
			msg = "operand runs past end of method body"
		}
		d.logger.Warn(msg,
			slog.String("method", method),
			slog.Int("offset", is.Offset),
			slog.String("opcode", fmt.Sprintf("0x%X", is.Value)),
		)
	}
}

// Decode returns the references made by method's body.
//
// Description:
//
//	Tokens are resolved with the generic arguments in effect inside the
//	method. Calls, field accesses, type operands and method references
//	(ldftn, ldvirtftn) produce events; operands of prefix instructions
//	such as constrained. do not. A token that cannot be resolved is
//	logged and skipped.
//
// Inputs:
//
//	ctx - Checked between instructions.
//	method - The method to decode. Methods without a body yield nothing.
//	resolver - Resolver of the module declaring method.
//
// Outputs:
//
//	[]Event - Events in instruction order.
func (d *Decoder) Decode(ctx context.Context, method *metadata.Method, resolver metadata.Resolver) []Event {
	if method == nil || !method.HasBody() {
		return nil
	}
	name := method.Name
	if method.DeclaringType != nil {
		name = method.DeclaringType.FullName() + "::" + method.Name
	}

	instructions, issues := scan(d.table, method.Body)
	d.report(name, issues)
	methodsDecodedTotal.Inc()
	if resolver == nil {
		d.logger.Warn("no resolver for method", slog.String("method", name))
		return nil
	}

	gctx := method.GenericContext()
	var events []Event
	for _, ins := range instructions {
		if ctx.Err() != nil {
			return events
		}
		tok, ok := ins.Token()
		if !ok {
			continue
		}
		ev := Event{Offset: ins.Offset, OpCode: ins.OpCode}
		var err error
		switch ins.OpCode.Operand {
		case OperandCall, OperandSignature:
			ev.Kind = EventCall
			ev.Method, err = resolver.ResolveMethod(tok, gctx)
		case OperandMethod:
			ev.Kind = EventMethodRef
			ev.Method, err = resolver.ResolveMethod(tok, gctx)
		case OperandField:
			ev.Kind = EventField
			ev.Field, err = resolver.ResolveField(tok, gctx)
		case OperandType:
			ev.Kind = EventType
			ev.Type, err = resolver.ResolveType(tok, gctx)
		default:
			continue
		}
		if err != nil {
			resolveFailuresTotal.WithLabelValues(ev.Kind.String()).Inc()
			d.logger.Warn("cannot resolve operand",
				slog.String("method", name),
				slog.Int("offset", ins.Offset),
				slog.String("opcode", ins.OpCode.Name),
				slog.String("token", tok.String()),
				slog.Any("error", err),
			)
			continue
		}
		eventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		events = append(events, ev)
	}
	return events
}
