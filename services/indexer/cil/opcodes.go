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

import "fmt"

// ExtendedPrefix is the first byte of every two-byte opcode.
const ExtendedPrefix = 0xFE

// LengthUnknown marks a table entry whose operand length is not known.
const LengthUnknown = -1

// OperandClass tells how an instruction's operand is interpreted.
type OperandClass int

const (
	OperandNone OperandClass = iota
	// OperandCall is a method token of the call family.
	OperandCall
	// OperandSignature is a stand-alone signature token (calli).
	OperandSignature
	OperandField
	OperandType
	// OperandMethod is a method token that is referenced, not called.
	OperandMethod
	// OperandToken is any metadata token (ldtoken).
	OperandToken
	OperandString
	OperandBranch
	OperandSwitch
	OperandVariable
	OperandNumber
	// OperandPrefix marks prefix pseudo-opcodes. Their operand, if any, is
	// not reported as a reference.
	OperandPrefix
)

var operandClassNames = [...]string{
	OperandNone:      "none",
	OperandCall:      "call",
	OperandSignature: "signature",
	OperandField:     "field",
	OperandType:      "type",
	OperandMethod:    "method",
	OperandToken:     "token",
	OperandString:    "string",
	OperandBranch:    "branch",
	OperandSwitch:    "switch",
	OperandVariable:  "variable",
	OperandNumber:    "number",
	OperandPrefix:    "prefix",
}

// String returns the class name.
func (c OperandClass) String() string {
	if c >= 0 && int(c) < len(operandClassNames) {
		return operandClassNames[c]
	}
	return fmt.Sprintf("operand_class(%d)", int(c))
}

// OpCode describes one instruction of the table.
type OpCode struct {
	// Value is the opcode, 0xFEnn for extended opcodes.
	Value uint16
	Name  string

	// Length is the operand length in bytes, or LengthUnknown. For switch
	// it covers the target count only.
	Length  int
	Operand OperandClass
}

// Extended reports whether the opcode uses the 0xFE prefix.
func (o OpCode) Extended() bool { return o.Value>>8 == ExtendedPrefix }

// Size returns the number of opcode bytes.
func (o OpCode) Size() int {
	if o.Extended() {
		return 2
	}
	return 1
}

// String returns the mnemonic.
func (o OpCode) String() string { return o.Name }

// Table maps opcode values to their descriptions.
type Table map[uint16]OpCode

// Lookup returns the opcode for value.
func (t Table) Lookup(value uint16) (OpCode, bool) {
	op, ok := t[value]
	return op, ok
}

// Clone returns a copy that can be modified.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func op(value uint16, name string, length int, class OperandClass) OpCode {
	return OpCode{Value: value, Name: name, Length: length, Operand: class}
}

// standard lists every opcode of the instruction set.
var standard = []OpCode{
	op(0x00, "nop", 0, OperandNone),
	op(0x01, "break", 0, OperandNone),
	op(0x02, "ldarg.0", 0, OperandNone),
	op(0x03, "ldarg.1", 0, OperandNone),
	op(0x04, "ldarg.2", 0, OperandNone),
	op(0x05, "ldarg.3", 0, OperandNone),
	op(0x06, "ldloc.0", 0, OperandNone),
	op(0x07, "ldloc.1", 0, OperandNone),
	op(0x08, "ldloc.2", 0, OperandNone),
	op(0x09, "ldloc.3", 0, OperandNone),
	op(0x0A, "stloc.0", 0, OperandNone),
	op(0x0B, "stloc.1", 0, OperandNone),
	op(0x0C, "stloc.2", 0, OperandNone),
	op(0x0D, "stloc.3", 0, OperandNone),
	op(0x0E, "ldarg.s", 1, OperandVariable),
	op(0x0F, "ldarga.s", 1, OperandVariable),
	op(0x10, "starg.s", 1, OperandVariable),
	op(0x11, "ldloc.s", 1, OperandVariable),
	op(0x12, "ldloca.s", 1, OperandVariable),
	op(0x13, "stloc.s", 1, OperandVariable),
	op(0x14, "ldnull", 0, OperandNone),
	op(0x15, "ldc.i4.m1", 0, OperandNone),
	op(0x16, "ldc.i4.0", 0, OperandNone),
	op(0x17, "ldc.i4.1", 0, OperandNone),
	op(0x18, "ldc.i4.2", 0, OperandNone),
	op(0x19, "ldc.i4.3", 0, OperandNone),
	op(0x1A, "ldc.i4.4", 0, OperandNone),
	op(0x1B, "ldc.i4.5", 0, OperandNone),
	op(0x1C, "ldc.i4.6", 0, OperandNone),
	op(0x1D, "ldc.i4.7", 0, OperandNone),
	op(0x1E, "ldc.i4.8", 0, OperandNone),
	op(0x1F, "ldc.i4.s", 1, OperandNumber),
	op(0x20, "ldc.i4", 4, OperandNumber),
	op(0x21, "ldc.i8", 8, OperandNumber),
	op(0x22, "ldc.r4", 4, OperandNumber),
	op(0x23, "ldc.r8", 8, OperandNumber),
	op(0x25, "dup", 0, OperandNone),
	op(0x26, "pop", 0, OperandNone),
	op(0x27, "jmp", 4, OperandCall),
	op(0x28, "call", 4, OperandCall),
	op(0x29, "calli", 4, OperandSignature),
	op(0x2A, "ret", 0, OperandNone),
	op(0x2B, "br.s", 1, OperandBranch),
	op(0x2C, "brfalse.s", 1, OperandBranch),
	op(0x2D, "brtrue.s", 1, OperandBranch),
	op(0x2E, "beq.s", 1, OperandBranch),
	op(0x2F, "bge.s", 1, OperandBranch),
	op(0x30, "bgt.s", 1, OperandBranch),
	op(0x31, "ble.s", 1, OperandBranch),
	op(0x32, "blt.s", 1, OperandBranch),
	op(0x33, "bne.un.s", 1, OperandBranch),
	op(0x34, "bge.un.s", 1, OperandBranch),
	op(0x35, "bgt.un.s", 1, OperandBranch),
	op(0x36, "ble.un.s", 1, OperandBranch),
	op(0x37, "blt.un.s", 1, OperandBranch),
	op(0x38, "br", 4, OperandBranch),
	op(0x39, "brfalse", 4, OperandBranch),
	op(0x3A, "brtrue", 4, OperandBranch),
	op(0x3B, "beq", 4, OperandBranch),
	op(0x3C, "bge", 4, OperandBranch),
	op(0x3D, "bgt", 4, OperandBranch),
	op(0x3E, "ble", 4, OperandBranch),
	op(0x3F, "blt", 4, OperandBranch),
	op(0x40, "bne.un", 4, OperandBranch),
	op(0x41, "bge.un", 4, OperandBranch),
	op(0x42, "bgt.un", 4, OperandBranch),
	op(0x43, "ble.un", 4, OperandBranch),
	op(0x44, "blt.un", 4, OperandBranch),
	op(0x45, "switch", 4, OperandSwitch),
	op(0x46, "ldind.i1", 0, OperandNone),
	op(0x47, "ldind.u1", 0, OperandNone),
	op(0x48, "ldind.i2", 0, OperandNone),
	op(0x49, "ldind.u2", 0, OperandNone),
	op(0x4A, "ldind.i4", 0, OperandNone),
	op(0x4B, "ldind.u4", 0, OperandNone),
	op(0x4C, "ldind.i8", 0, OperandNone),
	op(0x4D, "ldind.i", 0, OperandNone),
	op(0x4E, "ldind.r4", 0, OperandNone),
	op(0x4F, "ldind.r8", 0, OperandNone),
	op(0x50, "ldind.ref", 0, OperandNone),
	op(0x51, "stind.ref", 0, OperandNone),
	op(0x52, "stind.i1", 0, OperandNone),
	op(0x53, "stind.i2", 0, OperandNone),
	op(0x54, "stind.i4", 0, OperandNone),
	op(0x55, "stind.i8", 0, OperandNone),
	op(0x56, "stind.r4", 0, OperandNone),
	op(0x57, "stind.r8", 0, OperandNone),
	op(0x58, "add", 0, OperandNone),
	op(0x59, "sub", 0, OperandNone),
	op(0x5A, "mul", 0, OperandNone),
	op(0x5B, "div", 0, OperandNone),
	op(0x5C, "div.un", 0, OperandNone),
	op(0x5D, "rem", 0, OperandNone),
	op(0x5E, "rem.un", 0, OperandNone),
	op(0x5F, "and", 0, OperandNone),
	op(0x60, "or", 0, OperandNone),
	op(0x61, "xor", 0, OperandNone),
	op(0x62, "shl", 0, OperandNone),
	op(0x63, "shr", 0, OperandNone),
	op(0x64, "shr.un", 0, OperandNone),
	op(0x65, "neg", 0, OperandNone),
	op(0x66, "not", 0, OperandNone),
	op(0x67, "conv.i1", 0, OperandNone),
	op(0x68, "conv.i2", 0, OperandNone),
	op(0x69, "conv.i4", 0, OperandNone),
	op(0x6A, "conv.i8", 0, OperandNone),
	op(0x6B, "conv.r4", 0, OperandNone),
	op(0x6C, "conv.r8", 0, OperandNone),
	op(0x6D, "conv.u4", 0, OperandNone),
	op(0x6E, "conv.u8", 0, OperandNone),
	op(0x6F, "callvirt", 4, OperandCall),
	op(0x70, "cpobj", 4, OperandType),
	op(0x71, "ldobj", 4, OperandType),
	op(0x72, "ldstr", 4, OperandString),
	op(0x73, "newobj", 4, OperandCall),
	op(0x74, "castclass", 4, OperandType),
	op(0x75, "isinst", 4, OperandType),
	op(0x76, "conv.r.un", 0, OperandNone),
	op(0x79, "unbox", 4, OperandType),
	op(0x7A, "throw", 0, OperandNone),
	op(0x7B, "ldfld", 4, OperandField),
	op(0x7C, "ldflda", 4, OperandField),
	op(0x7D, "stfld", 4, OperandField),
	op(0x7E, "ldsfld", 4, OperandField),
	op(0x7F, "ldsflda", 4, OperandField),
	op(0x80, "stsfld", 4, OperandField),
	op(0x81, "stobj", 4, OperandType),
	op(0x82, "conv.ovf.i1.un", 0, OperandNone),
	op(0x83, "conv.ovf.i2.un", 0, OperandNone),
	op(0x84, "conv.ovf.i4.un", 0, OperandNone),
	op(0x85, "conv.ovf.i8.un", 0, OperandNone),
	op(0x86, "conv.ovf.u1.un", 0, OperandNone),
	op(0x87, "conv.ovf.u2.un", 0, OperandNone),
	op(0x88, "conv.ovf.u4.un", 0, OperandNone),
	op(0x89, "conv.ovf.u8.un", 0, OperandNone),
	op(0x8A, "conv.ovf.i.un", 0, OperandNone),
	op(0x8B, "conv.ovf.u.un", 0, OperandNone),
	op(0x8C, "box", 4, OperandType),
	op(0x8D, "newarr", 4, OperandType),
	op(0x8E, "ldlen", 0, OperandNone),
	op(0x8F, "ldelema", 4, OperandType),
	op(0x90, "ldelem.i1", 0, OperandNone),
	op(0x91, "ldelem.u1", 0, OperandNone),
	op(0x92, "ldelem.i2", 0, OperandNone),
	op(0x93, "ldelem.u2", 0, OperandNone),
	op(0x94, "ldelem.i4", 0, OperandNone),
	op(0x95, "ldelem.u4", 0, OperandNone),
	op(0x96, "ldelem.i8", 0, OperandNone),
	op(0x97, "ldelem.i", 0, OperandNone),
	op(0x98, "ldelem.r4", 0, OperandNone),
	op(0x99, "ldelem.r8", 0, OperandNone),
	op(0x9A, "ldelem.ref", 0, OperandNone),
	op(0x9B, "stelem.i", 0, OperandNone),
	op(0x9C, "stelem.i1", 0, OperandNone),
	op(0x9D, "stelem.i2", 0, OperandNone),
	op(0x9E, "stelem.i4", 0, OperandNone),
	op(0x9F, "stelem.i8", 0, OperandNone),
	op(0xA0, "stelem.r4", 0, OperandNone),
	op(0xA1, "stelem.r8", 0, OperandNone),
	op(0xA2, "stelem.ref", 0, OperandNone),
	op(0xA3, "ldelem", 4, OperandType),
	op(0xA4, "stelem", 4, OperandType),
	op(0xA5, "unbox.any", 4, OperandType),
	op(0xB3, "conv.ovf.i1", 0, OperandNone),
	op(0xB4, "conv.ovf.u1", 0, OperandNone),
	op(0xB5, "conv.ovf.i2", 0, OperandNone),
	op(0xB6, "conv.ovf.u2", 0, OperandNone),
	op(0xB7, "conv.ovf.i4", 0, OperandNone),
	op(0xB8, "conv.ovf.u4", 0, OperandNone),
	op(0xB9, "conv.ovf.i8", 0, OperandNone),
	op(0xBA, "conv.ovf.u8", 0, OperandNone),
	op(0xC2, "refanyval", 4, OperandType),
	op(0xC3, "ckfinite", 0, OperandNone),
	op(0xC6, "mkrefany", 4, OperandType),
	op(0xD0, "ldtoken", 4, OperandToken),
	op(0xD1, "conv.u2", 0, OperandNone),
	op(0xD2, "conv.u1", 0, OperandNone),
	op(0xD3, "conv.i", 0, OperandNone),
	op(0xD4, "conv.ovf.i", 0, OperandNone),
	op(0xD5, "conv.ovf.u", 0, OperandNone),
	op(0xD6, "add.ovf", 0, OperandNone),
	op(0xD7, "add.ovf.un", 0, OperandNone),
	op(0xD8, "mul.ovf", 0, OperandNone),
	op(0xD9, "mul.ovf.un", 0, OperandNone),
	op(0xDA, "sub.ovf", 0, OperandNone),
	op(0xDB, "sub.ovf.un", 0, OperandNone),
	op(0xDC, "endfinally", 0, OperandNone),
	op(0xDD, "leave", 4, OperandBranch),
	op(0xDE, "leave.s", 1, OperandBranch),
	op(0xDF, "stind.i", 0, OperandNone),
	op(0xE0, "conv.u", 0, OperandNone),

	op(0xFE00, "arglist", 0, OperandNone),
	op(0xFE01, "ceq", 0, OperandNone),
	op(0xFE02, "cgt", 0, OperandNone),
	op(0xFE03, "cgt.un", 0, OperandNone),
	op(0xFE04, "clt", 0, OperandNone),
	op(0xFE05, "clt.un", 0, OperandNone),
	op(0xFE06, "ldftn", 4, OperandMethod),
	op(0xFE07, "ldvirtftn", 4, OperandMethod),
	op(0xFE09, "ldarg", 2, OperandVariable),
	op(0xFE0A, "ldarga", 2, OperandVariable),
	op(0xFE0B, "starg", 2, OperandVariable),
	op(0xFE0C, "ldloc", 2, OperandVariable),
	op(0xFE0D, "ldloca", 2, OperandVariable),
	op(0xFE0E, "stloc", 2, OperandVariable),
	op(0xFE0F, "localloc", 0, OperandNone),
	op(0xFE11, "endfilter", 0, OperandNone),
	op(0xFE12, "unaligned.", 1, OperandPrefix),
	op(0xFE13, "volatile.", 0, OperandPrefix),
	op(0xFE14, "tail.", 0, OperandPrefix),
	op(0xFE15, "initobj", 4, OperandType),
	op(0xFE16, "constrained.", 4, OperandPrefix),
	op(0xFE17, "cpblk", 0, OperandNone),
	op(0xFE18, "initblk", 0, OperandNone),
	op(0xFE19, "no.", 1, OperandPrefix),
	op(0xFE1A, "rethrow", 0, OperandNone),
	op(0xFE1C, "sizeof", 4, OperandType),
	op(0xFE1D, "refanytype", 0, OperandNone),
	op(0xFE1E, "readonly.", 0, OperandPrefix),
}

var standardTable = func() Table {
	t := make(Table, len(standard))
	for _, o := range standard {
		t[o.Value] = o
	}
	return t
}()

// StandardTable returns a copy of the full instruction table.
func StandardTable() Table { return standardTable.Clone() }
