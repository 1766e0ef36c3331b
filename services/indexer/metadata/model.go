// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata models the declared types and members of a managed
// binary and resolves metadata tokens found in method bodies.
package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// CoreLibrary is the assembly that owns the primitive types.
const CoreLibrary = "System.Private.CoreLib"

// Token identifies a row in a module's metadata tables. The high byte
// selects the table, the low three bytes hold the 1-based row number.
type Token uint32

// Metadata table numbers used by tokens.
const (
	TableTypeRef       uint8 = 0x01
	TableTypeDef       uint8 = 0x02
	TableField         uint8 = 0x04
	TableMethodDef     uint8 = 0x06
	TableMemberRef     uint8 = 0x0A
	TableStandAloneSig uint8 = 0x11
	TableTypeSpec      uint8 = 0x1B
	TableMethodSpec    uint8 = 0x2B
)

// Table returns the metadata table the token points into.
func (t Token) Table() uint8 { return uint8(t >> 24) }

// Row returns the 1-based row number.
func (t Token) Row() uint32 { return uint32(t) & 0x00FFFFFF }

// String renders the token the way disassemblers do.
func (t Token) String() string { return fmt.Sprintf("0x%08X", uint32(t)) }

// MakeToken builds a token from a table and a row.
func MakeToken(table uint8, row uint32) Token {
	return Token(uint32(table)<<24 | row&0x00FFFFFF)
}

// TypeKind classifies a Type.
type TypeKind int

const (
	KindClass TypeKind = iota
	KindInterface
	KindStruct
	KindEnum
	KindDelegate
	KindGenericParameter
	KindArray
	KindByRef
	KindPointer
)

var typeKindNames = map[TypeKind]string{
	KindClass:            "class",
	KindInterface:        "interface",
	KindStruct:           "struct",
	KindEnum:             "enum",
	KindDelegate:         "delegate",
	KindGenericParameter: "generic_parameter",
	KindArray:            "array",
	KindByRef:            "byref",
	KindPointer:          "pointer",
}

// String returns the lower-case kind name.
func (k TypeKind) String() string {
	if name, ok := typeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseTypeKind converts a kind name into a TypeKind. An empty name is a class.
func ParseTypeKind(s string) (TypeKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindClass, nil
	}
	for k, name := range typeKindNames {
		if name == s {
			return k, nil
		}
	}
	return KindClass, fmt.Errorf("unknown type kind %q", s)
}

// Type is a type definition, a reference to a type in another assembly,
// or a type composed from others (generic instance, array, byref, pointer,
// generic parameter).
//
// Nested types carry an empty Namespace; the namespace of the outermost
// declaring type applies to them.
type Type struct {
	Token     Token
	Assembly  string
	Namespace string

	// Name is the metadata name, including any arity suffix ("List`1").
	Name string
	Kind TypeKind

	DeclaringType *Type
	BaseType      *Type
	Interfaces    []*Type

	// GenericParameters holds the type's own generic parameters.
	GenericParameters []*Type

	// GenericArguments and Definition are set on constructed generic types.
	GenericArguments []*Type
	Definition       *Type

	// Element is set for arrays, byrefs and pointers.
	Element *Type

	// Position and MethodParameter describe a generic parameter.
	Position        int
	MethodParameter bool

	CompilerGenerated bool

	Fields  []*Field
	Methods []*Method
}

// IsInterface reports whether t is an interface.
func (t *Type) IsInterface() bool { return t != nil && t.Kind == KindInterface }

// IsGenericParameter reports whether t is a type or method generic parameter.
func (t *Type) IsGenericParameter() bool { return t != nil && t.Kind == KindGenericParameter }

// IsConstructed reports whether t is an instance of a generic definition.
func (t *Type) IsConstructed() bool { return t != nil && t.Definition != nil }

// HasElement reports whether t is an array, byref or pointer.
func (t *Type) HasElement() bool {
	return t != nil && (t.Kind == KindArray || t.Kind == KindByRef || t.Kind == KindPointer)
}

// Outermost returns the top-level type that encloses t.
func (t *Type) Outermost() *Type {
	for t != nil && t.DeclaringType != nil {
		t = t.DeclaringType
	}
	return t
}

// EffectiveNamespace returns the namespace that applies to t.
func (t *Type) EffectiveNamespace() string {
	switch {
	case t == nil:
		return ""
	case t.HasElement():
		return t.Element.EffectiveNamespace()
	case t.IsConstructed():
		return t.Definition.EffectiveNamespace()
	}
	return t.Outermost().Namespace
}

// FullName returns the metadata-style name: Namespace.Outer+Inner`1.
func (t *Type) FullName() string {
	if t == nil {
		return ""
	}
	switch {
	case t.Kind == KindArray:
		return t.Element.FullName() + "[]"
	case t.Kind == KindByRef:
		return t.Element.FullName() + "&"
	case t.Kind == KindPointer:
		return t.Element.FullName() + "*"
	case t.IsGenericParameter():
		return t.Name
	case t.IsConstructed():
		args := make([]string, len(t.GenericArguments))
		for i, a := range t.GenericArguments {
			args[i] = a.FullName()
		}
		return t.Definition.FullName() + "[" + strings.Join(args, ",") + "]"
	}
	if t.DeclaringType != nil {
		return t.DeclaringType.FullName() + "+" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Key returns a string that identifies t across every module of a
// workspace. Generic parameters are identified by position, not by name.
func (t *Type) Key() string {
	if t == nil {
		return ""
	}
	switch {
	case t.Kind == KindArray:
		return t.Element.Key() + "[]"
	case t.Kind == KindByRef:
		return t.Element.Key() + "&"
	case t.Kind == KindPointer:
		return t.Element.Key() + "*"
	case t.IsGenericParameter():
		if t.MethodParameter {
			return "!!" + strconv.Itoa(t.Position)
		}
		return "!" + strconv.Itoa(t.Position)
	case t.IsConstructed():
		args := make([]string, len(t.GenericArguments))
		for i, a := range t.GenericArguments {
			args[i] = a.Key()
		}
		return t.Definition.Key() + "<" + strings.Join(args, ",") + ">"
	}
	return "[" + t.Assembly + "]" + t.FullName()
}

// SameType reports whether a and b denote the same type.
func SameType(a, b *Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b || a.Key() == b.Key()
}

// Method finds the first declared method with the given name.
func (t *Type) Method(name string) *Method {
	if t == nil {
		return nil
	}
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Field finds the declared field with the given name.
func (t *Type) Field(name string) *Field {
	if t == nil {
		return nil
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// MethodAttributes are the method flags the indexer cares about.
type MethodAttributes uint16

const (
	MethodStatic MethodAttributes = 1 << iota
	MethodVirtual
	MethodAbstract
	MethodSpecialName
)

// Method is a method or constructor.
type Method struct {
	Token         Token
	DeclaringType *Type
	Name          string
	ReturnType    *Type
	Parameters    []*Parameter

	GenericParameters []*Type
	GenericArguments  []*Type

	// Definition is set when the method was instantiated from another
	// (generic method instance or member of a constructed type).
	Definition *Method

	Attributes MethodAttributes

	// Body is the raw IL of the method, nil for abstract or external methods.
	Body []byte

	// StateMachine is the compiler-generated async state machine type
	// that carries the body of an async method.
	StateMachine *Type
}

// Parameter is a formal method parameter.
type Parameter struct {
	Name string
	Type *Type
}

// Is reports whether all attributes in a are set.
func (m *Method) Is(a MethodAttributes) bool { return m.Attributes&a == a }

// IsConstructor reports whether m is an instance or static constructor.
func (m *Method) IsConstructor() bool { return m.Name == ".ctor" || m.Name == ".cctor" }

// HasBody reports whether m carries IL.
func (m *Method) HasBody() bool { return len(m.Body) > 0 }

// Root follows Definition links to the declared method.
func (m *Method) Root() *Method {
	for m != nil && m.Definition != nil {
		m = m.Definition
	}
	return m
}

// SameParameters reports whether m and other have identical parameter types.
func (m *Method) SameParameters(other *Method) bool {
	if len(m.Parameters) != len(other.Parameters) {
		return false
	}
	for i, p := range m.Parameters {
		if !SameType(p.Type, other.Parameters[i].Type) {
			return false
		}
	}
	return true
}

// GenericContext returns the generic arguments in effect inside m's body.
func (m *Method) GenericContext() GenericContext {
	var ctx GenericContext
	if m.DeclaringType != nil && m.DeclaringType.IsConstructed() {
		ctx.TypeArguments = m.DeclaringType.GenericArguments
	}
	ctx.MethodArguments = m.GenericArguments
	return ctx
}

// Field is a field of a type.
type Field struct {
	Token         Token
	DeclaringType *Type
	Name          string
	Type          *Type
	Static        bool
	Literal       bool
}

// Module is one loaded binary: its identity, its declared types, and the
// resolver for tokens found in its method bodies.
type Module struct {
	Assembly   string
	Path       string
	Format     string
	References []string
	Types      []*Type

	resolver Resolver
	byName   map[string]*Type
}

// Resolver returns the token resolver chosen when the module was loaded.
func (m *Module) Resolver() Resolver { return m.resolver }

// Lookup finds a declared type by its FullName.
func (m *Module) Lookup(fullName string) *Type {
	if m.byName == nil {
		m.byName = make(map[string]*Type, len(m.Types))
		for _, t := range m.Types {
			m.byName[t.FullName()] = t
		}
	}
	return m.byName[fullName]
}
