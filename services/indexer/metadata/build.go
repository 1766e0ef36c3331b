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
	"encoding/base64"
	"fmt"
	"strings"
)

// primitiveTypes maps dump primitive names to System type names and kinds.
var primitiveTypes = map[string]struct {
	name string
	kind TypeKind
}{
	"void":     {"Void", KindStruct},
	"bool":     {"Boolean", KindStruct},
	"char":     {"Char", KindStruct},
	"int8":     {"SByte", KindStruct},
	"uint8":    {"Byte", KindStruct},
	"int16":    {"Int16", KindStruct},
	"uint16":   {"UInt16", KindStruct},
	"int32":    {"Int32", KindStruct},
	"uint32":   {"UInt32", KindStruct},
	"int64":    {"Int64", KindStruct},
	"uint64":   {"UInt64", KindStruct},
	"float32":  {"Single", KindStruct},
	"float64":  {"Double", KindStruct},
	"decimal":  {"Decimal", KindStruct},
	"intptr":   {"IntPtr", KindStruct},
	"uintptr":  {"UIntPtr", KindStruct},
	"typedref": {"TypedReference", KindStruct},
	"string":   {"String", KindClass},
	"object":   {"Object", KindClass},
}

// tableResolver resolves tokens against the tables of a metadata dump.
type tableResolver struct {
	module      *Module
	typeDefs    map[Token]*Type
	typeRefs    map[Token]*Type
	typeSpecs   map[Token]dumpSig
	methods     map[Token]*Method
	fields      map[Token]*Field
	memberRefs  map[Token]dumpMemberRef
	methodSpecs map[Token]dumpMethodSpec
	primitives  map[string]*Type
	lookup      TypeLookup
}

var _ Resolver = (*tableResolver)(nil)

// buildModule turns a decoded dump into a Module with a tableResolver.
func buildModule(doc *dumpDocument, path, format string, lookup TypeLookup) (*Module, error) {
	if strings.TrimSpace(doc.Assembly) == "" {
		return nil, fmt.Errorf("dump %s: assembly name is required", path)
	}
	if lookup == nil {
		lookup = func(string, string) *Type { return nil }
	}
	mod := &Module{
		Assembly:   doc.Assembly,
		Path:       path,
		Format:     format,
		References: doc.References,
	}
	r := &tableResolver{
		module:      mod,
		typeDefs:    make(map[Token]*Type, len(doc.Types)),
		typeRefs:    make(map[Token]*Type, len(doc.ExternalTypes)),
		typeSpecs:   make(map[Token]dumpSig, len(doc.TypeSpecs)),
		methods:     make(map[Token]*Method),
		fields:      make(map[Token]*Field),
		memberRefs:  make(map[Token]dumpMemberRef, len(doc.MemberRefs)),
		methodSpecs: make(map[Token]dumpMethodSpec, len(doc.MethodSpecs)),
		primitives:  make(map[string]*Type),
		lookup:      lookup,
	}
	mod.resolver = r

	// Shells first so that signatures can point at any type.
	for _, dt := range doc.Types {
		kind, err := ParseTypeKind(dt.Kind)
		if err != nil {
			return nil, fmt.Errorf("dump %s type %s: %w", path, dt.Name, err)
		}
		t := &Type{
			Token:             Token(dt.Token),
			Assembly:          doc.Assembly,
			Namespace:         dt.Namespace,
			Name:              dt.Name,
			Kind:              kind,
			CompilerGenerated: dt.CompilerGenerated || strings.HasPrefix(dt.Name, "<"),
		}
		t.GenericParameters = genericParameters(dt.GenericParameters, false)
		if _, dup := r.typeDefs[t.Token]; dup {
			return nil, fmt.Errorf("dump %s: duplicate type token %s", path, t.Token)
		}
		r.typeDefs[t.Token] = t
		mod.Types = append(mod.Types, t)
	}
	for _, dt := range doc.Types {
		if dt.NestedIn == 0 {
			continue
		}
		outer, ok := r.typeDefs[Token(dt.NestedIn)]
		if !ok {
			return nil, fmt.Errorf("dump %s type %s: unknown enclosing type %s", path, dt.Name, Token(dt.NestedIn))
		}
		r.typeDefs[Token(dt.Token)].DeclaringType = outer
	}

	if err := r.buildExternalTypes(doc.ExternalTypes); err != nil {
		return nil, fmt.Errorf("dump %s: %w", path, err)
	}
	for _, ts := range doc.TypeSpecs {
		r.typeSpecs[Token(ts.Token)] = ts.Type
	}
	for _, mr := range doc.MemberRefs {
		r.memberRefs[Token(mr.Token)] = mr
	}
	for _, ms := range doc.MethodSpecs {
		r.methodSpecs[Token(ms.Token)] = ms
	}

	for _, dt := range doc.Types {
		if err := r.buildMembers(r.typeDefs[Token(dt.Token)], dt); err != nil {
			return nil, fmt.Errorf("dump %s type %s: %w", path, dt.Name, err)
		}
	}
	return mod, nil
}

func genericParameters(names []string, method bool) []*Type {
	if len(names) == 0 {
		return nil
	}
	params := make([]*Type, len(names))
	for i, name := range names {
		params[i] = NewGenericParameter(name, i, method)
	}
	return params
}

func (r *tableResolver) buildExternalTypes(externals []dumpExternalType) error {
	for _, et := range externals {
		kind, err := ParseTypeKind(et.Kind)
		if err != nil {
			return fmt.Errorf("external type %s: %w", et.Name, err)
		}
		t := &Type{
			Token:     Token(et.Token),
			Assembly:  et.Assembly,
			Namespace: et.Namespace,
			Name:      et.Name,
			Kind:      kind,
		}
		t.GenericParameters = genericParameters(et.GenericParameters, false)
		r.typeRefs[t.Token] = t
	}
	for _, et := range externals {
		if et.NestedIn == 0 {
			continue
		}
		outer, ok := r.typeRefs[Token(et.NestedIn)]
		if !ok {
			return fmt.Errorf("external type %s: unknown enclosing type %s", et.Name, Token(et.NestedIn))
		}
		r.typeRefs[Token(et.Token)].DeclaringType = outer
	}
	// Bind references to definitions of assemblies that are already loaded.
	for tok, t := range r.typeRefs {
		if def := r.lookup(t.Assembly, t.FullName()); def != nil {
			r.typeRefs[tok] = def
		}
	}
	return nil
}

func (r *tableResolver) buildMembers(t *Type, dt dumpType) error {
	var err error
	if dt.Base != nil {
		if t.BaseType, err = r.sig(dt.Base, t.GenericParameters, nil); err != nil {
			return fmt.Errorf("base type: %w", err)
		}
	}
	for i := range dt.Interfaces {
		iface, err := r.sig(&dt.Interfaces[i], t.GenericParameters, nil)
		if err != nil {
			return fmt.Errorf("interface: %w", err)
		}
		t.Interfaces = append(t.Interfaces, iface)
	}
	for _, df := range dt.Fields {
		ft, err := r.sig(&df.Type, t.GenericParameters, nil)
		if err != nil {
			return fmt.Errorf("field %s: %w", df.Name, err)
		}
		f := &Field{
			Token:         Token(df.Token),
			DeclaringType: t,
			Name:          df.Name,
			Type:          ft,
			Static:        df.Static || df.Literal,
			Literal:       df.Literal,
		}
		t.Fields = append(t.Fields, f)
		r.fields[f.Token] = f
	}
	for _, dm := range dt.Methods {
		m, err := r.buildMethod(t, dm)
		if err != nil {
			return fmt.Errorf("method %s: %w", dm.Name, err)
		}
		t.Methods = append(t.Methods, m)
		r.methods[m.Token] = m
	}
	return nil
}

func (r *tableResolver) buildMethod(t *Type, dm dumpMethod) (*Method, error) {
	m := &Method{
		Token:             Token(dm.Token),
		DeclaringType:     t,
		Name:              dm.Name,
		GenericParameters: genericParameters(dm.GenericParameters, true),
	}
	for _, flag := range dm.Flags {
		switch strings.ToLower(flag) {
		case "static":
			m.Attributes |= MethodStatic
		case "virtual":
			m.Attributes |= MethodVirtual
		case "abstract":
			m.Attributes |= MethodAbstract
		case "special_name", "specialname":
			m.Attributes |= MethodSpecialName
		default:
			return nil, fmt.Errorf("unknown method flag %q", flag)
		}
	}
	var err error
	if dm.Return != nil {
		if m.ReturnType, err = r.sig(dm.Return, t.GenericParameters, m.GenericParameters); err != nil {
			return nil, fmt.Errorf("return type: %w", err)
		}
	} else {
		m.ReturnType = r.primitive("void")
	}
	for _, dp := range dm.Parameters {
		pt, err := r.sig(&dp.Type, t.GenericParameters, m.GenericParameters)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", dp.Name, err)
		}
		m.Parameters = append(m.Parameters, &Parameter{Name: dp.Name, Type: pt})
	}
	if dm.IL != "" {
		if m.Body, err = base64.StdEncoding.DecodeString(dm.IL); err != nil {
			return nil, fmt.Errorf("decoding il: %w", err)
		}
	}
	if dm.StateMachine != 0 {
		sm, ok := r.typeDefs[Token(dm.StateMachine)]
		if !ok {
			return nil, fmt.Errorf("unknown state machine type %s", Token(dm.StateMachine))
		}
		m.StateMachine = sm
	}
	return m, nil
}

// primitive returns the shared handle for a primitive, bound to the core
// library definition when that assembly is loaded.
func (r *tableResolver) primitive(name string) *Type {
	if t, ok := r.primitives[name]; ok {
		return t
	}
	p, ok := primitiveTypes[name]
	if !ok {
		return nil
	}
	t := r.lookup(CoreLibrary, "System."+p.name)
	if t == nil {
		t = &Type{Assembly: CoreLibrary, Namespace: "System", Name: p.name, Kind: p.kind}
	}
	r.primitives[name] = t
	return t
}

// sig builds a type from a signature. Generic variables are taken from
// typeParams and methodParams; out-of-range variables become placeholders.
func (r *tableResolver) sig(s *dumpSig, typeParams, methodParams []*Type) (*Type, error) {
	switch {
	case s == nil:
		return nil, fmt.Errorf("empty signature")
	case s.Primitive != "":
		t := r.primitive(strings.ToLower(s.Primitive))
		if t == nil {
			return nil, fmt.Errorf("unknown primitive %q", s.Primitive)
		}
		return t, nil
	case s.Var != nil:
		if *s.Var < len(typeParams) {
			return typeParams[*s.Var], nil
		}
		return NewGenericParameter("", *s.Var, false), nil
	case s.MVar != nil:
		if *s.MVar < len(methodParams) {
			return methodParams[*s.MVar], nil
		}
		return NewGenericParameter("", *s.MVar, true), nil
	case s.Array != nil:
		return r.composed(KindArray, s.Array, typeParams, methodParams)
	case s.ByRef != nil:
		return r.composed(KindByRef, s.ByRef, typeParams, methodParams)
	case s.Pointer != nil:
		return r.composed(KindPointer, s.Pointer, typeParams, methodParams)
	case s.Ref != 0:
		base, err := r.namedType(Token(s.Ref), typeParams, methodParams)
		if err != nil {
			return nil, err
		}
		if len(s.Args) == 0 {
			return base, nil
		}
		args := make([]*Type, len(s.Args))
		for i := range s.Args {
			if args[i], err = r.sig(&s.Args[i], typeParams, methodParams); err != nil {
				return nil, err
			}
		}
		return Instantiate(base, args), nil
	}
	return nil, fmt.Errorf("empty signature")
}

func (r *tableResolver) composed(kind TypeKind, elem *dumpSig, typeParams, methodParams []*Type) (*Type, error) {
	e, err := r.sig(elem, typeParams, methodParams)
	if err != nil {
		return nil, err
	}
	return Compose(kind, e), nil
}

func (r *tableResolver) namedType(tok Token, typeParams, methodParams []*Type) (*Type, error) {
	switch tok.Table() {
	case TableTypeDef:
		if t, ok := r.typeDefs[tok]; ok {
			return t, nil
		}
	case TableTypeRef:
		if t, ok := r.typeRefs[tok]; ok {
			return t, nil
		}
	case TableTypeSpec:
		if spec, ok := r.typeSpecs[tok]; ok {
			return r.sig(&spec, typeParams, methodParams)
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a type", ErrTokenKind, tok)
	}
	return nil, fmt.Errorf("%w: type %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
}

// =============================================================================
// Resolver implementation
// =============================================================================

// ResolveType implements Resolver.
func (r *tableResolver) ResolveType(tok Token, ctx GenericContext) (*Type, error) {
	t, err := r.namedType(tok, nil, nil)
	if err != nil {
		return nil, err
	}
	return ctx.Substitute(t), nil
}

// ResolveField implements Resolver.
func (r *tableResolver) ResolveField(tok Token, ctx GenericContext) (*Field, error) {
	switch tok.Table() {
	case TableField:
		if f, ok := r.fields[tok]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: field %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
	case TableMemberRef:
		mr, ok := r.memberRefs[tok]
		if !ok {
			return nil, fmt.Errorf("%w: member ref %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
		}
		if !strings.EqualFold(mr.Kind, "field") {
			return nil, fmt.Errorf("%w: member ref %s is not a field", ErrTokenKind, tok)
		}
		parent, err := r.sig(&mr.Parent, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("member ref %s parent: %w", tok, err)
		}
		parent = ctx.Substitute(parent)
		owner := parent
		if owner.IsConstructed() {
			owner = owner.Definition
		}
		if def := owner.Field(mr.Name); def != nil {
			if !parent.IsConstructed() {
				return def, nil
			}
			inst := *def
			inst.DeclaringType = parent
			inst.Type = GenericContext{TypeArguments: parent.GenericArguments}.Substitute(def.Type)
			return &inst, nil
		}
		f := &Field{Token: tok, DeclaringType: parent, Name: mr.Name}
		if mr.Type != nil {
			ft, err := r.sig(mr.Type, nil, nil)
			if err != nil {
				return nil, fmt.Errorf("member ref %s type: %w", tok, err)
			}
			f.Type = GenericContext{TypeArguments: parent.GenericArguments}.Substitute(ft)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s is not a field", ErrTokenKind, tok)
}

// ResolveMethod implements Resolver.
func (r *tableResolver) ResolveMethod(tok Token, ctx GenericContext) (*Method, error) {
	switch tok.Table() {
	case TableMethodDef:
		if m, ok := r.methods[tok]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("%w: method %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
	case TableMemberRef:
		return r.resolveMemberRefMethod(tok, ctx, nil)
	case TableMethodSpec:
		spec, ok := r.methodSpecs[tok]
		if !ok {
			return nil, fmt.Errorf("%w: method spec %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
		}
		args := make([]*Type, len(spec.Arguments))
		for i := range spec.Arguments {
			a, err := r.sig(&spec.Arguments[i], nil, nil)
			if err != nil {
				return nil, fmt.Errorf("method spec %s argument %d: %w", tok, i, err)
			}
			args[i] = ctx.Substitute(a)
		}
		inner := Token(spec.Method)
		switch inner.Table() {
		case TableMethodDef:
			m, err := r.ResolveMethod(inner, ctx)
			if err != nil {
				return nil, err
			}
			return InstantiateMethod(m, m.DeclaringType, args), nil
		case TableMemberRef:
			return r.resolveMemberRefMethod(inner, ctx, args)
		}
		return nil, fmt.Errorf("%w: method spec %s wraps %s", ErrTokenKind, tok, inner)
	}
	return nil, fmt.Errorf("%w: %s is not a method", ErrTokenKind, tok)
}

func (r *tableResolver) resolveMemberRefMethod(tok Token, ctx GenericContext, methodArgs []*Type) (*Method, error) {
	mr, ok := r.memberRefs[tok]
	if !ok {
		return nil, fmt.Errorf("%w: member ref %s in %s", ErrTokenNotFound, tok, r.module.Assembly)
	}
	if strings.EqualFold(mr.Kind, "field") {
		return nil, fmt.Errorf("%w: member ref %s is a field", ErrTokenKind, tok)
	}
	parent, err := r.sig(&mr.Parent, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("member ref %s parent: %w", tok, err)
	}
	parent = ctx.Substitute(parent)

	params := make([]*Type, len(mr.Parameters))
	for i := range mr.Parameters {
		if params[i], err = r.sig(&mr.Parameters[i], nil, nil); err != nil {
			return nil, fmt.Errorf("member ref %s parameter %d: %w", tok, i, err)
		}
	}

	owner := parent
	if owner.IsConstructed() {
		owner = owner.Definition
	}
	for _, m := range owner.Methods {
		if m.Name == mr.Name && signatureMatches(m, params) {
			return InstantiateMethod(m, parent, methodArgs), nil
		}
	}

	// The declaring assembly is not loaded: describe the method from the
	// reference itself.
	sub := GenericContext{MethodArguments: methodArgs}
	if parent.IsConstructed() {
		sub.TypeArguments = parent.GenericArguments
	}
	stub := &Method{Token: tok, DeclaringType: parent, Name: mr.Name, GenericArguments: methodArgs}
	if mr.Return != nil {
		rt, err := r.sig(mr.Return, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("member ref %s return: %w", tok, err)
		}
		stub.ReturnType = sub.Substitute(rt)
	} else {
		stub.ReturnType = r.primitive("void")
	}
	for i, p := range params {
		stub.Parameters = append(stub.Parameters, &Parameter{Name: fmt.Sprintf("p%d", i), Type: sub.Substitute(p)})
	}
	if mr.Name == ".ctor" || mr.Name == ".cctor" || strings.HasPrefix(mr.Name, "get_") || strings.HasPrefix(mr.Name, "set_") {
		stub.Attributes |= MethodSpecialName
	}
	return stub, nil
}

// signatureMatches compares a declared method's parameters with the
// unsubstituted parameter types of a member reference.
func signatureMatches(m *Method, params []*Type) bool {
	if len(m.Parameters) != len(params) {
		return false
	}
	for i, p := range m.Parameters {
		if !SameType(p.Type, params[i]) {
			return false
		}
	}
	return true
}
