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
	"errors"
	"strconv"
)

var (
	// ErrTokenNotFound is returned when a token has no row in its table.
	ErrTokenNotFound = errors.New("metadata token not found")

	// ErrTokenKind is returned when a token points into a table that cannot
	// produce the requested kind of handle.
	ErrTokenKind = errors.New("metadata token has the wrong kind")
)

// Resolver turns metadata tokens found in a method body into handles.
//
// Description:
//
//	Every input format supplies one implementation, chosen once when the
//	module is loaded. The generic context carries the generic arguments of
//	the enclosing type and method so that references through type and
//	method specs come back with generic parameters substituted.
//
// Thread Safety:
//
//	Implementations are read-only after loading and safe for concurrent use.
type Resolver interface {
	ResolveMethod(token Token, ctx GenericContext) (*Method, error)
	ResolveField(token Token, ctx GenericContext) (*Field, error)
	ResolveType(token Token, ctx GenericContext) (*Type, error)
}

// GenericContext holds the generic arguments used for substitution.
type GenericContext struct {
	TypeArguments   []*Type
	MethodArguments []*Type
}

// Substitute replaces the generic parameters in t with the arguments in
// ctx. Parameters without a matching argument are left in place.
func (ctx GenericContext) Substitute(t *Type) *Type {
	switch {
	case t == nil:
		return nil
	case t.IsGenericParameter():
		args := ctx.TypeArguments
		if t.MethodParameter {
			args = ctx.MethodArguments
		}
		if t.Position < len(args) && args[t.Position] != nil {
			return args[t.Position]
		}
		return t
	case t.HasElement():
		elem := ctx.Substitute(t.Element)
		if elem == t.Element {
			return t
		}
		return Compose(t.Kind, elem)
	case t.IsConstructed():
		changed := false
		args := make([]*Type, len(t.GenericArguments))
		for i, a := range t.GenericArguments {
			args[i] = ctx.Substitute(a)
			changed = changed || args[i] != a
		}
		if !changed {
			return t
		}
		return Instantiate(t.Definition, args)
	}
	return t
}

// Empty reports whether ctx carries no arguments.
func (ctx GenericContext) Empty() bool {
	return len(ctx.TypeArguments) == 0 && len(ctx.MethodArguments) == 0
}

// Instantiate constructs def<args...>.
func Instantiate(def *Type, args []*Type) *Type {
	for def.Definition != nil {
		def = def.Definition
	}
	return &Type{
		Token:            def.Token,
		Assembly:         def.Assembly,
		Namespace:        def.Namespace,
		Name:             def.Name,
		Kind:             def.Kind,
		DeclaringType:    def.DeclaringType,
		BaseType:         def.BaseType,
		Interfaces:       def.Interfaces,
		GenericArguments: args,
		Definition:       def,
	}
}

// Compose builds an array, byref or pointer type over elem.
func Compose(kind TypeKind, elem *Type) *Type {
	suffix := map[TypeKind]string{KindArray: "[]", KindByRef: "&", KindPointer: "*"}[kind]
	return &Type{
		Assembly:  elem.Assembly,
		Namespace: elem.Namespace,
		Name:      elem.Name + suffix,
		Kind:      kind,
		Element:   elem,
	}
}

// NewGenericParameter creates the generic parameter at position. Method
// parameters are named "!!n" and type parameters "!n" when name is empty.
func NewGenericParameter(name string, position int, methodParameter bool) *Type {
	if name == "" {
		name = "!" + strconv.Itoa(position)
		if methodParameter {
			name = "!" + name
		}
	}
	return &Type{
		Name:            name,
		Kind:            KindGenericParameter,
		Position:        position,
		MethodParameter: methodParameter,
	}
}

// InstantiateMethod returns m as seen through declaringType with the given
// method generic arguments. Parameter and return types are substituted.
func InstantiateMethod(m *Method, declaringType *Type, methodArgs []*Type) *Method {
	root := m.Root()
	if declaringType == nil {
		declaringType = root.DeclaringType
	}
	if !declaringType.IsConstructed() && len(methodArgs) == 0 {
		return root
	}
	ctx := GenericContext{MethodArguments: methodArgs}
	if declaringType.IsConstructed() {
		ctx.TypeArguments = declaringType.GenericArguments
	}
	inst := &Method{
		Token:             root.Token,
		DeclaringType:     declaringType,
		Name:              root.Name,
		ReturnType:        ctx.Substitute(root.ReturnType),
		GenericParameters: root.GenericParameters,
		GenericArguments:  methodArgs,
		Definition:        root,
		Attributes:        root.Attributes,
		Body:              root.Body,
		StateMachine:      root.StateMachine,
	}
	inst.Parameters = make([]*Parameter, len(root.Parameters))
	for i, p := range root.Parameters {
		inst.Parameters[i] = &Parameter{Name: p.Name, Type: ctx.Substitute(p.Type)}
	}
	return inst
}
