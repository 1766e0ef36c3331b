// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package naming renders display names for types and members and encodes
// them into the serialized name format of the symbol store.
package naming

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// NameDelimiter separates name elements in a serialized name.
const NameDelimiter = "."

// genericSeparator replaces NameDelimiter inside generic argument lists.
const genericSeparator = ':'

// shortNames maps well-known core types to their language keywords.
var shortNames = map[string]string{
	"System.Void":     "void",
	"System.Object":   "object",
	"System.Boolean":  "bool",
	"System.Char":     "char",
	"System.Int32":    "int",
	"System.UInt32":   "uint",
	"System.String":   "string",
	"System.Int64":    "long",
	"System.UInt64":   "ulong",
	"System.Int16":    "short",
	"System.UInt16":   "ushort",
	"System.Byte":     "byte",
	"System.SByte":    "sbyte",
	"System.Single":   "float",
	"System.Double":   "double",
	"System.Decimal":  "decimal",
	"System.DateTime": "DateTime",
}

// Primitive returns the keyword for a well-known core type.
func Primitive(t *metadata.Type) (string, bool) {
	if t == nil || t.IsConstructed() || t.HasElement() || t.DeclaringType != nil {
		return "", false
	}
	name, ok := shortNames[t.FullName()]
	return name, ok
}

// stripArity removes the "`N" suffix from a metadata name.
func stripArity(name string) string {
	if i := strings.IndexByte(name, '`'); i >= 0 {
		return name[:i]
	}
	return name
}

// genericArguments returns the arguments of a constructed type, or the
// parameters of a generic definition.
func genericArguments(t *metadata.Type) []*metadata.Type {
	if t.IsConstructed() {
		return t.GenericArguments
	}
	return t.GenericParameters
}

func argumentList(args []*metadata.Type) string {
	if len(args) == 0 {
		return ""
	}
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = ShortName(a)
	}
	return "<" + strings.Join(names, ", ") + ">"
}

// nestedPath renders Outer.Inner for a definition without namespace.
func nestedPath(t *metadata.Type) string {
	if t.DeclaringType == nil {
		return stripArity(t.Name)
	}
	return nestedPath(t.DeclaringType) + "." + stripArity(t.Name)
}

// TypeName returns the display name of t: Namespace.Outer.Name<args>.
//
// Description:
//
//	Well-known core types render as their keyword. Arity suffixes are
//	dropped and generic arguments (or, for a definition, its generic
//	parameters) are appended using their short names. Array, byref and
//	pointer types render their element followed by [], & or *.
func TypeName(t *metadata.Type) string {
	if t == nil {
		return ""
	}
	if name, ok := Primitive(t); ok {
		return name
	}
	switch t.Kind {
	case metadata.KindArray:
		return TypeName(t.Element) + "[]"
	case metadata.KindByRef:
		return TypeName(t.Element) + "&"
	case metadata.KindPointer:
		return TypeName(t.Element) + "*"
	case metadata.KindGenericParameter:
		return t.Name
	}
	def := t
	if t.IsConstructed() {
		def = t.Definition
	}
	name := nestedPath(def)
	if ns := def.EffectiveNamespace(); ns != "" {
		name = ns + NameDelimiter + name
	}
	return name + argumentList(genericArguments(t))
}

// ShortName returns the name of t without namespace or declaring types.
// It is used for generic arguments, return types and parameter lists.
func ShortName(t *metadata.Type) string {
	if t == nil {
		return ""
	}
	if name, ok := Primitive(t); ok {
		return name
	}
	switch t.Kind {
	case metadata.KindArray:
		return ShortName(t.Element) + "[]"
	case metadata.KindByRef:
		return ShortName(t.Element) + "&"
	case metadata.KindPointer:
		return ShortName(t.Element) + "*"
	case metadata.KindGenericParameter:
		return t.Name
	}
	def := t
	if t.IsConstructed() {
		def = t.Definition
	}
	return stripArity(def.Name) + argumentList(genericArguments(t))
}

// ParameterList renders "(int, string)" for m.
func ParameterList(m *metadata.Method) string {
	names := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		names[i] = ShortName(p.Type)
	}
	return "(" + strings.Join(names, ", ") + ")"
}

// MethodName returns the qualified display name of m with any method
// generic parameters appended: Namespace.Type.Method<T>.
func MethodName(m *metadata.Method) string {
	name := TypeName(m.DeclaringType) + NameDelimiter + m.Name
	args := m.GenericArguments
	if len(args) == 0 {
		args = m.GenericParameters
	}
	return name + argumentList(args)
}

// Element is one segment of a serialized name.
type Element struct {
	Prefix  string `json:"prefix"`
	Name    string `json:"name"`
	Postfix string `json:"postfix"`
}

// serializedName is the wire format of a symbol name.
type serializedName struct {
	Delimiter string    `json:"name_delimiter"`
	Elements  []Element `json:"name_elements"`
}

// Elements splits a qualified display name into name elements.
//
// Description:
//
//	'+' separators of nested metadata names become '.'. Inside a generic
//	argument list '.' becomes ':' so that qualified argument names do not
//	split the element. A '<' at index 0 does not open an argument list,
//	which keeps compiler-generated names such as "<Main>d__0" intact.
//	The prefix and postfix attach to the last element only.
//
// Outputs:
//
//	[]Element - At least one element for a non-empty name.
func Elements(fullName, prefix, postfix string) []Element {
	var b strings.Builder
	b.Grow(len(fullName))
	depth := 0
	for i, r := range fullName {
		switch {
		case r == '+':
			r = '.'
		case r == '<' && i > 0:
			depth++
		case r == '>' && depth > 0:
			depth--
		case r == '.' && depth > 0:
			r = genericSeparator
		}
		b.WriteRune(r)
	}

	parts := strings.Split(b.String(), NameDelimiter)
	elements := make([]Element, len(parts))
	for i, p := range parts {
		elements[i] = Element{Name: p}
	}
	last := &elements[len(elements)-1]
	last.Prefix = prefix
	last.Postfix = postfix
	return elements
}

// Serialize encodes a display name with optional prefix and postfix in
// the store's name format:
//
//	{"name_delimiter":".","name_elements":[{"prefix":"","name":"N","postfix":""},...]}
func Serialize(fullName, prefix, postfix string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(serializedName{
		Delimiter: NameDelimiter,
		Elements:  Elements(fullName, prefix, postfix),
	})
	return strings.TrimSuffix(buf.String(), "\n")
}

// Deserialize decodes a serialized name back into its elements.
func Deserialize(serialized string) ([]Element, error) {
	var sn serializedName
	if err := json.Unmarshal([]byte(serialized), &sn); err != nil {
		return nil, err
	}
	return sn.Elements, nil
}

// Display joins the elements of a serialized name for human output:
// "prefix N.Outer.Inner<T>postfix".
func Display(serialized string) string {
	elements, err := Deserialize(serialized)
	if err != nil || len(elements) == 0 {
		return serialized
	}
	names := make([]string, len(elements))
	for i, e := range elements {
		names[i] = strings.ReplaceAll(e.Name, string(genericSeparator), NameDelimiter)
	}
	last := elements[len(elements)-1]
	out := strings.Join(names, NameDelimiter) + last.Postfix
	if last.Prefix != "" {
		out = last.Prefix + " " + out
	}
	return out
}
