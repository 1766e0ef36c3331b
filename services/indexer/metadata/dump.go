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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Metadata Dump Document
// =============================================================================

// dumpToken accepts tokens written as numbers or as "0x..." strings.
type dumpToken uint32

func parseDumpToken(s string) (dumpToken, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid token %q: %w", s, err)
	}
	return dumpToken(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *dumpToken) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDumpToken(node.Value)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *dumpToken) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	if s == "null" {
		return nil
	}
	v, err := parseDumpToken(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// dumpDocument is the on-disk description of one assembly as written by
// a metadata exporter.
type dumpDocument struct {
	Assembly      string             `yaml:"assembly" json:"assembly"`
	References    []string           `yaml:"references" json:"references"`
	Types         []dumpType         `yaml:"types" json:"types"`
	ExternalTypes []dumpExternalType `yaml:"external_types" json:"external_types"`
	MemberRefs    []dumpMemberRef    `yaml:"member_refs" json:"member_refs"`
	TypeSpecs     []dumpTypeSpec     `yaml:"type_specs" json:"type_specs"`
	MethodSpecs   []dumpMethodSpec   `yaml:"method_specs" json:"method_specs"`
}

type dumpType struct {
	Token             dumpToken    `yaml:"token" json:"token"`
	Namespace         string       `yaml:"namespace" json:"namespace"`
	Name              string       `yaml:"name" json:"name"`
	Kind              string       `yaml:"kind" json:"kind"`
	NestedIn          dumpToken    `yaml:"nested_in" json:"nested_in"`
	GenericParameters []string     `yaml:"generic_parameters" json:"generic_parameters"`
	CompilerGenerated bool         `yaml:"compiler_generated" json:"compiler_generated"`
	Base              *dumpSig     `yaml:"base" json:"base"`
	Interfaces        []dumpSig    `yaml:"interfaces" json:"interfaces"`
	Fields            []dumpField  `yaml:"fields" json:"fields"`
	Methods           []dumpMethod `yaml:"methods" json:"methods"`
}

type dumpField struct {
	Token   dumpToken `yaml:"token" json:"token"`
	Name    string    `yaml:"name" json:"name"`
	Type    dumpSig   `yaml:"type" json:"type"`
	Static  bool      `yaml:"static" json:"static"`
	Literal bool      `yaml:"literal" json:"literal"`
}

type dumpMethod struct {
	Token             dumpToken   `yaml:"token" json:"token"`
	Name              string      `yaml:"name" json:"name"`
	Return            *dumpSig    `yaml:"return" json:"return"`
	Parameters        []dumpParam `yaml:"parameters" json:"parameters"`
	GenericParameters []string    `yaml:"generic_parameters" json:"generic_parameters"`
	Flags             []string    `yaml:"flags" json:"flags"`
	StateMachine      dumpToken   `yaml:"state_machine" json:"state_machine"`
	IL                string      `yaml:"il" json:"il"`
}

type dumpParam struct {
	Name string  `yaml:"name" json:"name"`
	Type dumpSig `yaml:"type" json:"type"`
}

type dumpExternalType struct {
	Token             dumpToken `yaml:"token" json:"token"`
	Assembly          string    `yaml:"assembly" json:"assembly"`
	Namespace         string    `yaml:"namespace" json:"namespace"`
	Name              string    `yaml:"name" json:"name"`
	Kind              string    `yaml:"kind" json:"kind"`
	NestedIn          dumpToken `yaml:"nested_in" json:"nested_in"`
	GenericParameters []string  `yaml:"generic_parameters" json:"generic_parameters"`
}

type dumpMemberRef struct {
	Token      dumpToken `yaml:"token" json:"token"`
	Parent     dumpSig   `yaml:"parent" json:"parent"`
	Name       string    `yaml:"name" json:"name"`
	Kind       string    `yaml:"kind" json:"kind"`
	Return     *dumpSig  `yaml:"return" json:"return"`
	Parameters []dumpSig `yaml:"parameters" json:"parameters"`
	Type       *dumpSig  `yaml:"type" json:"type"`
}

type dumpTypeSpec struct {
	Token dumpToken `yaml:"token" json:"token"`
	Type  dumpSig   `yaml:"type" json:"type"`
}

type dumpMethodSpec struct {
	Token     dumpToken `yaml:"token" json:"token"`
	Method    dumpToken `yaml:"method" json:"method"`
	Arguments []dumpSig `yaml:"arguments" json:"arguments"`
}

// dumpSig is a type signature. Exactly one of its fields is set.
type dumpSig struct {
	Ref       dumpToken `yaml:"ref" json:"ref"`
	Args      []dumpSig `yaml:"args" json:"args"`
	Var       *int      `yaml:"var" json:"var"`
	MVar      *int      `yaml:"mvar" json:"mvar"`
	Primitive string    `yaml:"primitive" json:"primitive"`
	Array     *dumpSig  `yaml:"array" json:"array"`
	ByRef     *dumpSig  `yaml:"byref" json:"byref"`
	Pointer   *dumpSig  `yaml:"pointer" json:"pointer"`
}

// =============================================================================
// Input Formats
// =============================================================================

// Format decodes one on-disk representation of a module.
type Format interface {
	// Name identifies the format in logs and on Module.Format.
	Name() string

	// Extensions lists the lower-case file extensions the format accepts.
	Extensions() []string

	// Decode parses data into a module using lookup to bind references to
	// types of already loaded assemblies.
	Decode(data []byte, path string, lookup TypeLookup) (*Module, error)
}

// TypeLookup finds a definition by assembly and FullName. It returns nil
// when the assembly is not loaded or does not declare the type.
type TypeLookup func(assembly, fullName string) *Type

// YAMLFormat reads metadata dumps written as YAML.
type YAMLFormat struct{}

// Name implements Format.
func (YAMLFormat) Name() string { return "yaml" }

// Extensions implements Format.
func (YAMLFormat) Extensions() []string { return []string{".yaml", ".yml"} }

// Decode implements Format.
func (YAMLFormat) Decode(data []byte, path string, lookup TypeLookup) (*Module, error) {
	var doc dumpDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml dump %s: %w", path, err)
	}
	return buildModule(&doc, path, "yaml", lookup)
}

// JSONFormat reads metadata dumps written as JSON.
type JSONFormat struct{}

// Name implements Format.
func (JSONFormat) Name() string { return "json" }

// Extensions implements Format.
func (JSONFormat) Extensions() []string { return []string{".json"} }

// Decode implements Format.
func (JSONFormat) Decode(data []byte, path string, lookup TypeLookup) (*Module, error) {
	var doc dumpDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing json dump %s: %w", path, err)
	}
	return buildModule(&doc, path, "json", lookup)
}

// DefaultFormats returns the formats known to the indexer.
func DefaultFormats() []Format {
	return []Format{YAMLFormat{}, JSONFormat{}}
}
