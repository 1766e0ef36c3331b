// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// IndexSchemaVersion is the version of the export schema.
// Increment when the export format changes in a breaking way.
const IndexSchemaVersion = "1.0"

// SymbolRecord is one stored symbol.
type SymbolRecord struct {
	// ID is the store-assigned symbol id.
	ID int `json:"id"`

	// Name is the serialized name (delimiter plus name elements).
	Name string `json:"name"`

	// Kind is the symbol kind.
	Kind SymbolKind `json:"kind"`

	// DefinitionKind tells whether the symbol was defined in the input.
	DefinitionKind DefinitionKind `json:"definition_kind"`
}

// ReferenceRecord is one stored edge.
type ReferenceRecord struct {
	ID       int           `json:"id"`
	SourceID int           `json:"source_id"`
	TargetID int           `json:"target_id"`
	Kind     ReferenceKind `json:"kind"`
}

// InputFingerprint identifies one indexed input file.
type InputFingerprint struct {
	Path     string `json:"path"`
	Assembly string `json:"assembly"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
}

// Manifest describes the run that produced an index.
type Manifest struct {
	Tool      string             `json:"tool"`
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Inputs    []InputFingerprint `json:"inputs"`
}

// Index is the JSON-serializable content of a store.
//
// Description:
//
//	Symbols and references are sorted by id so that two exports of the same
//	store are byte-identical.
//
// Thread Safety: Index is a value type with no internal state.
type Index struct {
	SchemaVersion string            `json:"schema_version"`
	Manifest      *Manifest         `json:"manifest,omitempty"`
	Symbols       []SymbolRecord    `json:"symbols"`
	References    []ReferenceRecord `json:"references"`
}

// newIndex builds a sorted Index from unordered records.
func newIndex(manifest *Manifest, symbols []SymbolRecord, refs []ReferenceRecord) *Index {
	if symbols == nil {
		symbols = []SymbolRecord{}
	}
	if refs == nil {
		refs = []ReferenceRecord{}
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].ID < symbols[j].ID })
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return &Index{
		SchemaVersion: IndexSchemaVersion,
		Manifest:      manifest,
		Symbols:       symbols,
		References:    refs,
	}
}

// Symbol returns the record with the given id.
func (ix *Index) Symbol(id int) (SymbolRecord, bool) {
	i := sort.Search(len(ix.Symbols), func(i int) bool { return ix.Symbols[i].ID >= id })
	if i < len(ix.Symbols) && ix.Symbols[i].ID == id {
		return ix.Symbols[i], true
	}
	return SymbolRecord{}, false
}

// CountByKind tallies references per kind.
func (ix *Index) CountByKind() map[ReferenceKind]int {
	counts := make(map[ReferenceKind]int, len(referenceKindNames))
	for _, r := range ix.References {
		counts[r.Kind]++
	}
	return counts
}

// WriteJSON writes the index as indented JSON.
func (ix *Index) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ix); err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return nil
}
