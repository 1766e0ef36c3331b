// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists the symbols and references produced by the
// indexer. The numeric values of the kind enumerations follow the
// code-navigation database format consumed downstream.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSymbolName is returned for empty serialized symbol names.
	ErrInvalidSymbolName = errors.New("symbol name must not be empty")

	// ErrInvalidSymbolID is returned for symbol ids that are not positive.
	ErrInvalidSymbolID = errors.New("symbol id must be greater than zero")

	// ErrUnknownSymbol is returned when a kind is recorded for an id the
	// store never handed out.
	ErrUnknownSymbol = errors.New("unknown symbol id")

	// ErrNotOpen is returned when the store is used before Open.
	ErrNotOpen = errors.New("store is not open")

	// ErrNoTransaction is returned when a write happens outside a transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrTransactionActive is returned by BeginTransaction and Clear while a
	// transaction is in progress.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrIncomplete is returned when a store holds a partially committed
	// transaction that never finished.
	ErrIncomplete = errors.New("store holds an unfinished run")
)

// SymbolKind classifies a symbol.
type SymbolKind int

const (
	SymbolKindType         SymbolKind = 0
	SymbolKindBuiltinType  SymbolKind = 1
	SymbolKindModule       SymbolKind = 2
	SymbolKindNamespace    SymbolKind = 3
	SymbolKindStruct       SymbolKind = 5
	SymbolKindClass        SymbolKind = 6
	SymbolKindInterface    SymbolKind = 7
	SymbolKindField        SymbolKind = 10
	SymbolKindMethod       SymbolKind = 12
	SymbolKindEnum         SymbolKind = 13
	SymbolKindEnumConstant SymbolKind = 14
)

var symbolKindNames = map[SymbolKind]string{
	SymbolKindType:         "type",
	SymbolKindBuiltinType:  "builtin_type",
	SymbolKindModule:       "module",
	SymbolKindNamespace:    "namespace",
	SymbolKindStruct:       "struct",
	SymbolKindClass:        "class",
	SymbolKindInterface:    "interface",
	SymbolKindField:        "field",
	SymbolKindMethod:       "method",
	SymbolKindEnum:         "enum",
	SymbolKindEnumConstant: "enum_constant",
}

// String returns the kind name.
func (k SymbolKind) String() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("symbol_kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k SymbolKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SymbolKind) UnmarshalText(b []byte) error {
	for kind, name := range symbolKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown symbol kind %q", string(b))
}

// ReferenceKind classifies a reference edge.
type ReferenceKind int

const (
	ReferenceKindTypeUsage ReferenceKind = 0
	ReferenceKindUsage     ReferenceKind = 1
	ReferenceKindCall      ReferenceKind = 2
)

var referenceKindNames = map[ReferenceKind]string{
	ReferenceKindTypeUsage: "type_usage",
	ReferenceKindUsage:     "usage",
	ReferenceKindCall:      "call",
}

// String returns the kind name.
func (k ReferenceKind) String() string {
	if name, ok := referenceKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("reference_kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k ReferenceKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ReferenceKind) UnmarshalText(b []byte) error {
	for kind, name := range referenceKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown reference kind %q", string(b))
}

// DefinitionKind tells whether a symbol was seen defined in the input.
type DefinitionKind int

const (
	DefinitionImplicit DefinitionKind = 0
	DefinitionExplicit DefinitionKind = 1
)

// String returns the kind name.
func (k DefinitionKind) String() string {
	if k == DefinitionExplicit {
		return "explicit"
	}
	return "implicit"
}

// MarshalText implements encoding.TextMarshaler.
func (k DefinitionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DefinitionKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "explicit":
		*k = DefinitionExplicit
	case "implicit":
		*k = DefinitionImplicit
	default:
		return fmt.Errorf("unknown definition kind %q", string(b))
	}
	return nil
}

// SymbolStore is the transactional sink for symbols and references.
//
// Description:
//
//	The indexer opens the store, clears it, begins one transaction, records
//	everything, commits, and closes. RecordSymbol is idempotent per
//	serialized name; RecordReference is idempotent per (source, target,
//	kind) and returns the id of the existing edge on repeats.
//
// Thread Safety:
//
//	Implementations serialize their own calls; the indexer uses one
//	goroutine.
type SymbolStore interface {
	Open(path string) error
	Clear() error
	BeginTransaction() error
	RecordSymbol(serializedName string) (int, error)
	RecordSymbolKind(id int, kind SymbolKind) error
	RecordSymbolDefinitionKind(id int, kind DefinitionKind) error
	RecordReference(sourceID, targetID int, kind ReferenceKind) (int, error)
	CommitTransaction() error
	Close() error
}

// ManifestWriter is implemented by stores that keep a run manifest.
type ManifestWriter interface {
	RecordManifest(m *Manifest) error
}

// Exporter is implemented by stores that can produce a full Index.
type Exporter interface {
	Export(ctx context.Context) (*Index, error)
}

func validateReference(sourceID, targetID int) error {
	if sourceID <= 0 || targetID <= 0 {
		return fmt.Errorf("%w: reference %d -> %d", ErrInvalidSymbolID, sourceID, targetID)
	}
	return nil
}
