// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collector sits between the indexer and the symbol store. It
// validates arguments, caches symbol ids by identity key and drops self
// references.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/ilindex/services/indexer/naming"
	"github.com/AleutianAI/ilindex/services/indexer/store"
)

// ErrNilStore is returned by New when no store is given.
var ErrNilStore = errors.New("symbol store must not be nil")

// Stats summarizes what a Collector wrote.
type Stats struct {
	Symbols        int
	References     int
	SelfReferences int
	SymbolsByKind  map[store.SymbolKind]int
	RefsByKind     map[store.ReferenceKind]int
}

// Collector records symbols and references into a store.
//
// Description:
//
//	A symbol's identity key is its prefix, display name and postfix.
//	The first CollectSymbol call for a key records the serialized name,
//	marks it explicitly defined and sets its kind; later calls return the
//	cached id without touching the store.
//
// Thread Safety:
//
//	Not safe for concurrent use. One Collector serves one indexing run.
type Collector struct {
	store  store.SymbolStore
	logger *slog.Logger

	symbols map[string]int
	stats   Stats
}

// New creates a Collector writing to s.
//
// Inputs:
//
//	s - The store. Must be open with an active transaction before the
//	    first Collect call.
//	logger - Logger for diagnostic output. Nil uses slog.Default().
//
// Outputs:
//
//	*Collector - The collector.
//	error - ErrNilStore if s is nil.
func New(s store.SymbolStore, logger *slog.Logger) (*Collector, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:   s,
		logger:  logger,
		symbols: make(map[string]int),
		stats: Stats{
			SymbolsByKind: make(map[store.SymbolKind]int),
			RefsByKind:    make(map[store.ReferenceKind]int),
		},
	}, nil
}

func identityKey(name, prefix, postfix string) string {
	return prefix + "\x00" + name + "\x00" + postfix
}

// CollectSymbol returns the symbol id for (prefix, name, postfix),
// recording it on first use.
//
// Inputs:
//
//	name - Qualified display name. Must not be blank.
//	kind - Symbol kind recorded with a new symbol.
//	prefix, postfix - Optional decorations of the last name element.
//
// Outputs:
//
//	int - The symbol id, always > 0 on success.
//	error - Wraps store.ErrInvalidSymbolName for a blank name,
//	        store.ErrInvalidSymbolID if the store hands out a bad id, or
//	        any store error.
func (c *Collector) CollectSymbol(name string, kind store.SymbolKind, prefix, postfix string) (int, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("collecting %s symbol: %w", kind, store.ErrInvalidSymbolName)
	}
	key := identityKey(name, prefix, postfix)
	if id, ok := c.symbols[key]; ok {
		return id, nil
	}

	id, err := c.store.RecordSymbol(naming.Serialize(name, prefix, postfix))
	if err != nil {
		return 0, fmt.Errorf("recording symbol %q: %w", name, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("recording symbol %q: %w: store returned %d", name, store.ErrInvalidSymbolID, id)
	}
	c.symbols[key] = id

	if err := c.store.RecordSymbolDefinitionKind(id, store.DefinitionExplicit); err != nil {
		return 0, fmt.Errorf("recording definition of %q: %w", name, err)
	}
	if err := c.store.RecordSymbolKind(id, kind); err != nil {
		return 0, fmt.Errorf("recording kind of %q: %w", name, err)
	}

	c.stats.Symbols++
	c.stats.SymbolsByKind[kind]++
	symbolsTotal.WithLabelValues(kind.String()).Inc()
	return id, nil
}

// Lookup returns the cached id of a symbol without recording it.
func (c *Collector) Lookup(name, prefix, postfix string) (int, bool) {
	id, ok := c.symbols[identityKey(name, prefix, postfix)]
	return id, ok
}

// CollectReference records an edge from sourceID to targetID.
//
// Description:
//
//	Both ids must be positive. An edge from a symbol to itself is never
//	stored; the call returns 0 and a nil error.
//
// Outputs:
//
//	int - The reference id, or 0 for a skipped self reference.
//	error - Wraps store.ErrInvalidSymbolID for ids <= 0, or a store error.
func (c *Collector) CollectReference(sourceID, targetID int, kind store.ReferenceKind) (int, error) {
	if sourceID <= 0 || targetID <= 0 {
		return 0, fmt.Errorf("collecting %s reference %d -> %d: %w", kind, sourceID, targetID, store.ErrInvalidSymbolID)
	}
	if sourceID == targetID {
		c.stats.SelfReferences++
		c.logger.Debug("self reference skipped",
			slog.Int("symbol_id", sourceID),
			slog.String("kind", kind.String()),
		)
		return 0, nil
	}
	id, err := c.store.RecordReference(sourceID, targetID, kind)
	if err != nil {
		return 0, fmt.Errorf("recording %s reference %d -> %d: %w", kind, sourceID, targetID, err)
	}
	c.stats.References++
	c.stats.RefsByKind[kind]++
	referencesTotal.WithLabelValues(kind.String()).Inc()
	return id, nil
}

// Stats returns a copy of the counters.
func (c *Collector) Stats() Stats {
	out := c.stats
	out.SymbolsByKind = make(map[store.SymbolKind]int, len(c.stats.SymbolsByKind))
	for k, v := range c.stats.SymbolsByKind {
		out.SymbolsByKind[k] = v
	}
	out.RefsByKind = make(map[store.ReferenceKind]int, len(c.stats.RefsByKind))
	for k, v := range c.stats.RefsByKind {
		out.RefsByKind[k] = v
	}
	return out
}
