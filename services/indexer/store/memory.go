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
	"context"
	"fmt"
	"strings"
	"sync"
)

type referenceKey struct {
	source, target int
	kind           ReferenceKind
}

// MemoryStore keeps the index in process memory. It backs dry runs and
// tests and follows the same transaction rules as BadgerStore; a commit
// makes the pending writes visible to Export.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	open   bool
	inTxn  bool
	path   string
	nextID int
	refID  int

	byName     map[string]int
	symbols    map[int]*SymbolRecord
	refKeys    map[referenceKey]int
	references map[int]*ReferenceRecord
	manifest   *Manifest
	committed  *Index
}

var (
	_ SymbolStore    = (*MemoryStore)(nil)
	_ ManifestWriter = (*MemoryStore)(nil)
	_ Exporter       = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty, closed store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.nextID = 0
	s.refID = 0
	s.byName = make(map[string]int)
	s.symbols = make(map[int]*SymbolRecord)
	s.refKeys = make(map[referenceKey]int)
	s.references = make(map[int]*ReferenceRecord)
	s.manifest = nil
}

// Path returns the path passed to Open.
func (s *MemoryStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Open implements SymbolStore.
func (s *MemoryStore) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.path = path
	return nil
}

// Clear implements SymbolStore.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if s.inTxn {
		return ErrTransactionActive
	}
	s.reset()
	s.committed = nil
	return nil
}

// BeginTransaction implements SymbolStore.
func (s *MemoryStore) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if s.inTxn {
		return ErrTransactionActive
	}
	s.inTxn = true
	return nil
}

func (s *MemoryStore) writable() error {
	if !s.open {
		return ErrNotOpen
	}
	if !s.inTxn {
		return ErrNoTransaction
	}
	return nil
}

// RecordSymbol implements SymbolStore.
func (s *MemoryStore) RecordSymbol(serializedName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(serializedName) == "" {
		return 0, ErrInvalidSymbolName
	}
	if id, ok := s.byName[serializedName]; ok {
		return id, nil
	}
	s.nextID++
	s.byName[serializedName] = s.nextID
	s.symbols[s.nextID] = &SymbolRecord{ID: s.nextID, Name: serializedName}
	return s.nextID, nil
}

func (s *MemoryStore) symbol(id int) (*SymbolRecord, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSymbolID, id)
	}
	rec, ok := s.symbols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSymbol, id)
	}
	return rec, nil
}

// RecordSymbolKind implements SymbolStore.
func (s *MemoryStore) RecordSymbolKind(id int, kind SymbolKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.symbol(id)
	if err != nil {
		return err
	}
	rec.Kind = kind
	return nil
}

// RecordSymbolDefinitionKind implements SymbolStore.
func (s *MemoryStore) RecordSymbolDefinitionKind(id int, kind DefinitionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.symbol(id)
	if err != nil {
		return err
	}
	rec.DefinitionKind = kind
	return nil
}

// RecordReference implements SymbolStore.
func (s *MemoryStore) RecordReference(sourceID, targetID int, kind ReferenceKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if err := validateReference(sourceID, targetID); err != nil {
		return 0, err
	}
	key := referenceKey{sourceID, targetID, kind}
	if id, ok := s.refKeys[key]; ok {
		return id, nil
	}
	s.refID++
	s.refKeys[key] = s.refID
	s.references[s.refID] = &ReferenceRecord{ID: s.refID, SourceID: sourceID, TargetID: targetID, Kind: kind}
	return s.refID, nil
}

// RecordManifest implements ManifestWriter.
func (s *MemoryStore) RecordManifest(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// CommitTransaction implements SymbolStore.
func (s *MemoryStore) CommitTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	s.inTxn = false
	s.committed = s.snapshot()
	return nil
}

// Close implements SymbolStore. Uncommitted writes are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTxn {
		s.inTxn = false
		s.restore()
	}
	s.open = false
	return nil
}

func (s *MemoryStore) snapshot() *Index {
	symbols := make([]SymbolRecord, 0, len(s.symbols))
	for _, rec := range s.symbols {
		symbols = append(symbols, *rec)
	}
	refs := make([]ReferenceRecord, 0, len(s.references))
	for _, rec := range s.references {
		refs = append(refs, *rec)
	}
	return newIndex(s.manifest, symbols, refs)
}

// restore rolls the maps back to the last committed state.
func (s *MemoryStore) restore() {
	s.reset()
	if s.committed == nil {
		return
	}
	s.manifest = s.committed.Manifest
	for _, rec := range s.committed.Symbols {
		r := rec
		s.symbols[r.ID] = &r
		s.byName[r.Name] = r.ID
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
	}
	for _, rec := range s.committed.References {
		r := rec
		s.references[r.ID] = &r
		s.refKeys[referenceKey{r.SourceID, r.TargetID, r.Kind}] = r.ID
		if r.ID > s.refID {
			s.refID = r.ID
		}
	}
}

// Export implements Exporter. It returns the committed content.
func (s *MemoryStore) Export(ctx context.Context) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		return newIndex(nil, nil, nil), nil
	}
	snap := *s.committed
	snap.Symbols = append([]SymbolRecord(nil), s.committed.Symbols...)
	snap.References = append([]ReferenceRecord(nil), s.committed.References...)
	return &snap, nil
}
