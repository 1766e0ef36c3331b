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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB key prefixes for the index.
const (
	keyPrefixSymbolName = "sym:name:"
	keyPrefixSymbolID   = "sym:id:"
	keyPrefixRefID      = "ref:id:"
	keyPrefixRefKey     = "ref:key:"
	keyMetaNextSymbol   = "meta:next_symbol"
	keyMetaNextRef      = "meta:next_ref"
	keyMetaManifest     = "meta:manifest"
	keyMetaIncomplete   = "meta:incomplete"
)

func symbolIDKey(id int) []byte { return []byte(fmt.Sprintf("%s%010d", keyPrefixSymbolID, id)) }

func refIDKey(id int) []byte { return []byte(fmt.Sprintf("%s%010d", keyPrefixRefID, id)) }

func refKey(source, target int, kind ReferenceKind) []byte {
	return []byte(fmt.Sprintf("%s%d:%d:%d", keyPrefixRefKey, source, target, int(kind)))
}

// BadgerOption configures a BadgerStore.
type BadgerOption func(*BadgerStore)

// WithInMemory keeps the database in memory and ignores the path given to
// Open. Used by tests and dry runs.
func WithInMemory() BadgerOption {
	return func(s *BadgerStore) {
		s.inMemory = true
	}
}

// WithReadOnly opens the database without write access. Every Record
// call then fails inside badger.
func WithReadOnly() BadgerOption {
	return func(s *BadgerStore) {
		s.readOnly = true
	}
}

// WithMemTableSize sets the badger memtable size. The largest badger
// transaction is 15% of it, so small values make transactions split early.
func WithMemTableSize(n int64) BadgerOption {
	return func(s *BadgerStore) {
		s.memTableSize = n
	}
}

// BadgerStore persists the index in a BadgerDB directory.
//
// Description:
//
//	Symbols are keyed by serialized name for idempotent lookup and by a
//	zero-padded id for ordered export. References are keyed the same way
//	by (source, target, kind) and by id. The id counters live under meta:
//	and are written with every commit.
//
//	A transaction that outgrows badger's limits is committed in place and
//	continued in a fresh badger transaction. The logical transaction then
//	spans several badger commits. Before the first partial commit the
//	meta:incomplete marker is written on its own, and it is deleted only
//	after the final commit. While the marker exists Export and
//	BeginTransaction return ErrIncomplete; Clear removes it.
//
// Key Schema:
//
//	sym:name:{serialized}          → id (u64 big endian)
//	sym:id:{id:010d}               → JSON(SymbolRecord)
//	ref:key:{src}:{tgt}:{kind}     → id (u64 big endian)
//	ref:id:{id:010d}               → JSON(ReferenceRecord)
//	meta:next_symbol, meta:next_ref → counters
//	meta:manifest                  → JSON(Manifest)
//	meta:incomplete                → present while a split run is unfinished
//
// Thread Safety:
//
//	Safe for concurrent use; calls are serialized by an internal mutex.
type BadgerStore struct {
	mu       sync.Mutex
	logger   *slog.Logger
	inMemory bool
	readOnly bool

	memTableSize int64

	db      *badger.DB
	txn     *badger.Txn
	path    string
	nextSym int
	nextRef int
	splits  int
}

var (
	_ SymbolStore    = (*BadgerStore)(nil)
	_ ManifestWriter = (*BadgerStore)(nil)
	_ Exporter       = (*BadgerStore)(nil)
)

// NewBadgerStore creates a closed store.
//
// Inputs:
//
//	logger - Logger for diagnostic output. Nil uses slog.Default().
//	opts - Optional configuration.
//
// Outputs:
//
//	*BadgerStore - The store. Call Open before use.
func NewBadgerStore(logger *slog.Logger, opts ...BadgerOption) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements SymbolStore.
func (s *BadgerStore) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("opening store: path must not be empty")
		}
		opts = badger.DefaultOptions(path).WithReadOnly(s.readOnly)
	}
	if s.memTableSize > 0 {
		opts = opts.WithMemTableSize(s.memTableSize).
			WithValueThreshold(min(opts.ValueThreshold, s.memTableSize/100))
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return fmt.Errorf("opening badger at %q: %w", path, err)
	}
	s.db = db
	s.path = path
	if err := s.loadCounters(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	incomplete, err := s.isIncomplete()
	if err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	if incomplete {
		s.logger.Warn("store holds an unfinished run; clear it before writing",
			slog.String("path", path))
	}
	s.logger.Debug("store opened",
		slog.String("path", path),
		slog.Bool("in_memory", s.inMemory),
		slog.Bool("read_only", s.readOnly),
	)
	return nil
}

// isIncomplete reports whether the committed content ends in the middle
// of a split transaction.
func (s *BadgerStore) isIncomplete() (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyMetaIncomplete))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", keyMetaIncomplete, err)
	}
	return found, nil
}

func (s *BadgerStore) loadCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		var err error
		if s.nextSym, err = readCounter(txn, keyMetaNextSymbol); err != nil {
			return err
		}
		s.nextRef, err = readCounter(txn, keyMetaNextRef)
		return err
	})
}

func readCounter(txn *badger.Txn, key string) (int, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	var n int
	err = item.Value(func(val []byte) error {
		n = decodeID(val)
		return nil
	})
	return n, err
}

func encodeID(id int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(val []byte) int {
	if len(val) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(val))
}

// Clear implements SymbolStore.
func (s *BadgerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotOpen
	}
	if s.txn != nil {
		return ErrTransactionActive
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	s.nextSym, s.nextRef = 0, 0
	return nil
}

// BeginTransaction implements SymbolStore.
func (s *BadgerStore) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotOpen
	}
	if s.txn != nil {
		return ErrTransactionActive
	}
	incomplete, err := s.isIncomplete()
	if err != nil {
		return err
	}
	if incomplete {
		return ErrIncomplete
	}
	s.txn = s.db.NewTransaction(true)
	s.splits = 0
	return nil
}

func (s *BadgerStore) writable() error {
	if s.db == nil {
		return ErrNotOpen
	}
	if s.txn == nil {
		return ErrNoTransaction
	}
	return nil
}

// set writes one key, splitting the transaction when badger reports it
// is too big.
func (s *BadgerStore) set(key, val []byte) error {
	err := s.txn.Set(key, val)
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	if err := s.flush(); err != nil {
		return err
	}
	s.splits++
	s.logger.Debug("store transaction split", slog.Int("splits", s.splits))
	return s.txn.Set(key, val)
}

// flush commits the current badger transaction and opens the next one.
// The first flush of a transaction marks the store incomplete beforehand.
func (s *BadgerStore) flush() error {
	if s.splits == 0 {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(keyMetaIncomplete), []byte{1})
		})
		if err != nil {
			return fmt.Errorf("marking store incomplete: %w", err)
		}
	}
	if err := s.txn.Commit(); err != nil {
		s.txn = nil
		return fmt.Errorf("committing store transaction: %w", err)
	}
	s.txn = s.db.NewTransaction(true)
	return nil
}

func (s *BadgerStore) writeCounters() error {
	if err := s.set([]byte(keyMetaNextSymbol), encodeID(s.nextSym)); err != nil {
		return fmt.Errorf("storing symbol counter: %w", err)
	}
	if err := s.set([]byte(keyMetaNextRef), encodeID(s.nextRef)); err != nil {
		return fmt.Errorf("storing reference counter: %w", err)
	}
	return nil
}

func (s *BadgerStore) getID(key []byte) (int, bool, error) {
	item, err := s.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var id int
	err = item.Value(func(val []byte) error {
		id = decodeID(val)
		return nil
	})
	return id, err == nil, err
}

// RecordSymbol implements SymbolStore.
func (s *BadgerStore) RecordSymbol(serializedName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(serializedName) == "" {
		return 0, ErrInvalidSymbolName
	}
	nameKey := []byte(keyPrefixSymbolName + serializedName)
	id, ok, err := s.getID(nameKey)
	if err != nil {
		return 0, fmt.Errorf("looking up symbol: %w", err)
	}
	if ok {
		return id, nil
	}

	id = s.nextSym + 1
	data, err := json.Marshal(SymbolRecord{ID: id, Name: serializedName})
	if err != nil {
		return 0, fmt.Errorf("marshaling symbol: %w", err)
	}
	if err := s.set(nameKey, encodeID(id)); err != nil {
		return 0, fmt.Errorf("storing symbol name: %w", err)
	}
	if err := s.set(symbolIDKey(id), data); err != nil {
		return 0, fmt.Errorf("storing symbol: %w", err)
	}
	s.nextSym = id
	return id, nil
}

// updateSymbol applies fn to the stored record of id.
func (s *BadgerStore) updateSymbol(id int, fn func(*SymbolRecord)) error {
	if err := s.writable(); err != nil {
		return err
	}
	if id <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSymbolID, id)
	}
	key := symbolIDKey(id)
	item, err := s.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownSymbol, id)
	}
	if err != nil {
		return fmt.Errorf("reading symbol %d: %w", id, err)
	}
	var rec SymbolRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return fmt.Errorf("decoding symbol %d: %w", id, err)
	}
	fn(&rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling symbol: %w", err)
	}
	return s.set(key, data)
}

// RecordSymbolKind implements SymbolStore.
func (s *BadgerStore) RecordSymbolKind(id int, kind SymbolKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSymbol(id, func(rec *SymbolRecord) { rec.Kind = kind })
}

// RecordSymbolDefinitionKind implements SymbolStore.
func (s *BadgerStore) RecordSymbolDefinitionKind(id int, kind DefinitionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSymbol(id, func(rec *SymbolRecord) { rec.DefinitionKind = kind })
}

// RecordReference implements SymbolStore.
func (s *BadgerStore) RecordReference(sourceID, targetID int, kind ReferenceKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	if err := validateReference(sourceID, targetID); err != nil {
		return 0, err
	}
	key := refKey(sourceID, targetID, kind)
	id, ok, err := s.getID(key)
	if err != nil {
		return 0, fmt.Errorf("looking up reference: %w", err)
	}
	if ok {
		return id, nil
	}

	id = s.nextRef + 1
	data, err := json.Marshal(ReferenceRecord{ID: id, SourceID: sourceID, TargetID: targetID, Kind: kind})
	if err != nil {
		return 0, fmt.Errorf("marshaling reference: %w", err)
	}
	if err := s.set(key, encodeID(id)); err != nil {
		return 0, fmt.Errorf("storing reference key: %w", err)
	}
	if err := s.set(refIDKey(id), data); err != nil {
		return 0, fmt.Errorf("storing reference: %w", err)
	}
	s.nextRef = id
	return id, nil
}

// RecordManifest implements ManifestWriter.
func (s *BadgerStore) RecordManifest(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := s.set([]byte(keyMetaManifest), data); err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}
	return nil
}

// CommitTransaction implements SymbolStore.
func (s *BadgerStore) CommitTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.writeCounters(); err != nil {
		return err
	}
	err := s.txn.Commit()
	s.txn = nil
	if err != nil {
		return fmt.Errorf("committing store transaction: %w", err)
	}
	if s.splits > 0 {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(keyMetaIncomplete))
		})
		if err != nil {
			return fmt.Errorf("clearing incomplete marker: %w", err)
		}
	}
	s.logger.Debug("store committed",
		slog.Int("symbols", s.nextSym),
		slog.Int("references", s.nextRef),
		slog.Int("splits", s.splits),
	)
	return nil
}

// Close implements SymbolStore. A pending transaction is discarded; if it
// was split, the parts already committed stay marked incomplete.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing badger: %w", err)
	}
	return nil
}

// Export implements Exporter. It reads the committed content.
func (s *BadgerStore) Export(ctx context.Context) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}

	var (
		symbols  []SymbolRecord
		refs     []ReferenceRecord
		manifest *Manifest
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(keyMetaIncomplete)); err == nil {
			return ErrIncomplete
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := scanPrefix(ctx, txn, keyPrefixSymbolID, func(val []byte) error {
			var rec SymbolRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			symbols = append(symbols, rec)
			return nil
		}); err != nil {
			return fmt.Errorf("reading symbols: %w", err)
		}
		if err := scanPrefix(ctx, txn, keyPrefixRefID, func(val []byte) error {
			var rec ReferenceRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			refs = append(refs, rec)
			return nil
		}); err != nil {
			return fmt.Errorf("reading references: %w", err)
		}

		item, err := txn.Get([]byte(keyMetaManifest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			manifest = &Manifest{}
			return json.Unmarshal(val, manifest)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("exporting store: %w", err)
	}
	return newIndex(manifest, symbols, refs), nil
}

func scanPrefix(ctx context.Context, txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
