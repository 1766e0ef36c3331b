// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pdb reads debug symbol files and maps IL offsets of methods to
// source ranges.
//
// Two formats are supported: Portable PDB (a metadata image starting with
// "BSJB") and the Windows MSF container. The format is chosen by sniffing
// the file signature.
package pdb

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

var (
	// ErrUnknownFormat is returned when a file has neither signature.
	ErrUnknownFormat = errors.New("unrecognized debug file format")

	// ErrCorrupt is returned when a structure runs past its container.
	ErrCorrupt = errors.New("corrupt debug file")
)

// portableSignature starts a Portable PDB metadata root.
var portableSignature = []byte("BSJB")

// msfMagic starts an MSF 7.00 container.
var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// =============================================================================
// Languages
// =============================================================================

// Language is the source language of a document.
type Language int

const (
	LanguageUnknown Language = iota
	LanguageCSharp
	LanguageVisualBasic
)

// Document language GUIDs used by Portable PDBs.
var (
	csharpLanguageGUID      = uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1")
	visualBasicLanguageGUID = uuid.MustParse("3a12d0b8-c26c-11d0-b442-00a0244a1dd2")
)

// languageFromGUID maps a document language GUID.
func languageFromGUID(id uuid.UUID) Language {
	switch id {
	case csharpLanguageGUID:
		return LanguageCSharp
	case visualBasicLanguageGUID:
		return LanguageVisualBasic
	}
	return LanguageUnknown
}

// languageFromDocument guesses the language from a file extension.
func languageFromDocument(name string) Language {
	// Document names may use either separator regardless of platform.
	name = strings.ReplaceAll(name, `\`, "/")
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cs":
		return LanguageCSharp
	case ".vb":
		return LanguageVisualBasic
	}
	return LanguageUnknown
}

// Tag returns the language tag written to the index. C# is tagged "cpp"
// because the consumer has no C# highlighter.
func (l Language) Tag() string {
	switch l {
	case LanguageCSharp:
		return "cpp"
	case LanguageVisualBasic:
		return "basic"
	}
	return "c"
}

// String returns a readable language name.
func (l Language) String() string {
	switch l {
	case LanguageCSharp:
		return "csharp"
	case LanguageVisualBasic:
		return "visualbasic"
	}
	return "unknown"
}

// =============================================================================
// Methods
// =============================================================================

// CodeSequence is a source range covering the IL from StartOffset up to
// the start of the next sequence.
type CodeSequence struct {
	StartOffset int
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// Method is the debug information of one method.
type Method struct {
	Token     metadata.Token
	Document  string
	Language  Language
	Sequences []CodeSequence
}

// LanguageTag returns the language tag of the method's document.
func (m *Method) LanguageTag() string { return m.Language.Tag() }

// SequenceFor returns the last sequence starting at or before ilOffset.
// ok is false when ilOffset precedes every sequence.
func (m *Method) SequenceFor(ilOffset int) (CodeSequence, bool) {
	if m == nil {
		return CodeSequence{}, false
	}
	i := sort.Search(len(m.Sequences), func(i int) bool {
		return m.Sequences[i].StartOffset > ilOffset
	})
	if i == 0 {
		return CodeSequence{}, false
	}
	return m.Sequences[i-1], true
}

// sortSequences orders sequences by IL offset, keeping the file order of
// sequences with equal offsets.
func (m *Method) sortSequences() {
	sort.SliceStable(m.Sequences, func(i, j int) bool {
		return m.Sequences[i].StartOffset < m.Sequences[j].StartOffset
	})
}

// =============================================================================
// Readers
// =============================================================================

// Reader extracts the methods of one debug file.
type Reader interface {
	// Read returns the methods of the file at path keyed by token.
	Read(path string) (map[metadata.Token]*Method, error)
}

// Format identifies a debug file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatPortable
	FormatWindows
)

// String returns the format label used in logs and metrics.
func (f Format) String() string {
	switch f {
	case FormatPortable:
		return "portable"
	case FormatWindows:
		return "windows"
	}
	return "unknown"
}

// Sniff identifies the format from the first bytes of a file.
func Sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, portableSignature):
		return FormatPortable
	case bytes.HasPrefix(head, msfMagic):
		return FormatWindows
	}
	return FormatUnknown
}

// corrupt wraps ErrCorrupt with a description.
func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
