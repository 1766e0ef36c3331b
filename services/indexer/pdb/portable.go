// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pdb

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// Portable PDB debug tables.
const (
	tableDocument               = 0x30
	tableMethodDebugInformation = 0x31
	firstDebugTable             = tableDocument
)

// heap size flags of the #~ stream header.
const (
	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
)

// PortableReader reads Portable PDB files.
type PortableReader struct{}

// Read implements Reader.
func (PortableReader) Read(path string) (map[metadata.Token]*Method, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading portable pdb: %w", err)
	}
	return ParsePortable(data)
}

// portableImage holds the streams of a Portable PDB metadata root.
type portableImage struct {
	streams map[string][]byte
	blob    []byte
	guid    []byte
}

// ParsePortable decodes a Portable PDB image.
//
// Description:
//
//	Methods are keyed by MethodDef token; row n of the
//	MethodDebugInformation table describes method 0x0600000n. Methods
//	without sequence points are omitted. Hidden sequence points are
//	dropped. The document of a method is its initial document.
//
// Outputs:
//
//	map[metadata.Token]*Method - The methods with debug information.
//	error - ErrCorrupt when a structure is truncated, ErrUnknownFormat
//	  when the signature is wrong.
func ParsePortable(data []byte) (map[metadata.Token]*Method, error) {
	img, err := parseMetadataRoot(data)
	if err != nil {
		return nil, err
	}
	tables, ok := img.streams["#~"]
	if !ok {
		return nil, corrupt("missing #~ stream")
	}
	if _, ok := img.streams["#Pdb"]; !ok {
		return nil, corrupt("missing #Pdb stream")
	}
	img.blob = img.streams["#Blob"]
	img.guid = img.streams["#GUID"]

	c := newCursor(tables)
	c.skip(4) // reserved
	c.skip(2) // version
	heapSizes := c.u8()
	c.skip(1)
	valid := c.u64()
	c.skip(8) // sorted
	if c.err != nil {
		return nil, c.err
	}
	if valid&(1<<firstDebugTable-1) != 0 {
		return nil, corrupt("type system tables present in a standalone pdb")
	}
	rows := make(map[int]uint32, bits.OnesCount64(valid))
	for t := 0; t < 64; t++ {
		if valid&(1<<uint(t)) != 0 {
			rows[t] = c.u32()
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	guidWide := heapSizes&heapGUIDWide != 0
	blobWide := heapSizes&heapBlobWide != 0
	docWide := rows[tableDocument] > 0xFFFF

	// Row counts come from the file; both tables must fit in what is left
	// of the stream before anything is allocated for them.
	docRowSize := 2*indexSize(blobWide) + 2*indexSize(guidWide)
	methodRowSize := indexSize(docWide) + indexSize(blobWide)
	need := uint64(rows[tableDocument])*docRowSize + uint64(rows[tableMethodDebugInformation])*methodRowSize
	if need > uint64(c.remaining()) {
		return nil, corrupt("%d document and %d method rows need %d bytes, %d left",
			rows[tableDocument], rows[tableMethodDebugInformation], need, c.remaining())
	}

	docs := make([]document, rows[tableDocument])
	for i := range docs {
		nameIdx := c.index(blobWide)
		c.index(guidWide)
		c.index(blobWide)
		langIdx := c.index(guidWide)
		if c.err != nil {
			return nil, c.err
		}
		name, err := img.documentName(nameIdx)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		docs[i] = document{name: name, language: languageFromGUID(img.guidAt(langIdx))}
		if docs[i].language == LanguageUnknown {
			docs[i].language = languageFromDocument(name)
		}
	}

	methods := make(map[metadata.Token]*Method)
	for row := uint32(1); row <= rows[tableMethodDebugInformation]; row++ {
		docIdx := c.index(docWide)
		spIdx := c.index(blobWide)
		if c.err != nil {
			return nil, c.err
		}
		if spIdx == 0 {
			continue
		}
		blob, err := img.blobAt(spIdx)
		if err != nil {
			return nil, fmt.Errorf("sequence points of method row %d: %w", row, err)
		}
		tok := metadata.MakeToken(metadata.TableMethodDef, row)
		m, err := decodeSequencePoints(tok, blob, docIdx, docs)
		if err != nil {
			return nil, fmt.Errorf("sequence points of %s: %w", tok, err)
		}
		if len(m.Sequences) > 0 {
			methods[tok] = m
		}
	}
	return methods, nil
}

// indexSize is the width in bytes of a heap or table index.
func indexSize(wide bool) uint64 {
	if wide {
		return 4
	}
	return 2
}

type document struct {
	name     string
	language Language
}

// parseMetadataRoot reads the BSJB header and the stream directory.
func parseMetadataRoot(data []byte) (*portableImage, error) {
	if Sniff(data) != FormatPortable {
		return nil, ErrUnknownFormat
	}
	c := newCursor(data)
	c.skip(12) // signature, version, reserved
	c.skip(int(c.u32()))
	c.skip(2) // flags
	count := c.u16()
	img := &portableImage{streams: make(map[string][]byte, count)}
	for i := 0; i < int(count); i++ {
		offset := c.u32()
		size := c.u32()
		name := c.cstring()
		c.align(4)
		if c.err != nil {
			return nil, c.err
		}
		end := uint64(offset) + uint64(size)
		if end > uint64(len(data)) {
			return nil, corrupt("stream %s [%d, %d) outside %d bytes", name, offset, end, len(data))
		}
		img.streams[name] = data[offset:end]
	}
	return img, c.err
}

// blobAt returns the blob at idx of the #Blob heap.
func (img *portableImage) blobAt(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}
	c := newCursor(img.blob)
	c.seek(int(idx))
	n := c.compressed()
	b := c.take(int(n))
	if c.err != nil {
		return nil, fmt.Errorf("blob %d: %w", idx, c.err)
	}
	return b, nil
}

// guidAt returns the 1-based entry idx of the #GUID heap, or uuid.Nil.
// Heap GUIDs are stored with their first three groups little-endian.
func (img *portableImage) guidAt(idx uint32) uuid.UUID {
	start := (int(idx) - 1) * 16
	if idx == 0 || start+16 > len(img.guid) {
		return uuid.Nil
	}
	raw := img.guid[start : start+16]
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(raw[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(raw[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(raw[6:8]))
	copy(id[8:], raw[8:])
	return id
}

// documentName decodes a document name blob: a separator character
// followed by blob indices of the UTF-8 parts.
func (img *portableImage) documentName(idx uint32) (string, error) {
	blob, err := img.blobAt(idx)
	if err != nil || len(blob) == 0 {
		return "", err
	}
	c := newCursor(blob)
	sep := c.u8()
	var parts []string
	for c.err == nil && c.remaining() > 0 {
		part, err := img.blobAt(c.compressed())
		if err != nil {
			return "", err
		}
		parts = append(parts, string(part))
	}
	if c.err != nil {
		return "", c.err
	}
	if sep == 0 {
		return strings.Join(parts, ""), nil
	}
	return strings.Join(parts, string(rune(sep))), nil
}

// decodeSequencePoints decodes a sequence point blob.
//
// The first record holds absolute values; later records hold deltas.
// A record with an IL delta of 0 after the first switches documents.
// Line deltas are unsigned; the column delta is unsigned only when the
// line delta is 0. A point with both deltas 0 is hidden and carries no
// start position.
func decodeSequencePoints(tok metadata.Token, blob []byte, docIdx uint32, docs []document) (*Method, error) {
	c := newCursor(blob)
	c.compressed() // local signature
	if docIdx == 0 {
		docIdx = c.compressed()
	}
	m := &Method{Token: tok}
	if docIdx >= 1 && int(docIdx) <= len(docs) {
		m.Document = docs[docIdx-1].name
		m.Language = docs[docIdx-1].language
	}

	var (
		offset              int
		startLine, startCol int
		haveVisible         bool
	)
	for first := true; c.remaining() > 0 && c.err == nil; first = false {
		delta := int(c.compressed())
		if delta == 0 && !first {
			c.compressed() // document
			continue
		}
		offset += delta

		deltaLines := int(c.compressed())
		var deltaCols int
		if deltaLines == 0 {
			deltaCols = int(c.compressed())
		} else {
			deltaCols = int(c.compressedSigned())
		}
		if deltaLines == 0 && deltaCols == 0 {
			continue
		}

		if haveVisible {
			startLine += int(c.compressedSigned())
			startCol += int(c.compressedSigned())
		} else {
			startLine = int(c.compressed())
			startCol = int(c.compressed())
			haveVisible = true
		}
		if c.err != nil {
			break
		}
		m.Sequences = append(m.Sequences, CodeSequence{
			StartOffset: offset,
			StartLine:   startLine,
			StartColumn: startCol,
			EndLine:     startLine + deltaLines,
			EndColumn:   startCol + deltaCols,
		})
	}
	if c.err != nil {
		return nil, c.err
	}
	m.sortSequences()
	return m, nil
}
