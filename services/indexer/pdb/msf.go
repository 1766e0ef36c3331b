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
	"fmt"
	"os"

	"github.com/AleutianAI/ilindex/services/indexer/metadata"
)

// Fixed streams of a PDB.
const (
	streamInfo = 1
	streamDBI  = 3
)

const (
	nilStreamSize   = 0xFFFFFFFF
	dbiHeaderSize   = 64
	namesSignature  = 0xEFFEEFFE
	cvSignatureC13  = 4
	modInfoFixedLen = 64
)

// Symbol record kinds.
const (
	symCompile2 = 0x1116
	symGManProc = 0x112A
	symLManProc = 0x112B
	symCompile3 = 0x113C
)

// C13 debug subsection kinds.
const (
	debugSubsectionIgnore    = 0x80000000
	debugSubsectionLines     = 0xF2
	debugSubsectionChecksums = 0xF4

	linesHaveColumns = 0x0001
)

// CodeView source languages.
const (
	cvLanguageCSharp      = 0x0A
	cvLanguageVisualBasic = 0x0B
)

// Line numbers the compiler emits for hidden sequence points.
const (
	hiddenLine       = 0xFEEFEE
	hiddenLineLegacy = 0xF00F00
)

// WindowsReader reads PDB files in the MSF 7.00 container format.
type WindowsReader struct{}

// Read implements Reader.
func (WindowsReader) Read(path string) (map[metadata.Token]*Method, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading windows pdb: %w", err)
	}
	return ParseWindows(data)
}

// =============================================================================
// MSF container
// =============================================================================

// msfFile is an MSF container split into streams.
type msfFile struct {
	data      []byte
	blockSize int
	sizes     []uint32
	blocks    [][]uint32
}

func openMSF(data []byte) (*msfFile, error) {
	if Sniff(data) != FormatWindows {
		return nil, ErrUnknownFormat
	}
	c := newCursor(data)
	c.seek(len(msfMagic))
	blockSize := int(c.u32())
	c.skip(4) // free block map
	numBlocks := c.u32()
	dirBytes := c.u32()
	c.skip(4)
	blockMapAddr := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	switch blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, corrupt("block size %d", blockSize)
	}
	if uint64(numBlocks)*uint64(blockSize) > uint64(len(data)) {
		return nil, corrupt("%d blocks of %d bytes exceed file size %d", numBlocks, blockSize, len(data))
	}
	f := &msfFile{data: data, blockSize: blockSize}

	dirBlocks := f.blockCount(dirBytes)
	mapBlock, err := f.block(blockMapAddr)
	if err != nil {
		return nil, fmt.Errorf("stream directory block map: %w", err)
	}
	mc := newCursor(mapBlock)
	dirIndices := make([]uint32, dirBlocks)
	for i := range dirIndices {
		dirIndices[i] = mc.u32()
	}
	if mc.err != nil {
		return nil, fmt.Errorf("stream directory block map: %w", mc.err)
	}
	dir, err := f.assemble(dirIndices, dirBytes)
	if err != nil {
		return nil, fmt.Errorf("stream directory: %w", err)
	}

	dc := newCursor(dir)
	n := dc.u32()
	if uint64(n)*4 > uint64(len(dir)) {
		return nil, corrupt("stream directory lists %d streams", n)
	}
	f.sizes = make([]uint32, n)
	for i := range f.sizes {
		f.sizes[i] = dc.u32()
	}
	f.blocks = make([][]uint32, n)
	for i, size := range f.sizes {
		if size == nilStreamSize {
			continue
		}
		count := f.blockCount(size)
		if count > dc.remaining()/4 {
			return nil, corrupt("stream %d needs %d blocks", i, count)
		}
		f.blocks[i] = make([]uint32, count)
		for j := range f.blocks[i] {
			f.blocks[i][j] = dc.u32()
		}
	}
	return f, dc.err
}

func (f *msfFile) blockCount(size uint32) int {
	return int((uint64(size) + uint64(f.blockSize) - 1) / uint64(f.blockSize))
}

func (f *msfFile) block(index uint32) ([]byte, error) {
	start := uint64(index) * uint64(f.blockSize)
	if start+uint64(f.blockSize) > uint64(len(f.data)) {
		return nil, corrupt("block %d outside file", index)
	}
	return f.data[start : start+uint64(f.blockSize)], nil
}

func (f *msfFile) assemble(indices []uint32, size uint32) ([]byte, error) {
	out := make([]byte, 0, len(indices)*f.blockSize)
	for _, idx := range indices {
		b, err := f.block(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	if uint64(size) > uint64(len(out)) {
		return nil, corrupt("stream of %d bytes in %d blocks", size, len(indices))
	}
	return out[:size], nil
}

// stream returns the content of stream i. Nil streams are empty.
func (f *msfFile) stream(i int) ([]byte, error) {
	if i < 0 || i >= len(f.sizes) {
		return nil, corrupt("stream %d of %d", i, len(f.sizes))
	}
	if f.sizes[i] == nilStreamSize {
		return nil, nil
	}
	return f.assemble(f.blocks[i], f.sizes[i])
}

// =============================================================================
// PDB streams
// =============================================================================

// namedStreams reads the named stream map of the PDB info stream.
func namedStreams(info []byte) (map[string]int, error) {
	c := newCursor(info)
	c.skip(4 + 4 + 4 + 16) // version, signature, age, guid
	bufSize := c.u32()
	buf := c.take(int(bufSize))
	size := c.u32()
	c.skip(4) // capacity
	present := bitVector(c)
	bitVector(c) // deleted
	if c.err != nil {
		return nil, fmt.Errorf("named stream map: %w", c.err)
	}

	out := make(map[string]int, size)
	for bucket := 0; bucket < len(present)*32 && len(out) < int(size); bucket++ {
		if present[bucket/32]&(1<<(bucket%32)) == 0 {
			continue
		}
		key := c.u32()
		value := c.u32()
		if c.err != nil {
			return nil, fmt.Errorf("named stream map: %w", c.err)
		}
		name := newCursor(buf)
		name.seek(int(key))
		s := name.cstring()
		if name.err != nil {
			return nil, fmt.Errorf("named stream map: %w", name.err)
		}
		out[s] = int(value)
	}
	return out, nil
}

func bitVector(c *cursor) []uint32 {
	n := c.u32()
	if c.err != nil || int(n) > c.remaining()/4 {
		c.take(int(n) * 4)
		return nil
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = c.u32()
	}
	return words
}

// stringTable is the /names stream: file names referenced by offset.
type stringTable []byte

func parseStringTable(data []byte) (stringTable, error) {
	c := newCursor(data)
	if sig := c.u32(); c.err == nil && sig != namesSignature {
		return nil, corrupt("/names signature 0x%08X", sig)
	}
	c.skip(4) // hash version
	size := c.u32()
	buf := c.take(int(size))
	if c.err != nil {
		return nil, fmt.Errorf("/names: %w", c.err)
	}
	return stringTable(buf), nil
}

func (t stringTable) at(offset uint32) string {
	c := newCursor(t)
	c.seek(int(offset))
	return c.cstring()
}

// moduleInfo is the part of a DBI module entry needed to read its stream.
type moduleInfo struct {
	name     string
	stream   int
	symBytes uint32
	c11Bytes uint32
	c13Bytes uint32
}

func parseModules(dbi []byte) ([]moduleInfo, error) {
	c := newCursor(dbi)
	if sig := int32(c.u32()); c.err == nil && sig != -1 {
		return nil, corrupt("DBI version signature %d", sig)
	}
	c.seek(24)
	modInfoSize := c.u32()
	c.seek(dbiHeaderSize)
	sub := c.take(int(modInfoSize))
	if c.err != nil {
		return nil, fmt.Errorf("DBI header: %w", c.err)
	}

	var mods []moduleInfo
	mc := newCursor(sub)
	for mc.remaining() >= modInfoFixedLen {
		start := mc.pos
		mc.seek(start + 34)
		stream := mc.u16()
		symBytes := mc.u32()
		c11Bytes := mc.u32()
		c13Bytes := mc.u32()
		mc.seek(start + modInfoFixedLen)
		name := mc.cstring()
		mc.cstring() // object file
		mc.align(4)
		if mc.err != nil {
			return nil, fmt.Errorf("DBI module %d: %w", len(mods), mc.err)
		}
		mods = append(mods, moduleInfo{
			name:     name,
			stream:   int(int16(stream)),
			symBytes: symBytes,
			c11Bytes: c11Bytes,
			c13Bytes: c13Bytes,
		})
	}
	return mods, nil
}

// =============================================================================
// Module streams
// =============================================================================

// procedure is a managed procedure symbol.
type procedure struct {
	token   metadata.Token
	segment uint16
	offset  uint32
}

type sectionKey struct {
	segment uint16
	offset  uint32
}

// readSymbols returns the managed procedures of a module and the
// language from its compile record.
func readSymbols(syms []byte) ([]procedure, Language, error) {
	c := newCursor(syms)
	if sig := c.u32(); c.err == nil && sig != cvSignatureC13 {
		return nil, LanguageUnknown, corrupt("module symbol signature %d", sig)
	}
	var (
		procs []procedure
		lang  = LanguageUnknown
	)
	for c.remaining() >= 4 {
		length := int(c.u16())
		if length < 2 {
			return nil, lang, corrupt("symbol record of %d bytes", length)
		}
		kind := c.u16()
		data := newCursor(c.take(length - 2))
		if c.err != nil {
			return nil, lang, c.err
		}
		switch kind {
		case symGManProc, symLManProc:
			data.seek(24)
			p := procedure{token: metadata.Token(data.u32())}
			p.offset = data.u32()
			p.segment = data.u16()
			if data.err != nil {
				return nil, lang, fmt.Errorf("managed procedure: %w", data.err)
			}
			procs = append(procs, p)
		case symCompile2, symCompile3:
			switch data.u32() & 0xFF {
			case cvLanguageCSharp:
				lang = LanguageCSharp
			case cvLanguageVisualBasic:
				lang = LanguageVisualBasic
			}
		}
	}
	return procs, lang, nil
}

// lineBlock is the line information of one file inside one procedure.
type lineBlock struct {
	key       sectionKey
	checksum  uint32
	sequences []CodeSequence
}

// readC13 returns the line blocks of a module and the file name offsets
// of its checksum subsection keyed by entry offset.
func readC13(data []byte) ([]lineBlock, map[uint32]uint32, error) {
	var (
		blocks    []lineBlock
		checksums = make(map[uint32]uint32)
	)
	c := newCursor(data)
	for c.remaining() >= 8 {
		kind := c.u32()
		length := c.u32()
		body := c.take(int(length))
		if c.err != nil {
			return nil, nil, fmt.Errorf("C13 subsection 0x%X: %w", kind, c.err)
		}
		c.alignWithin(4)
		if kind&debugSubsectionIgnore != 0 {
			continue
		}
		switch kind {
		case debugSubsectionLines:
			b, err := readLines(body)
			if err != nil {
				return nil, nil, err
			}
			blocks = append(blocks, b...)
		case debugSubsectionChecksums:
			cc := newCursor(body)
			for cc.remaining() >= 6 {
				entry := uint32(cc.pos)
				nameOffset := cc.u32()
				size := cc.u8()
				cc.skip(1) // kind
				cc.skip(int(size))
				if cc.err != nil {
					return nil, nil, fmt.Errorf("file checksums: %w", cc.err)
				}
				cc.alignWithin(4)
				checksums[entry] = nameOffset
			}
		}
	}
	return blocks, checksums, nil
}

func readLines(body []byte) ([]lineBlock, error) {
	c := newCursor(body)
	offset := c.u32()
	segment := c.u16()
	flags := c.u16()
	c.skip(4) // code size
	if c.err != nil {
		return nil, fmt.Errorf("lines header: %w", c.err)
	}
	key := sectionKey{segment: segment, offset: offset}

	var out []lineBlock
	for c.remaining() >= 12 {
		checksum := c.u32()
		n := int(c.u32())
		c.skip(4) // block size
		if n > c.remaining()/8 {
			return nil, corrupt("line block with %d lines", n)
		}
		type line struct {
			offset, start, end uint32
		}
		lines := make([]line, n)
		for i := range lines {
			lines[i].offset = c.u32()
			f := c.u32()
			lines[i].start = f & 0xFFFFFF
			lines[i].end = lines[i].start + (f>>24)&0x7F
		}
		cols := make([][2]uint16, n)
		if flags&linesHaveColumns != 0 {
			for i := range cols {
				cols[i][0] = c.u16()
				cols[i][1] = c.u16()
			}
		}
		if c.err != nil {
			return nil, fmt.Errorf("line block: %w", c.err)
		}

		block := lineBlock{key: key, checksum: checksum}
		for i, l := range lines {
			if l.start == hiddenLine || l.start == hiddenLineLegacy {
				continue
			}
			block.sequences = append(block.sequences, CodeSequence{
				StartOffset: int(l.offset),
				StartLine:   int(l.start),
				StartColumn: int(cols[i][0]),
				EndLine:     int(l.end),
				EndColumn:   int(cols[i][1]),
			})
		}
		out = append(out, block)
	}
	return out, nil
}

// ParseWindows decodes an MSF PDB image.
//
// Description:
//
//	Managed procedure symbols give the token and code address of each
//	method; C13 line subsections at the same address give its sequence
//	points and, through the checksum subsection and the /names stream,
//	its document. The language comes from the module's compile record,
//	falling back to the document extension. Hidden lines are dropped.
//
// Outputs:
//
//	map[metadata.Token]*Method - The methods with debug information.
//	error - ErrCorrupt when a structure is truncated, ErrUnknownFormat
//	  when the signature is wrong.
func ParseWindows(data []byte) (map[metadata.Token]*Method, error) {
	f, err := openMSF(data)
	if err != nil {
		return nil, err
	}
	info, err := f.stream(streamInfo)
	if err != nil {
		return nil, fmt.Errorf("info stream: %w", err)
	}
	named, err := namedStreams(info)
	if err != nil {
		return nil, err
	}
	var names stringTable
	if idx, ok := named["/names"]; ok {
		raw, err := f.stream(idx)
		if err != nil {
			return nil, fmt.Errorf("/names stream: %w", err)
		}
		if names, err = parseStringTable(raw); err != nil {
			return nil, err
		}
	}
	dbi, err := f.stream(streamDBI)
	if err != nil {
		return nil, fmt.Errorf("DBI stream: %w", err)
	}
	mods, err := parseModules(dbi)
	if err != nil {
		return nil, err
	}

	methods := make(map[metadata.Token]*Method)
	for _, mod := range mods {
		if mod.stream < 0 {
			continue
		}
		raw, err := f.stream(mod.stream)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mod.name, err)
		}
		end := uint64(mod.symBytes) + uint64(mod.c11Bytes) + uint64(mod.c13Bytes)
		if end > uint64(len(raw)) {
			return nil, corrupt("module %s declares %d bytes in a %d byte stream", mod.name, end, len(raw))
		}
		procs, lang, err := readSymbols(raw[:mod.symBytes])
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mod.name, err)
		}
		c13Start := uint64(mod.symBytes) + uint64(mod.c11Bytes)
		blocks, checksums, err := readC13(raw[c13Start:end])
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mod.name, err)
		}

		byAddress := make(map[sectionKey][]lineBlock, len(blocks))
		for _, b := range blocks {
			byAddress[b.key] = append(byAddress[b.key], b)
		}
		for _, p := range procs {
			m := &Method{Token: p.token, Language: lang}
			for _, b := range byAddress[sectionKey{segment: p.segment, offset: p.offset}] {
				if m.Document == "" {
					if off, ok := checksums[b.checksum]; ok && names != nil {
						m.Document = names.at(off)
					}
				}
				m.Sequences = append(m.Sequences, b.sequences...)
			}
			if len(m.Sequences) == 0 {
				continue
			}
			if m.Language == LanguageUnknown {
				m.Language = languageFromDocument(m.Document)
			}
			m.sortSequences()
			methods[p.token] = m
		}
	}
	return methods, nil
}
