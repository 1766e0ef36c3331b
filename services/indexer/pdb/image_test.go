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
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// Builders for synthetic debug images used by the tests.

type buf struct{ bytes.Buffer }

func (b *buf) u8(v uint8)   { b.WriteByte(v) }
func (b *buf) u16(v uint16) { _ = binary.Write(&b.Buffer, binary.LittleEndian, v) }
func (b *buf) u32(v uint32) { _ = binary.Write(&b.Buffer, binary.LittleEndian, v) }
func (b *buf) u64(v uint64) { _ = binary.Write(&b.Buffer, binary.LittleEndian, v) }
func (b *buf) cstring(s string) {
	b.WriteString(s)
	b.WriteByte(0)
}
func (b *buf) pad(n int) {
	for b.Len()%n != 0 {
		b.WriteByte(0)
	}
}

func compressU(v uint32) []byte {
	switch {
	case v < 0x80:
		return []byte{byte(v)}
	case v < 0x4000:
		return []byte{byte(0x80 | v>>8), byte(v)}
	}
	return []byte{byte(0xC0 | v>>24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func compressS(v int32) []byte {
	var sign uint32
	if v < 0 {
		sign = 1
	}
	switch {
	case v >= -64 && v < 64:
		return []byte{byte((uint32(v)<<1)&0x7E | sign)}
	case v >= -8192 && v < 8192:
		u := (uint32(v)<<1)&0x3FFE | sign
		return []byte{byte(0x80 | u>>8), byte(u)}
	}
	u := (uint32(v)<<1)&0x1FFFFFFE | sign
	return []byte{byte(0xC0 | u>>24), byte(u >> 16), byte(u >> 8), byte(u)}
}

// seqBlob concatenates compressed values; ints are unsigned, int32s signed.
func seqBlob(values ...any) []byte {
	var out []byte
	for _, v := range values {
		switch x := v.(type) {
		case int:
			out = append(out, compressU(uint32(x))...)
		case int32:
			out = append(out, compressS(x)...)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Portable PDB
// -----------------------------------------------------------------------------

type portableBuilder struct {
	blob    []byte
	guid    []byte
	docs    [][2]uint32
	methods [][2]uint32

	// rows replaces the row count written for a table.
	rows map[int]uint32
	// trim drops bytes from the end of the #~ stream.
	trim int
}

func newPortableBuilder() *portableBuilder {
	return &portableBuilder{blob: []byte{0}}
}

func (p *portableBuilder) addBlob(data []byte) uint32 {
	idx := uint32(len(p.blob))
	p.blob = append(p.blob, compressU(uint32(len(data)))...)
	p.blob = append(p.blob, data...)
	return idx
}

func (p *portableBuilder) addGUID(id uuid.UUID) uint32 {
	var raw [16]byte
	binary.LittleEndian.PutUint32(raw[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(raw[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(raw[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(raw[8:], id[8:])
	p.guid = append(p.guid, raw[:]...)
	return uint32(len(p.guid) / 16)
}

// addDocument adds a document row and returns its row number.
func (p *portableBuilder) addDocument(name string, language uuid.UUID) uint32 {
	nameBlob := []byte{'/'}
	for _, part := range strings.Split(name, "/") {
		nameBlob = append(nameBlob, compressU(p.addBlob([]byte(part)))...)
	}
	lang := uint32(0)
	if language != uuid.Nil {
		lang = p.addGUID(language)
	}
	p.docs = append(p.docs, [2]uint32{p.addBlob(nameBlob), lang})
	return uint32(len(p.docs))
}

// addMethod adds a MethodDebugInformation row. A nil blob adds a row
// without sequence points.
func (p *portableBuilder) addMethod(doc uint32, sequencePoints []byte) {
	var idx uint32
	if sequencePoints != nil {
		idx = p.addBlob(sequencePoints)
	}
	p.methods = append(p.methods, [2]uint32{doc, idx})
}

func (p *portableBuilder) rowCount(table, actual int) uint32 {
	if n, ok := p.rows[table]; ok {
		return n
	}
	return uint32(actual)
}

func (p *portableBuilder) bytes() []byte {
	var tables buf
	tables.u32(0)
	tables.u8(2)
	tables.u8(0)
	tables.u8(0) // narrow heaps
	tables.u8(1)
	tables.u64(1<<tableDocument | 1<<tableMethodDebugInformation)
	tables.u64(0)
	tables.u32(p.rowCount(tableDocument, len(p.docs)))
	tables.u32(p.rowCount(tableMethodDebugInformation, len(p.methods)))
	for _, d := range p.docs {
		tables.u16(uint16(d[0]))
		tables.u16(0)
		tables.u16(0)
		tables.u16(uint16(d[1]))
	}
	for _, m := range p.methods {
		tables.u16(uint16(m[0]))
		tables.u16(uint16(m[1]))
	}

	pdbStream := make([]byte, 32)
	streams := []struct {
		name string
		data []byte
	}{
		{"#Pdb", pdbStream},
		{"#~", tables.Bytes()[:tables.Len()-p.trim]},
		{"#Strings", []byte{0, 0, 0, 0}},
		{"#Blob", p.blob},
		{"#GUID", p.guid},
	}

	version := "PDB v1.0\x00\x00\x00\x00"
	headerLen := 16 + len(version) + 4
	for _, s := range streams {
		headerLen += 8 + (len(s.name)+1+3)/4*4
	}

	var out buf
	out.WriteString("BSJB")
	out.u16(1)
	out.u16(1)
	out.u32(0)
	out.u32(uint32(len(version)))
	out.WriteString(version)
	out.u16(0)
	out.u16(uint16(len(streams)))
	offset := headerLen
	for _, s := range streams {
		out.u32(uint32(offset))
		out.u32(uint32(len(s.data)))
		out.cstring(s.name)
		out.pad(4)
		offset += (len(s.data) + 3) / 4 * 4
	}
	for _, s := range streams {
		out.Write(s.data)
		out.pad(4)
	}
	return out.Bytes()
}

// -----------------------------------------------------------------------------
// MSF PDB
// -----------------------------------------------------------------------------

const testBlockSize = 512

// msfImage lays out streams in an MSF container. A nil stream is written
// as a nil stream.
func msfImage(streams [][]byte) []byte {
	blocks := 3 // superblock and the free block maps
	lists := make([][]uint32, len(streams))
	var data buf
	data.Write(make([]byte, blocks*testBlockSize))
	for i, s := range streams {
		for off := 0; off < len(s); off += testBlockSize {
			lists[i] = append(lists[i], uint32(blocks))
			chunk := s[off:min(off+testBlockSize, len(s))]
			data.Write(chunk)
			data.Write(make([]byte, testBlockSize-len(chunk)))
			blocks++
		}
	}

	var dir buf
	dir.u32(uint32(len(streams)))
	for _, s := range streams {
		if s == nil {
			dir.u32(nilStreamSize)
		} else {
			dir.u32(uint32(len(s)))
		}
	}
	for _, l := range lists {
		for _, b := range l {
			dir.u32(b)
		}
	}
	var dirBlocks []uint32
	d := dir.Bytes()
	for off := 0; off < len(d); off += testBlockSize {
		dirBlocks = append(dirBlocks, uint32(blocks))
		chunk := d[off:min(off+testBlockSize, len(d))]
		data.Write(chunk)
		data.Write(make([]byte, testBlockSize-len(chunk)))
		blocks++
	}
	var blockMap buf
	for _, b := range dirBlocks {
		blockMap.u32(b)
	}
	blockMap.Write(make([]byte, testBlockSize-blockMap.Len()))
	data.Write(blockMap.Bytes())
	mapAddr := uint32(blocks)
	blocks++

	out := data.Bytes()
	var super buf
	super.Write(msfMagic)
	super.u32(testBlockSize)
	super.u32(1)
	super.u32(uint32(blocks))
	super.u32(uint32(len(d)))
	super.u32(0)
	super.u32(mapAddr)
	copy(out, super.Bytes())
	return out
}

func infoStream(named map[string]uint32) []byte {
	var names buf
	offsets := make(map[string]uint32, len(named))
	for name := range named {
		offsets[name] = uint32(names.Len())
		names.cstring(name)
	}
	var b buf
	b.u32(20000404)
	b.u32(0x5F000000)
	b.u32(1)
	b.Write(make([]byte, 16))
	b.u32(uint32(names.Len()))
	b.Write(names.Bytes())
	b.u32(uint32(len(named)))
	b.u32(uint32(len(named)))
	b.u32(1)
	b.u32(1<<uint(len(named)) - 1)
	b.u32(0)
	for name, stream := range named {
		b.u32(offsets[name])
		b.u32(stream)
	}
	return b.Bytes()
}

func namesStream(strs ...string) ([]byte, map[string]uint32) {
	var table buf
	table.u8(0)
	offsets := make(map[string]uint32, len(strs))
	for _, s := range strs {
		offsets[s] = uint32(table.Len())
		table.cstring(s)
	}
	var b buf
	b.u32(namesSignature)
	b.u32(1)
	b.u32(uint32(table.Len()))
	b.Write(table.Bytes())
	return b.Bytes(), offsets
}

func dbiStream(moduleStream uint16, symBytes, c13Bytes uint32) []byte {
	var mod buf
	mod.Write(make([]byte, 34))
	mod.u16(moduleStream)
	mod.u32(symBytes)
	mod.u32(0)
	mod.u32(c13Bytes)
	mod.Write(make([]byte, modInfoFixedLen-mod.Len()))
	mod.cstring("Program.obj")
	mod.cstring("Program.obj")
	mod.pad(4)

	var b buf
	b.u32(0xFFFFFFFF)
	b.u32(19990903)
	b.Write(make([]byte, 24-b.Len()))
	b.u32(uint32(mod.Len()))
	b.Write(make([]byte, dbiHeaderSize-b.Len()))
	b.Write(mod.Bytes())
	return b.Bytes()
}

func symRecord(kind uint16, data []byte) []byte {
	var b buf
	b.u16(uint16(len(data) + 2))
	b.u16(kind)
	b.Write(data)
	return b.Bytes()
}

func manProc(kind uint16, token, offset uint32, segment uint16, name string) []byte {
	var b buf
	b.Write(make([]byte, 24))
	b.u32(token)
	b.u32(offset)
	b.u16(segment)
	b.u8(0)
	b.u16(0)
	b.cstring(name)
	b.pad(4)
	return symRecord(kind, b.Bytes())
}

func compile3(language uint8) []byte {
	var b buf
	b.u32(uint32(language))
	b.u16(0)
	b.Write(make([]byte, 16))
	b.cstring("compiler")
	b.pad(4)
	return symRecord(symCompile3, b.Bytes())
}

type testLine struct {
	offset, line, endDelta uint32
	startCol, endCol       uint16
}

func linesSubsection(offset uint32, segment uint16, columns bool, checksum uint32, lines []testLine) []byte {
	var body buf
	body.u32(offset)
	body.u16(segment)
	var flags uint16
	if columns {
		flags = linesHaveColumns
	}
	body.u16(flags)
	body.u32(64)
	body.u32(checksum)
	body.u32(uint32(len(lines)))
	size := 12 + 8*len(lines)
	if columns {
		size += 4 * len(lines)
	}
	body.u32(uint32(size))
	for _, l := range lines {
		body.u32(l.offset)
		body.u32(l.line | l.endDelta<<24 | 1<<31)
	}
	if columns {
		for _, l := range lines {
			body.u16(l.startCol)
			body.u16(l.endCol)
		}
	}
	return subsection(debugSubsectionLines, body.Bytes())
}

func checksumsSubsection(nameOffsets ...uint32) []byte {
	var body buf
	for _, off := range nameOffsets {
		body.u32(off)
		body.u8(0)
		body.u8(0)
		body.pad(4)
	}
	return subsection(debugSubsectionChecksums, body.Bytes())
}

func subsection(kind uint32, body []byte) []byte {
	var b buf
	b.u32(kind)
	b.u32(uint32(len(body)))
	b.Write(body)
	b.pad(4)
	return b.Bytes()
}

// windowsPDB assembles a PDB with one module stream holding the given
// symbols and C13 subsections.
func windowsPDB(names []byte, symbols, c13 []byte) []byte {
	var module buf
	module.u32(cvSignatureC13)
	module.Write(symbols)
	symBytes := uint32(module.Len())
	module.Write(c13)

	return msfImage([][]byte{
		{},
		infoStream(map[string]uint32{"/names": 5}),
		nil,
		dbiStream(4, symBytes, uint32(len(c13))),
		module.Bytes(),
		names,
	})
}
