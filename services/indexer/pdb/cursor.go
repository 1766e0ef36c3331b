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
)

// cursor reads little-endian values from a byte slice. The first read past
// the end sets err; every later read returns zero values.
type cursor struct {
	b   []byte
	pos int
	err error
}

func newCursor(b []byte) *cursor { return &cursor{b: b} }

func (c *cursor) remaining() int { return len(c.b) - c.pos }

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > c.remaining() {
		c.err = corrupt("read of %d bytes at offset %d overruns %d bytes", n, c.pos, len(c.b))
		return nil
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out
}

func (c *cursor) skip(n int) { c.take(n) }

func (c *cursor) seek(pos int) {
	if c.err != nil {
		return
	}
	if pos < 0 || pos > len(c.b) {
		c.err = corrupt("seek to %d outside %d bytes", pos, len(c.b))
		return
	}
	c.pos = pos
}

// align advances to the next multiple of n.
func (c *cursor) align(n int) {
	if rem := c.pos % n; rem != 0 {
		c.skip(n - rem)
	}
}

// alignWithin aligns like align but stops at the end of the data instead
// of failing when trailing padding was not written.
func (c *cursor) alignWithin(n int) {
	if rem := c.pos % n; rem != 0 {
		c.pos = min(c.pos+n-rem, len(c.b))
	}
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// index reads a heap or table index of 2 or 4 bytes.
func (c *cursor) index(wide bool) uint32 {
	if wide {
		return c.u32()
	}
	return uint32(c.u16())
}

// cstring reads a zero-terminated string.
func (c *cursor) cstring() string {
	if c.err != nil {
		return ""
	}
	end := bytes.IndexByte(c.b[c.pos:], 0)
	if end < 0 {
		c.err = corrupt("unterminated string at offset %d", c.pos)
		return ""
	}
	s := string(c.b[c.pos : c.pos+end])
	c.pos += end + 1
	return s
}

// compressed reads an ECMA-335 compressed unsigned integer.
func (c *cursor) compressed() uint32 {
	first := c.u8()
	switch {
	case first&0x80 == 0:
		return uint32(first)
	case first&0xC0 == 0x80:
		return uint32(first&0x3F)<<8 | uint32(c.u8())
	case first&0xE0 == 0xC0:
		b := c.take(3)
		if b == nil {
			return 0
		}
		return uint32(first&0x1F)<<24 | uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	if c.err == nil {
		c.err = corrupt("invalid compressed integer lead byte 0x%02X at offset %d", first, c.pos-1)
	}
	return 0
}

// compressedSigned reads an ECMA-335 compressed signed integer: the value
// is rotated left by one bit and stored in 6, 13 or 28 bits.
func (c *cursor) compressedSigned() int32 {
	if c.err != nil || c.pos >= len(c.b) {
		c.compressed()
		return 0
	}
	first := c.b[c.pos]
	u := c.compressed()
	var bits uint
	switch {
	case first&0x80 == 0:
		bits = 6
	case first&0xC0 == 0x80:
		bits = 13
	default:
		bits = 28
	}
	v := int32(u >> 1)
	if u&1 != 0 {
		v -= 1 << bits
	}
	return v
}
