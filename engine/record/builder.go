// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package record builds and parses the typed, 8-byte-aligned records
// that make up a fragment file. A record is assembled from relocatable
// subblocks; internal references are recorded as fixups and resolved to
// payload-relative offsets when the record is finalized.
package record

import (
	"encoding/binary"
)

// HeaderLen is the fixed record header size: type code, version,
// payload length and padding, each 4 bytes, little-endian.
const HeaderLen = 16

// Header identifies a record on disk.
type Header struct {
	Type    uint32
	Version uint32
	Length  uint32
}

// PutHeader writes h into b, which must hold HeaderLen bytes.
func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:], h.Type)
	binary.LittleEndian.PutUint32(b[4:], h.Version)
	binary.LittleEndian.PutUint32(b[8:], h.Length)
	binary.LittleEndian.PutUint32(b[12:], 0)
}

// ParseHeader reads a record header from b.
func ParseHeader(b []byte) Header {
	return Header{
		Type:    binary.LittleEndian.Uint32(b[0:]),
		Version: binary.LittleEndian.Uint32(b[4:]),
		Length:  binary.LittleEndian.Uint32(b[8:]),
	}
}

// fixup patches a 4-byte slot in one block with the final offset of a
// position in another block.
type fixup struct {
	pos    int    // slot position within the owning block
	target *Block // block the reference points into; nil writes zero
	off    int    // offset within target
}

// Block is an append-only byte segment of a record under construction.
type Block struct {
	align  int
	buf    []byte
	fixups []fixup
	final  int // payload-relative offset, assigned by Finish
}

// Size returns the number of bytes appended so far.
func (b *Block) Size() int { return len(b.buf) }

// AppendU32 appends a little-endian uint32.
func (b *Block) AppendU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// AppendU64 appends a little-endian uint64.
func (b *Block) AppendU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// AppendI64 appends a little-endian int64.
func (b *Block) AppendI64(v int64) {
	b.AppendU64(uint64(v))
}

// AppendBytes appends raw bytes.
func (b *Block) AppendBytes(p []byte) {
	b.buf = append(b.buf, p...)
}

// AppendString appends the bytes of s.
func (b *Block) AppendString(s string) {
	b.buf = append(b.buf, s...)
}

// AppendOffset appends a 4-byte reference to position off inside
// target. The final payload-relative offset is patched in by Finish.
func (b *Block) AppendOffset(target *Block, off int) {
	b.fixups = append(b.fixups, fixup{pos: len(b.buf), target: target, off: off})
	b.AppendU32(0)
}

// AppendNullOffset appends a 4-byte zero reference.
func (b *Block) AppendNullOffset() {
	b.AppendU32(0)
}

// AppendPadding pads the block to a multiple of align bytes.
func (b *Block) AppendPadding(align int) {
	for len(b.buf)%align != 0 {
		b.buf = append(b.buf, 0)
	}
}

// Builder assembles a record from a base block plus any number of
// subblocks. Subblocks are laid out after the base in creation order.
type Builder struct {
	header Header
	blocks []*Block
}

// NewBuilder starts a record of the given type and version.
func NewBuilder(typeCode, version uint32) *Builder {
	b := &Builder{header: Header{Type: typeCode, Version: version}}
	b.blocks = append(b.blocks, &Block{align: 8})
	return b
}

// Base returns the record's root block.
func (b *Builder) Base() *Block { return b.blocks[0] }

// Subblock adds a new segment with the given alignment.
func (b *Builder) Subblock(align int) *Block {
	blk := &Block{align: align}
	b.blocks = append(b.blocks, blk)
	return blk
}

// Reset drops all content, keeping the record type.
func (b *Builder) Reset() {
	b.blocks = b.blocks[:0]
	b.blocks = append(b.blocks, &Block{align: 8})
}

// Size returns the current unaligned payload size.
func (b *Builder) Size() int {
	n := 0
	for _, blk := range b.blocks {
		n += blk.Size()
	}
	return n
}

// Finish lays the blocks out contiguously, resolves every fixup to a
// payload-relative offset, and returns the full record: header,
// payload, and padding out to 8-byte alignment.
func (b *Builder) Finish() []byte {
	// Assign final offsets.
	pos := 0
	for _, blk := range b.blocks {
		for pos%blk.align != 0 {
			pos++
		}
		blk.final = pos
		pos += len(blk.buf)
	}
	payloadLen := pos

	out := make([]byte, HeaderLen+payloadLen)
	PutHeader(out, Header{Type: b.header.Type, Version: b.header.Version, Length: uint32(payloadLen)})
	for _, blk := range b.blocks {
		copy(out[HeaderLen+blk.final:], blk.buf)
	}

	// Resolve fixups.
	for _, blk := range b.blocks {
		for _, f := range blk.fixups {
			v := uint32(0)
			if f.target != nil {
				v = uint32(f.target.final + f.off)
			}
			binary.LittleEndian.PutUint32(out[HeaderLen+blk.final+f.pos:], v)
		}
	}

	// Records are 8-byte aligned in the file.
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	return out
}
