// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package record

// StringPoolBuilder deduplicates byte strings into a record subblock.
// Each pooled entry is a 4-byte length followed by the string bytes,
// padded to 4-byte alignment. Offsets returned point at the length
// word and are relative to the pool block's base.
type StringPoolBuilder struct {
	block   *Block
	offsets map[string]int
	data    int
}

// NewStringPool attaches a pool to a fresh subblock of b.
func NewStringPool(b *Builder) *StringPoolBuilder {
	return &StringPoolBuilder{
		block:   b.Subblock(4),
		offsets: make(map[string]int),
	}
}

// Block returns the subblock holding the pooled strings.
func (p *StringPoolBuilder) Block() *Block { return p.block }

// Offset returns the pool-relative offset for s, adding it on first use.
func (p *StringPoolBuilder) Offset(s string) int {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	p.block.AppendPadding(4)
	off := p.block.Size()
	p.block.AppendU32(uint32(len(s)))
	p.block.AppendString(s)
	p.offsets[s] = off
	p.data += 4 + len(s)
	return off
}

// DataSize returns the bytes consumed by pooled strings.
func (p *StringPoolBuilder) DataSize() int { return p.data }
