// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/errors"

	"tabletdb/util/bufalloc"
)

// erasureLen marks an erasure in the packed value-length slot.
const erasureLen = ^uint32(0)

// ErrBufferCorrupted reports a malformed packed cell buffer.
type ErrBufferCorrupted struct {
	Pos    int
	Reason string
}

func (e *ErrBufferCorrupted) Error() string {
	return fmt.Sprintf("tabletdb/cell: packed buffer corrupted (pos=%d): %s", e.Pos, e.Reason)
}

// Buffer is the packed wire form of a batch of cells, used for apply
// payloads and log records. Cells are stored in canonical order; the
// buffer is content-addressed by hash for deduplicated log replay.
//
// Layout (little-endian): u32 count, then per cell
// u32 rowLen, row, u32 colLen, col, i64 timestamp, u32 valueLen, value.
// A valueLen of 0xffffffff marks an erasure and carries no value bytes.
type Buffer struct {
	packed []byte
	cells  []Cell
	hash   uint64
}

// Pack serializes cells (already in canonical order) into a Buffer.
func Pack(cells []Cell) (*Buffer, error) {
	for i := 1; i < len(cells); i++ {
		if Compare(&cells[i-1], &cells[i]) >= 0 {
			return nil, errors.Errorf("cells out of order at %d: %v >= %v",
				i, &cells[i-1], &cells[i])
		}
	}

	n := 4
	for i := range cells {
		n += 4 + len(cells[i].Row) + 4 + len(cells[i].Column) + 8 + 4 + len(cells[i].Value)
	}
	buf := bufalloc.AllocBuffer(n)
	b := buf.Alloc(n)
	pos := 0
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b[pos:], v)
		pos += 4
	}
	putStr := func(s string) {
		putU32(uint32(len(s)))
		copy(b[pos:], s)
		pos += len(s)
	}

	putU32(uint32(len(cells)))
	for i := range cells {
		c := &cells[i]
		putStr(c.Row)
		putStr(c.Column)
		binary.LittleEndian.PutUint64(b[pos:], uint64(c.Timestamp))
		pos += 8
		if c.Erasure {
			putU32(erasureLen)
		} else {
			putU32(uint32(len(c.Value)))
			copy(b[pos:], c.Value)
			pos += len(c.Value)
		}
	}

	packed := append([]byte(nil), b...)
	bufalloc.FreeBuffer(buf)
	return &Buffer{
		packed: packed,
		cells:  cells,
		hash:   xxhash.Sum64(packed),
	}, nil
}

// Unpack parses a packed buffer and validates canonical cell order.
func Unpack(packed []byte) (*Buffer, error) {
	pos := 0
	getU32 := func() (uint32, error) {
		if pos+4 > len(packed) {
			return 0, &ErrBufferCorrupted{Pos: pos, Reason: "truncated"}
		}
		v := binary.LittleEndian.Uint32(packed[pos:])
		pos += 4
		return v, nil
	}
	getStr := func() (string, error) {
		n, err := getU32()
		if err != nil {
			return "", err
		}
		if pos+int(n) > len(packed) {
			return "", &ErrBufferCorrupted{Pos: pos, Reason: "truncated string"}
		}
		s := string(packed[pos : pos+int(n)])
		pos += int(n)
		return s, nil
	}

	count, err := getU32()
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, 0, count)
	for i := uint32(0); i < count; i++ {
		var c Cell
		if c.Row, err = getStr(); err != nil {
			return nil, err
		}
		if c.Column, err = getStr(); err != nil {
			return nil, err
		}
		if pos+8 > len(packed) {
			return nil, &ErrBufferCorrupted{Pos: pos, Reason: "truncated timestamp"}
		}
		c.Timestamp = int64(binary.LittleEndian.Uint64(packed[pos:]))
		pos += 8
		vlen, err := getU32()
		if err != nil {
			return nil, err
		}
		if vlen == erasureLen {
			c.Erasure = true
		} else {
			if pos+int(vlen) > len(packed) {
				return nil, &ErrBufferCorrupted{Pos: pos, Reason: "truncated value"}
			}
			c.Value = append([]byte(nil), packed[pos:pos+int(vlen)]...)
			pos += int(vlen)
		}
		if n := len(cells); n > 0 && Compare(&cells[n-1], &c) >= 0 {
			return nil, &ErrBufferCorrupted{Pos: pos, Reason: "cells out of order"}
		}
		cells = append(cells, c)
	}
	if pos != len(packed) {
		return nil, &ErrBufferCorrupted{Pos: pos, Reason: "trailing bytes"}
	}
	return &Buffer{packed: packed, cells: cells, hash: xxhash.Sum64(packed)}, nil
}

// Cells returns the decoded cells in canonical order.
func (b *Buffer) Cells() []Cell { return b.cells }

// Packed returns the wire bytes.
func (b *Buffer) Packed() []byte { return b.packed }

// Size returns the packed size in bytes.
func (b *Buffer) Size() int { return len(b.packed) }

// Hash content-addresses the buffer for replay deduplication.
func (b *Buffer) Hash() uint64 { return b.hash }

// Rows returns the distinct rows touched by the buffer, in order.
func (b *Buffer) Rows() []string {
	var rows []string
	for i := range b.cells {
		if len(rows) == 0 || rows[len(rows)-1] != b.cells[i].Row {
			rows = append(rows, b.cells[i].Row)
		}
	}
	return rows
}
