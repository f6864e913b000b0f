// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fragment

import (
	"hash/adler32"

	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/engine/record"
)

// pooledBuilder pairs a record builder with its cell/entry array and
// string pool subblocks.
type pooledBuilder struct {
	typeCode uint32
	version  uint32
	builder  *record.Builder
	arr      *record.Block
	pool     *record.StringPoolBuilder
	nItems   int
}

func newPooledBuilder(typeCode, version uint32) *pooledBuilder {
	p := &pooledBuilder{typeCode: typeCode, version: version}
	p.reset()
	return p
}

func (p *pooledBuilder) reset() {
	p.builder = record.NewBuilder(p.typeCode, p.version)
	p.arr = p.builder.Subblock(8)
	p.pool = record.NewStringPool(p.builder)
	p.nItems = 0
}

func (p *pooledBuilder) dataSize() int {
	return p.arr.Size() + p.pool.DataSize() + 8
}

// Writer produces a fragment file. Cells must be emitted in canonical
// order; Close finalizes the block index and footer.
type Writer struct {
	path      string
	out       writeSink
	blockSize int
	offset    uint64
	err       error

	block *pooledBuilder
	index *pooledBuilder

	cellCount int
	tsMin     int64
	tsMax     int64
	curMask   uint32

	famBits map[string]uint32
	famList []string

	haveLast bool
	lastKey  cell.Key
}

type writeSink interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// NewWriter starts a fragment at out. blockSize bounds the approximate
// cell block payload size.
func NewWriter(out writeSink, path string, blockSize int) *Writer {
	return &Writer{
		path:      path,
		out:       out,
		blockSize: blockSize,
		block:     newPooledBuilder(TypeCellBlock, VersionCellBlock),
		index:     newPooledBuilder(TypeBlockIndex, VersionBlockIndex),
		famBits:   make(map[string]uint32),
	}
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// CellCount returns the number of cells emitted so far.
func (w *Writer) CellCount() int { return w.cellCount }

// DataSize approximates the final file size: bytes written plus the
// pending block and index.
func (w *Writer) DataSize() int {
	return int(w.offset) + w.block.dataSize() + w.index.dataSize()
}

// EmitCell appends a value cell.
func (w *Writer) EmitCell(row, column string, timestamp int64, value []byte) error {
	return w.emit(row, column, timestamp, value, false)
}

// EmitErasure appends an erasure cell.
func (w *Writer) EmitErasure(row, column string, timestamp int64) error {
	return w.emit(row, column, timestamp, nil, true)
}

func (w *Writer) emit(row, column string, timestamp int64, value []byte, erasure bool) error {
	if w.err != nil {
		return w.err
	}
	key := cell.Key{Row: row, Column: column, Timestamp: timestamp}
	if w.haveLast && cell.CompareKeys(w.lastKey, key) >= 0 {
		w.err = errors.Errorf(
			"tabletdb/fragment: cells not in canonical order: %v then %v", w.lastKey, key)
		return w.err
	}
	w.haveLast = true
	w.lastKey = key
	w.cellCount++

	// Append CellData to the block array.
	pool := w.block.pool
	w.block.arr.AppendOffset(pool.Block(), pool.Offset(row))
	w.block.arr.AppendOffset(pool.Block(), pool.Offset(column))
	w.block.arr.AppendI64(timestamp)
	if erasure {
		w.block.arr.AppendNullOffset()
	} else {
		w.block.arr.AppendOffset(pool.Block(), pool.Offset(string(value)))
	}
	w.block.arr.AppendU32(0)
	w.block.nItems++

	// Track the block's timestamp range.
	if w.block.nItems == 1 {
		w.tsMin, w.tsMax = timestamp, timestamp
	} else {
		if timestamp < w.tsMin {
			w.tsMin = timestamp
		}
		if timestamp > w.tsMax {
			w.tsMax = timestamp
		}
	}

	// Track the block's column family mask. Bits are assigned in
	// first-seen order and wrap past 32 families.
	fam := cell.Family(column)
	bit, ok := w.famBits[fam]
	if !ok {
		bit = FamilyMaskBit(len(w.famList))
		w.famBits[fam] = bit
		w.famList = append(w.famList, fam)
	}
	w.curMask |= bit

	if w.block.dataSize() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock finalizes the pending cell block, records its index
// entry, and writes it out.
func (w *Writer) flushBlock() error {
	base := w.block.builder.Base()
	base.AppendOffset(w.block.arr, 0)
	base.AppendU32(uint32(w.block.nItems))
	rec := w.block.builder.Finish()

	// Index entry for the block. The checksum covers the payload
	// only, not the header or trailing alignment padding.
	h := record.ParseHeader(rec)
	sum := adler32.Checksum(rec[record.HeaderLen : record.HeaderLen+int(h.Length)])

	ipool := w.index.pool
	w.index.arr.AppendU32(sum)
	w.index.arr.AppendOffset(ipool.Block(), ipool.Offset(w.lastKey.Row))
	w.index.arr.AppendU64(w.offset)
	w.index.arr.AppendI64(w.tsMin)
	w.index.arr.AppendI64(w.tsMax)
	w.index.arr.AppendU32(w.curMask)
	w.index.arr.AppendU32(0)
	w.index.nItems++
	w.curMask = 0

	if _, err := w.out.Write(rec); err != nil {
		w.err = errors.Annotatef(err, "write cell block")
		return w.err
	}
	w.offset += uint64(len(rec))
	w.block.reset()
	return nil
}

// Close flushes the pending block, writes the block index and footer,
// and syncs the file. The fragment is immutable afterwards.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.block.nItems > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	indexOffset := w.offset

	// Finish the index record: entries array, then the column family
	// offsets in mask-assignment order.
	fams := w.index.builder.Subblock(4)
	for _, fam := range w.famList {
		fams.AppendOffset(w.index.pool.Block(), w.index.pool.Offset(fam))
	}
	base := w.index.builder.Base()
	base.AppendOffset(w.index.arr, 0)
	base.AppendU32(uint32(w.index.nItems))
	if len(w.famList) > 0 {
		base.AppendOffset(fams, 0)
	} else {
		base.AppendNullOffset()
	}
	base.AppendU32(uint32(len(w.famList)))
	rec := w.index.builder.Finish()
	if _, err := w.out.Write(rec); err != nil {
		w.err = errors.Annotatef(err, "write block index")
		return w.err
	}
	w.offset += uint64(len(rec))

	// Footer.
	info := record.NewBuilder(TypeTableInfo, VersionTableInfo)
	info.Base().AppendU64(indexOffset)
	if _, err := w.out.Write(info.Finish()); err != nil {
		w.err = errors.Annotatef(err, "write footer")
		return w.err
	}

	if err := w.out.Sync(); err != nil {
		w.err = errors.Annotatef(err, "sync fragment")
		return w.err
	}
	if err := w.out.Close(); err != nil {
		w.err = errors.Annotatef(err, "close fragment")
		return w.err
	}
	w.err = errors.New("tabletdb/fragment: writer is closed")
	return nil
}
