// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fragment

import (
	"encoding/binary"
	"hash/adler32"
	"io"
	"sync/atomic"

	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/engine/fs"
	"tabletdb/engine/record"
	"tabletdb/engine/scanpred"
	"tabletdb/util/interval"
)

var nextFragmentID uint64

// Fragment is an open, immutable fragment file. The block index is
// loaded once at open; cell blocks are read on demand.
type Fragment struct {
	path    string
	file    fs.File
	id      uint64
	cache   *BlockCache
	size    int64
	entries []IndexEntry
	fams    []string
	famBits map[string]uint32
}

// Open reads the footer and block index of the fragment at path.
// cache may be nil.
func Open(path string, cache *BlockCache) (*Fragment, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open fragment %s", path)
	}
	frag := &Fragment{
		path:    path,
		file:    f,
		id:      atomic.AddUint64(&nextFragmentID, 1),
		cache:   cache,
		famBits: make(map[string]uint32),
	}
	if err := frag.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return frag, nil
}

func (f *Fragment) corrupted(pos int64, reason string) error {
	return &ErrCorrupted{Path: f.path, Pos: pos, Reason: reason}
}

func (f *Fragment) loadIndex() error {
	size, err := f.file.Size()
	if err != nil {
		return errors.Trace(err)
	}
	f.size = size
	if size < tableInfoLen {
		return f.corrupted(0, "file too small for footer")
	}

	// Footer: the last 24 bytes are the TableInfo record.
	var tail [tableInfoLen]byte
	if _, err := f.file.ReadAt(tail[:], size-tableInfoLen); err != nil && err != io.EOF {
		return errors.Trace(err)
	}
	hdr := record.ParseHeader(tail[:])
	if hdr.Type != TypeTableInfo || hdr.Version != VersionTableInfo || hdr.Length != 8 {
		return f.corrupted(size-tableInfoLen, "bad footer record")
	}
	indexOffset := int64(binary.LittleEndian.Uint64(tail[record.HeaderLen:]))
	if indexOffset < 0 || indexOffset > size-tableInfoLen {
		return f.corrupted(size-tableInfoLen, "footer index offset out of range")
	}

	// Block index record.
	var ihdr [record.HeaderLen]byte
	if _, err := f.file.ReadAt(ihdr[:], indexOffset); err != nil && err != io.EOF {
		return errors.Trace(err)
	}
	h := record.ParseHeader(ihdr[:])
	if h.Type != TypeBlockIndex {
		return f.corrupted(indexOffset, "bad block index record type")
	}
	if h.Version != VersionBlockIndex {
		return f.corrupted(indexOffset, "unsupported block index version")
	}
	if indexOffset+record.HeaderLen+int64(h.Length) > size {
		return f.corrupted(indexOffset, "block index overruns file")
	}
	payload := make([]byte, h.Length)
	if _, err := f.file.ReadAt(payload, indexOffset+record.HeaderLen); err != nil && err != io.EOF {
		return errors.Trace(err)
	}

	if len(payload) < 16 {
		return f.corrupted(indexOffset, "block index payload too short")
	}
	entriesOff := binary.LittleEndian.Uint32(payload[0:])
	entryCount := binary.LittleEndian.Uint32(payload[4:])
	famsOff := binary.LittleEndian.Uint32(payload[8:])
	famCount := binary.LittleEndian.Uint32(payload[12:])

	var prevRow string
	for i := uint32(0); i < entryCount; i++ {
		off := int(entriesOff) + int(i)*indexEntryLen
		if off+indexEntryLen > len(payload) {
			return f.corrupted(indexOffset, "index entry out of range")
		}
		var e IndexEntry
		e.Adler32 = binary.LittleEndian.Uint32(payload[off:])
		rowOff := binary.LittleEndian.Uint32(payload[off+4:])
		e.BlockOffset = binary.LittleEndian.Uint64(payload[off+8:])
		e.TsMin = int64(binary.LittleEndian.Uint64(payload[off+16:]))
		e.TsMax = int64(binary.LittleEndian.Uint64(payload[off+24:]))
		e.FamilyMask = binary.LittleEndian.Uint32(payload[off+32:])
		e.LastRow, err = readPooledString(payload, rowOff)
		if err != nil {
			return f.corrupted(indexOffset, err.Error())
		}
		if i > 0 && e.LastRow < prevRow {
			return f.corrupted(indexOffset, "index last rows not sorted")
		}
		prevRow = e.LastRow
		f.entries = append(f.entries, e)
	}

	for i := uint32(0); i < famCount; i++ {
		off := int(famsOff) + int(i)*4
		if off+4 > len(payload) {
			return f.corrupted(indexOffset, "family offset out of range")
		}
		strOff := binary.LittleEndian.Uint32(payload[off:])
		fam, err := readPooledString(payload, strOff)
		if err != nil {
			return f.corrupted(indexOffset, err.Error())
		}
		f.fams = append(f.fams, fam)
		f.famBits[fam] = FamilyMaskBit(int(i))
	}
	return nil
}

func readPooledString(payload []byte, off uint32) (string, error) {
	if int(off)+4 > len(payload) {
		return "", errors.Errorf("pooled string offset %d out of range", off)
	}
	n := binary.LittleEndian.Uint32(payload[off:])
	start := int(off) + 4
	if start+int(n) > len(payload) {
		return "", errors.Errorf("pooled string at %d overruns payload", off)
	}
	return string(payload[start : start+int(n)]), nil
}

// Path returns the fragment's file path.
func (f *Fragment) Path() string { return f.path }

// DataSize returns the file size in bytes.
func (f *Fragment) DataSize() int64 { return f.size }

// BlockCount returns the number of cell blocks.
func (f *Fragment) BlockCount() int { return len(f.entries) }

// Close releases the underlying file.
func (f *Fragment) Close() error { return f.file.Close() }

// predMask maps the predicate's column families to this fragment's
// mask bits. ok is false when the mask filter cannot be applied.
func (f *Fragment) predMask(pred *scanpred.Predicate) (uint32, bool) {
	if len(f.fams) == 0 {
		return 0, false
	}
	finite, fams := pred.GetColumnFamilies()
	if !finite {
		return 0, false
	}
	var mask uint32
	for _, fam := range fams {
		mask |= f.famBits[fam]
	}
	return mask, true
}

// NextBlock returns the ordinal of the first block at or after
// minBlock that can contain cells matching pred, or SentinelBlock.
func (f *Fragment) NextBlock(pred *scanpred.Predicate, minBlock int) int {
	mask, useMask := f.predMask(pred)
	for i := minBlock; i < len(f.entries); i++ {
		e := f.entries[i]

		lower := interval.MinPoint()
		if i > 0 {
			lower = interval.LowerExclusive(f.entries[i-1].LastRow)
		}
		rows := interval.Make(lower, interval.UpperInclusive(e.LastRow))
		if !pred.OverlapsRows(rows) {
			continue
		}
		if !pred.OverlapsTimes(e.TsMin, e.TsMax) {
			continue
		}
		// A zero stored mask means the writer did not emit masks;
		// scans degrade to reading the block.
		if useMask && e.FamilyMask != 0 && e.FamilyMask&mask == 0 {
			continue
		}
		return i
	}
	return SentinelBlock
}

// Block is one loaded, checksum-verified cell block.
type Block struct {
	frag     *Fragment
	payload  []byte
	cellsOff uint32
	count    uint32
}

// LoadBlock reads block ordinal i, verifying its checksum against the
// index entry.
func (f *Fragment) LoadBlock(i int) (*Block, error) {
	if i < 0 || i >= len(f.entries) {
		return nil, errors.Errorf("tabletdb/fragment: block %d out of range", i)
	}
	e := f.entries[i]
	payload, err := f.readBlockPayload(e)
	if err != nil {
		return nil, err
	}
	if len(payload) < 8 {
		return nil, f.corrupted(int64(e.BlockOffset), "cell block payload too short")
	}
	return &Block{
		frag:     f,
		payload:  payload,
		cellsOff: binary.LittleEndian.Uint32(payload[0:]),
		count:    binary.LittleEndian.Uint32(payload[4:]),
	}, nil
}

func (f *Fragment) readBlockPayload(e IndexEntry) ([]byte, error) {
	if f.cache != nil {
		return f.cache.get(f.id, e.BlockOffset, func() ([]byte, error) {
			return f.readBlockPayloadDirect(e)
		})
	}
	return f.readBlockPayloadDirect(e)
}

func (f *Fragment) readBlockPayloadDirect(e IndexEntry) ([]byte, error) {
	pos := int64(e.BlockOffset)
	var hdr [record.HeaderLen]byte
	if _, err := f.file.ReadAt(hdr[:], pos); err != nil && err != io.EOF {
		return nil, errors.Trace(err)
	}
	h := record.ParseHeader(hdr[:])
	if h.Type != TypeCellBlock || h.Version != VersionCellBlock {
		return nil, f.corrupted(pos, "bad cell block record")
	}
	if pos+record.HeaderLen+int64(h.Length) > f.size {
		return nil, f.corrupted(pos, "cell block overruns file")
	}
	payload := make([]byte, h.Length)
	if _, err := f.file.ReadAt(payload, pos+record.HeaderLen); err != nil && err != io.EOF {
		return nil, errors.Trace(err)
	}
	if sum := adler32.Checksum(payload); sum != e.Adler32 {
		return nil, f.corrupted(pos, "block checksum mismatch")
	}
	return payload, nil
}

func (b *Block) cellAt(i int) (cell.Cell, error) {
	off := int(b.cellsOff) + i*cellDataLen
	if off+cellDataLen > len(b.payload) {
		return cell.Cell{}, b.frag.corrupted(0, "cell data out of range")
	}
	rowOff := binary.LittleEndian.Uint32(b.payload[off:])
	colOff := binary.LittleEndian.Uint32(b.payload[off+4:])
	ts := int64(binary.LittleEndian.Uint64(b.payload[off+8:]))
	valOff := binary.LittleEndian.Uint32(b.payload[off+16:])

	var c cell.Cell
	var err error
	if c.Row, err = readPooledString(b.payload, rowOff); err != nil {
		return cell.Cell{}, err
	}
	if c.Column, err = readPooledString(b.payload, colOff); err != nil {
		return cell.Cell{}, err
	}
	c.Timestamp = ts
	if valOff == 0 {
		c.Erasure = true
	} else {
		var v string
		if v, err = readPooledString(b.payload, valOff); err != nil {
			return cell.Cell{}, err
		}
		c.Value = []byte(v)
	}
	return c, nil
}

// MakeReader returns a reader over the block's cells matching pred.
func (b *Block) MakeReader(pred *scanpred.Predicate) *BlockReader {
	return &BlockReader{b: b, pred: pred}
}

// BlockReader pulls cells from one block in canonical order.
type BlockReader struct {
	b    *Block
	pred *scanpred.Predicate
	i    int
	cur  *cell.Cell
	err  error
}

// fetch decodes forward to the next cell matching the predicate.
func (r *BlockReader) fetch() {
	for r.cur == nil && r.err == nil && r.i < int(r.b.count) {
		c, err := r.b.cellAt(r.i)
		r.i++
		if err != nil {
			r.err = err
			return
		}
		if r.pred.Matches(&c) {
			r.cur = &c
		}
	}
}

// Advance reports whether another cell is available and, if so,
// stores its key in key without consuming it.
func (r *BlockReader) Advance(key *cell.Key) bool {
	r.fetch()
	if r.cur == nil {
		return false
	}
	*key = r.cur.Key()
	return true
}

// CopyUntil emits cells into out until the next key would be >= stop
// (nil stop drains the block). It returns the number of cells emitted.
func (r *BlockReader) CopyUntil(stop *cell.Key, out cell.Output) (int, error) {
	n := 0
	for {
		r.fetch()
		if r.cur == nil {
			return n, r.err
		}
		if stop != nil && cell.CompareKeys(r.cur.Key(), *stop) >= 0 {
			return n, nil
		}
		if err := r.cur.Emit(out); err != nil {
			return n, err
		}
		r.cur = nil
		n++
	}
}

// Error returns any decode error encountered.
func (r *BlockReader) Error() error { return r.err }

// Iterator streams a fragment's cells matching pred across blocks.
type Iterator struct {
	frag  *Fragment
	pred  *scanpred.Predicate
	block int
	r     *BlockReader
	cur   *cell.Cell
	err   error
}

// Scan returns an iterator over the fragment.
func (f *Fragment) Scan(pred *scanpred.Predicate) *Iterator {
	return &Iterator{frag: f, pred: pred}
}

// Next advances to the next matching cell.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.r == nil {
			b := it.frag.NextBlock(it.pred, it.block)
			if b == SentinelBlock {
				return false
			}
			it.block = b
			blk, err := it.frag.LoadBlock(b)
			if err != nil {
				it.err = err
				return false
			}
			it.r = blk.MakeReader(it.pred)
		}
		it.r.fetch()
		if it.r.err != nil {
			it.err = it.r.err
			return false
		}
		if it.r.cur != nil {
			it.cur = it.r.cur
			it.r.cur = nil
			return true
		}
		it.r = nil
		it.block++
	}
}

// Cell returns the current cell.
func (it *Iterator) Cell() *cell.Cell { return it.cur }

// Error returns any error encountered during iteration.
func (it *Iterator) Error() error { return it.err }
