// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fragment

import (
	"fmt"
	"strings"
	"testing"

	"tabletdb/engine/cell"
	"tabletdb/engine/fs"
	"tabletdb/engine/scanpred"
	"tabletdb/util/assert"
)

// testCellOutput renders emitted cells the way the fragment tests
// expect to compare them.
type testCellOutput struct {
	sb    strings.Builder
	count int
}

func (o *testCellOutput) EmitCell(row, column string, ts int64, value []byte) error {
	fmt.Fprintf(&o.sb, "(%s,%s,%d,%s)", row, column, ts, value)
	o.count++
	return nil
}

func (o *testCellOutput) EmitErasure(row, column string, ts int64) error {
	fmt.Fprintf(&o.sb, "(%s,%s,%d,ERASED)", row, column, ts)
	o.count++
	return nil
}

// dumpCells walks every block with the block-level reader API.
func dumpCells(t *testing.T, frag *Fragment, out cell.Output) {
	t.Helper()
	pred := scanpred.All()
	for addr := frag.NextBlock(pred, 0); addr != SentinelBlock; addr = frag.NextBlock(pred, addr+1) {
		blk, err := frag.LoadBlock(addr)
		assert.Nil(t, err)
		r := blk.MakeReader(pred)

		var next cell.Key
		assert.True(t, r.Advance(&next))
		_, err = r.CopyUntil(nil, out)
		assert.Nil(t, err)
		assert.True(t, !r.Advance(&next))
	}
}

func countCells(t *testing.T, name string) int {
	t.Helper()
	frag, err := Open(name, nil)
	assert.Nil(t, err)
	defer frag.Close()
	var out testCellOutput
	dumpCells(t, frag, &out)
	return out.count
}

func checkFragment(t *testing.T, name, expected string) {
	t.Helper()
	frag, err := Open(name, nil)
	assert.Nil(t, err)
	defer frag.Close()
	var out testCellOutput
	dumpCells(t, frag, &out)
	assert.Equal(t, out.sb.String(), expected)
}

func writeSimple(t *testing.T, name string) {
	t.Helper()
	out := NewOutput(128)
	assert.Nil(t, out.Open(name))
	assert.Nil(t, out.EmitCell("row1", "col1", 42, []byte("val1")))
	assert.Nil(t, out.EmitCell("row1", "col2", 42, []byte("val2")))
	assert.Nil(t, out.EmitCell("row1", "col2", 23, []byte("val3")))
	assert.Nil(t, out.EmitErasure("row1", "col3", 23))
	assert.Nil(t, out.EmitCell("row2", "col1", 42, []byte("val4")))
	assert.Nil(t, out.EmitCell("row2", "col3", 42, []byte("val5")))
	assert.Nil(t, out.EmitCell("row3", "col2", 23, []byte("val6")))
	_, err := out.Close()
	assert.Nil(t, err)
}

func TestOutput(t *testing.T) {
	fs.MemReset()
	out := NewOutput(128)
	assert.Nil(t, out.Open("memfs:output"))
	assert.Equal(t, out.CellCount(), 0)
	startSize := out.DataSize()

	assert.Nil(t, out.EmitCell("row", "col", 0, []byte("val")))
	assert.Equal(t, out.CellCount(), 1)
	assert.True(t, out.DataSize() > startSize)

	// Canonical order is row ascending; "erase" < "row" must fail.
	assert.NotNil(t, out.EmitErasure("erase", "col", 0))
}

func TestEmptyFragment(t *testing.T) {
	fs.MemReset()
	out := NewOutput(128)
	assert.Nil(t, out.Open("memfs:empty"))
	_, err := out.Close()
	assert.Nil(t, err)

	assert.Equal(t, countCells(t, "memfs:empty"), 0)

	frag, err := Open("memfs:empty", nil)
	assert.Nil(t, err)
	defer frag.Close()
	assert.Equal(t, frag.NextBlock(scanpred.All(), 0), SentinelBlock)
}

func TestSimpleFragment(t *testing.T) {
	fs.MemReset()
	writeSimple(t, "memfs:simple")

	assert.Equal(t, countCells(t, "memfs:simple"), 7)
	checkFragment(t, "memfs:simple",
		"(row1,col1,42,val1)"+
			"(row1,col2,42,val2)"+
			"(row1,col2,23,val3)"+
			"(row1,col3,23,ERASED)"+
			"(row2,col1,42,val4)"+
			"(row2,col3,42,val5)"+
			"(row3,col2,23,val6)")
}

func TestRewriteIndependence(t *testing.T) {
	fs.MemReset()
	out := NewOutput(128)

	assert.Nil(t, out.Open("memfs:one"))
	assert.Nil(t, out.EmitCell("row1", "col1", 42, []byte("one1")))
	assert.Nil(t, out.EmitCell("row1", "col2", 42, []byte("one2")))
	_, err := out.Close()
	assert.Nil(t, err)

	assert.Nil(t, out.Open("memfs:two"))
	assert.Nil(t, out.EmitCell("row1", "col1", 42, []byte("two1")))
	assert.Nil(t, out.EmitCell("row1", "col3", 42, []byte("two2")))
	_, err = out.Close()
	assert.Nil(t, err)

	checkFragment(t, "memfs:one",
		"(row1,col1,42,one1)(row1,col2,42,one2)")
	checkFragment(t, "memfs:two",
		"(row1,col1,42,two1)(row1,col3,42,two2)")
}

func TestPredicateScan(t *testing.T) {
	fs.MemReset()
	writeSimple(t, "memfs:pred")
	frag, err := Open("memfs:pred", nil)
	assert.Nil(t, err)
	defer frag.Close()

	pred, err := scanpred.Parse("row = 'row2'")
	assert.Nil(t, err)
	var got []string
	it := frag.Scan(pred)
	for it.Next() {
		got = append(got, it.Cell().String())
	}
	assert.Nil(t, it.Error())
	assert.Equal(t, got, []string{
		"(row2,col1,42,val4)",
		"(row2,col3,42,val5)",
	})

	// Time disjointness skips every block.
	pred, err = scanpred.Parse("time > @100")
	assert.Nil(t, err)
	assert.Equal(t, frag.NextBlock(pred, 0), SentinelBlock)
}

func TestBlockSkipByRow(t *testing.T) {
	fs.MemReset()
	// Small blocks force multiple index entries.
	out := NewOutput(64)
	assert.Nil(t, out.Open("memfs:skip"))
	for i := 0; i < 26; i++ {
		row := fmt.Sprintf("row-%c", 'a'+i)
		assert.Nil(t, out.EmitCell(row, "f:q", 1, []byte("v")))
	}
	_, err := out.Close()
	assert.Nil(t, err)

	frag, err := Open("memfs:skip", nil)
	assert.Nil(t, err)
	defer frag.Close()
	if frag.BlockCount() < 2 {
		t.Fatalf("expected multiple blocks, got %d", frag.BlockCount())
	}

	pred, perr := scanpred.Parse("row = 'row-z'")
	assert.Nil(t, perr)
	first := frag.NextBlock(pred, 0)
	if first == SentinelBlock {
		t.Fatal("expected a matching block")
	}
	// The matching block must be the last one; everything before is
	// skipped by the index row ranges.
	assert.Equal(t, first, frag.BlockCount()-1)

	var out2 testCellOutput
	blk, err := frag.LoadBlock(first)
	assert.Nil(t, err)
	r := blk.MakeReader(pred)
	_, err = r.CopyUntil(nil, &out2)
	assert.Nil(t, err)
	assert.Equal(t, out2.sb.String(), "(row-z,f:q,1,v)")
}

func TestFamilyMaskSkip(t *testing.T) {
	fs.MemReset()
	out := NewOutput(32)
	assert.Nil(t, out.Open("memfs:mask"))
	assert.Nil(t, out.EmitCell("a", "alpha:x", 1, []byte("v1")))
	assert.Nil(t, out.EmitCell("b", "alpha:x", 1, []byte("v2")))
	assert.Nil(t, out.EmitCell("c", "beta:x", 1, []byte("v3")))
	assert.Nil(t, out.EmitCell("d", "beta:x", 1, []byte("v4")))
	_, err := out.Close()
	assert.Nil(t, err)

	frag, err := Open("memfs:mask", nil)
	assert.Nil(t, err)
	defer frag.Close()

	pred, perr := scanpred.Parse("column ~= 'beta:'")
	assert.Nil(t, perr)
	var got []string
	it := frag.Scan(pred)
	for it.Next() {
		got = append(got, it.Cell().String())
	}
	assert.Nil(t, it.Error())
	assert.Equal(t, got, []string{"(c,beta:x,1,v3)", "(d,beta:x,1,v4)"})

	// A family the fragment has never seen matches no block.
	pred, perr = scanpred.Parse("column ~= 'gamma:'")
	assert.Nil(t, perr)
	assert.Equal(t, frag.NextBlock(pred, 0), SentinelBlock)
}

func TestChecksumMismatch(t *testing.T) {
	fs.MemReset()
	writeSimple(t, "memfs:corrupt")

	// Flip one byte inside the first cell block.
	f, err := fs.Open("memfs:corrupt")
	assert.Nil(t, err)
	size, err := f.Size()
	assert.Nil(t, err)
	data := make([]byte, size)
	_, err = f.ReadAt(data, 0)
	assert.Nil(t, err)
	f.Close()
	data[24] ^= 0xff
	w, err := fs.Create("memfs:corrupt")
	assert.Nil(t, err)
	_, err = w.Write(data)
	assert.Nil(t, err)
	assert.Nil(t, w.Close())

	frag, err := Open("memfs:corrupt", nil)
	assert.Nil(t, err)
	defer frag.Close()
	_, err = frag.LoadBlock(0)
	if !IsCorrupted(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestEmitOrderEnforced(t *testing.T) {
	fs.MemReset()
	out := NewOutput(128)
	assert.Nil(t, out.Open("memfs:order"))
	assert.Nil(t, out.EmitCell("a", "c", 10, []byte("x")))
	// Same (row, col) with an older timestamp is fine (ts descends).
	assert.Nil(t, out.EmitCell("a", "c", 5, []byte("y")))
	// Going back up in timestamp violates canonical order.
	assert.NotNil(t, out.EmitCell("a", "c", 7, []byte("z")))
}

func TestBlockCache(t *testing.T) {
	fs.MemReset()
	writeSimple(t, "memfs:cached")
	cache := NewBlockCache(1 << 20)
	frag, err := Open("memfs:cached", cache)
	assert.Nil(t, err)
	defer frag.Close()

	var a, b testCellOutput
	dumpCells(t, frag, &a)
	dumpCells(t, frag, &b)
	assert.Equal(t, b.sb.String(), a.sb.String())
	assert.Equal(t, a.count, 7)
}
