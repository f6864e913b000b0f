// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package memtable

import (
	"testing"

	"tabletdb/engine/cell"
	"tabletdb/engine/scanpred"
	"tabletdb/util/assert"
)

func collect(t *testing.T, m *MemTable, expr string) []string {
	t.Helper()
	pred, err := scanpred.Parse(expr)
	assert.Nil(t, err)
	var got []string
	it := m.Scan(pred)
	for it.Next() {
		got = append(got, it.Cell().String())
	}
	return got
}

func TestSetEraseScanOrder(t *testing.T) {
	m := New()
	m.Set("row2", "col1", 42, []byte("val4"))
	m.Set("row1", "col2", 42, []byte("val2"))
	m.Set("row1", "col1", 42, []byte("val1"))
	m.Set("row1", "col2", 23, []byte("val3"))
	m.Erase("row1", "col3", 23)
	m.Set("row3", "col2", 23, []byte("val6"))
	m.Set("row2", "col3", 42, []byte("val5"))

	assert.Equal(t, collect(t, m, ""), []string{
		"(row1,col1,42,val1)",
		"(row1,col2,42,val2)",
		"(row1,col2,23,val3)",
		"(row1,col3,23,ERASED)",
		"(row2,col1,42,val4)",
		"(row2,col3,42,val5)",
		"(row3,col2,23,val6)",
	})
	assert.Equal(t, m.Len(), 7)
}

func TestReplaceOnEqualKey(t *testing.T) {
	m := New()
	m.Set("r", "c", 1, []byte("old"))
	m.Set("r", "c", 1, []byte("new"))
	assert.Equal(t, m.Len(), 1)
	assert.Equal(t, collect(t, m, ""), []string{"(r,c,1,new)"})

	// An erasure replaces a value at the same key outright.
	m.Erase("r", "c", 1)
	assert.Equal(t, collect(t, m, ""), []string{"(r,c,1,ERASED)"})
}

func TestScanFilters(t *testing.T) {
	m := New()
	m.Set("a", "f:x", 10, []byte("v1"))
	m.Set("b", "f:x", 20, []byte("v2"))
	m.Set("b", "g:y", 20, []byte("v3"))
	m.Set("c", "f:x", 30, []byte("v4"))

	assert.Equal(t, collect(t, m, "row = 'b'"),
		[]string{"(b,f:x,20,v2)", "(b,g:y,20,v3)"})
	assert.Equal(t, collect(t, m, "column ~= 'f:'"),
		[]string{"(a,f:x,10,v1)", "(b,f:x,20,v2)", "(c,f:x,30,v4)"})
	assert.Equal(t, collect(t, m, "time >= @20"),
		[]string{"(b,f:x,20,v2)", "(b,g:y,20,v3)", "(c,f:x,30,v4)"})
}

func TestHistorySuppression(t *testing.T) {
	m := New()
	for ts := int64(1); ts <= 5; ts++ {
		m.Set("r", "c", ts, []byte{byte('0' + ts)})
	}
	m.Set("r", "d", 1, []byte("x"))

	got := collect(t, m, "history = 2")
	assert.Equal(t, got, []string{"(r,c,5,5)", "(r,c,4,4)", "(r,d,1,x)"})
}

func TestCopyTo(t *testing.T) {
	m := New()
	m.Set("a", "c", 1, []byte("v"))
	m.Erase("b", "c", 2)

	var cells []cell.Cell
	sink := collector{cells: &cells}
	assert.Nil(t, m.CopyTo(sink))
	assert.Equal(t, len(cells), 2)
	assert.Equal(t, cells[0].String(), "(a,c,1,v)")
	assert.Equal(t, cells[1].String(), "(b,c,2,ERASED)")
}

type collector struct {
	cells *[]cell.Cell
}

func (c collector) EmitCell(row, col string, ts int64, value []byte) error {
	*c.cells = append(*c.cells, cell.Cell{Row: row, Column: col, Timestamp: ts,
		Value: append([]byte(nil), value...)})
	return nil
}

func (c collector) EmitErasure(row, col string, ts int64) error {
	*c.cells = append(*c.cells, cell.Cell{Row: row, Column: col, Timestamp: ts, Erasure: true})
	return nil
}
