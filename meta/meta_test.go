// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package meta

import (
	"sort"
	"testing"

	"tabletdb/engine/cell"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/assert"
	"tabletdb/util/interval"
)

// fakeHandle is an in-memory table handle.
type fakeHandle struct {
	name   string
	cells  map[string]map[string][]byte // row -> column -> value
	syncs  int
	writes int
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{name: name, cells: make(map[string]map[string][]byte)}
}

func (f *fakeHandle) Set(row, column string, ts int64, value []byte) error {
	if f.cells[row] == nil {
		f.cells[row] = make(map[string][]byte)
	}
	f.cells[row][column] = append([]byte(nil), value...)
	f.writes++
	return nil
}

func (f *fakeHandle) Erase(row, column string, ts int64) error {
	delete(f.cells[row], column)
	f.writes++
	return nil
}

func (f *fakeHandle) Scan(pred *scanpred.Predicate) (iterator.Iterator, error) {
	var rows []string
	for row := range f.cells {
		rows = append(rows, row)
	}
	sort.Strings(rows)
	var out []cell.Cell
	for _, row := range rows {
		var cols []string
		for col := range f.cells[row] {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			c := cell.Cell{Row: row, Column: col, Value: f.cells[row][col]}
			if pred.Matches(&c) {
				out = append(out, c)
			}
		}
	}
	return iterator.NewSlice(out), nil
}

func (f *fakeHandle) Sync() error {
	f.syncs++
	return nil
}

// seedMeta records a tablet of table t in the meta handle.
func seedMeta(t *testing.T, meta *fakeHandle, table string,
	lower, upper interval.Point, location string) {
	t.Helper()
	cfg := tablet.Config{Rows: interval.Make(lower, upper)}
	value, err := tablet.EncodeConfig(cfg, "/data")
	assert.Nil(t, err)
	row := tablet.NewName(table, upper).Encode()
	assert.Nil(t, meta.Set(row, "config", 0, value))
	assert.Nil(t, meta.Set(row, "location", 0, []byte(location)))
	meta.writes = 0
}

func TestCacheLookup(t *testing.T) {
	metaHandle := newFakeHandle("meta")
	seedMeta(t, metaHandle, "t", interval.MinPoint(), interval.UpperInclusive("m"), "srv1")
	seedMeta(t, metaHandle, "t", interval.LowerExclusive("m"), interval.MaxPoint(), "srv2")

	c := NewCache(metaHandle)
	ent, err := c.Lookup("t", "apple")
	assert.Nil(t, err)
	assert.Equal(t, ent.Location, "srv1")
	assert.True(t, ent.Rows.Contains("apple"))

	ent, err = c.Lookup("t", "zebra")
	assert.Nil(t, err)
	assert.Equal(t, ent.Location, "srv2")

	// A second lookup in the same range hits the cache: wipe the
	// meta handle and look up again.
	metaHandle.cells = map[string]map[string][]byte{}
	ent, err = c.Lookup("t", "banana")
	assert.Nil(t, err)
	assert.Equal(t, ent.Location, "srv1")

	// Invalidation forces a fresh lookup, which now fails.
	c.Invalidate("t", "banana")
	if _, err := c.Lookup("t", "banana"); err == nil {
		t.Fatal("expected lookup to miss after invalidation")
	}
}

func TestCacheUnknownTable(t *testing.T) {
	metaHandle := newFakeHandle("meta")
	seedMeta(t, metaHandle, "t", interval.MinPoint(), interval.MaxPoint(), "srv1")
	c := NewCache(metaHandle)
	if _, err := c.Lookup("other", "row"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func newRouted(t *testing.T) (*Table, map[string]*fakeHandle) {
	t.Helper()
	metaHandle := newFakeHandle("meta")
	seedMeta(t, metaHandle, "t", interval.MinPoint(), interval.UpperInclusive("m"), "srv1")
	seedMeta(t, metaHandle, "t", interval.LowerExclusive("m"), interval.MaxPoint(), "srv2")

	handles := map[string]*fakeHandle{
		"srv1": newFakeHandle("srv1"),
		"srv2": newFakeHandle("srv2"),
	}
	opener := func(location string) (TableHandle, error) {
		return handles[location], nil
	}
	return NewTable(NewCache(metaHandle), opener, "t"), handles
}

func TestRoutedWrites(t *testing.T) {
	rt, handles := newRouted(t)

	assert.Nil(t, rt.Set("apple", "f:q", 1, []byte("v1")))
	assert.Nil(t, rt.Set("zebra", "f:q", 1, []byte("v2")))
	assert.Nil(t, rt.Erase("banana", "f:q", 1))

	assert.Equal(t, handles["srv1"].writes, 2)
	assert.Equal(t, handles["srv2"].writes, 1)

	// Sync flushes only touched handles.
	assert.Nil(t, rt.Sync())
	assert.Equal(t, handles["srv1"].syncs, 1)
	assert.Equal(t, handles["srv2"].syncs, 1)

	// Nothing touched since: sync is a no-op.
	assert.Nil(t, rt.Sync())
	assert.Equal(t, handles["srv1"].syncs, 1)
	assert.Equal(t, handles["srv2"].syncs, 1)
}

func TestRoutedScan(t *testing.T) {
	rt, handles := newRouted(t)
	assert.Nil(t, handles["srv1"].Set("apple", "f:q", 0, []byte("v1")))
	assert.Nil(t, handles["srv2"].Set("zebra", "f:q", 0, []byte("v2")))

	it, err := rt.Scan(scanpred.All())
	assert.Nil(t, err)
	var got []string
	for it.Next() {
		got = append(got, it.Cell().String())
	}
	assert.Nil(t, it.Error())
	assert.Equal(t, got, []string{"(apple,f:q,0,v1)", "(zebra,f:q,0,v2)"})
}

func TestRoutedScanClipped(t *testing.T) {
	rt, handles := newRouted(t)
	assert.Nil(t, handles["srv1"].Set("apple", "f:q", 0, []byte("v1")))
	assert.Nil(t, handles["srv2"].Set("zebra", "f:q", 0, []byte("v2")))

	pred, err := scanpred.Parse("row < 'm'")
	assert.Nil(t, err)
	it, err := rt.Scan(pred)
	assert.Nil(t, err)
	var got []string
	for it.Next() {
		got = append(got, it.Cell().String())
	}
	assert.Nil(t, it.Error())
	assert.Equal(t, got, []string{"(apple,f:q,0,v1)"})
}
