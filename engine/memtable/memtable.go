// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package memtable holds a tablet's in-RAM write buffer: an ordered
// multimap of cells in canonical order, used as the apply target and
// as serializer input.
package memtable

import (
	"sync"

	"github.com/google/btree"

	"tabletdb/engine/cell"
	"tabletdb/engine/scanpred"
)

type item struct {
	c cell.Cell
}

func (a *item) Less(b btree.Item) bool {
	return cell.Compare(&a.c, &b.(*item).c) < 0
}

// MemTable is an ordered cell buffer. Writes are serialized by the
// caller (the tablet server mutex); reads take a copy-on-write clone
// and never block writers.
type MemTable struct {
	mu    sync.Mutex
	tree  *btree.BTree
	bytes int
}

// New returns an empty MemTable.
func New() *MemTable {
	return &MemTable{tree: btree.New(16)}
}

// Set inserts a value cell. An existing cell at the same key is
// replaced; the layer above orders conflicting writes by commit txn.
func (m *MemTable) Set(row, column string, timestamp int64, value []byte) {
	m.insert(cell.Cell{Row: row, Column: column, Timestamp: timestamp,
		Value: append([]byte(nil), value...)})
}

// Erase inserts an erasure cell.
func (m *MemTable) Erase(row, column string, timestamp int64) {
	m.insert(cell.Cell{Row: row, Column: column, Timestamp: timestamp, Erasure: true})
}

// Insert applies c, replacing any cell with an equal key.
func (m *MemTable) Insert(c cell.Cell) {
	m.insert(c)
}

func (m *MemTable) insert(c cell.Cell) {
	m.mu.Lock()
	prev := m.tree.ReplaceOrInsert(&item{c: c})
	m.bytes += len(c.Row) + len(c.Column) + len(c.Value) + 16
	if prev != nil {
		p := &prev.(*item).c
		m.bytes -= len(p.Row) + len(p.Column) + len(p.Value) + 16
	}
	m.mu.Unlock()
}

// Len returns the number of cells held.
func (m *MemTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}

// Size returns the approximate heap bytes held.
func (m *MemTable) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Reset empties the table.
func (m *MemTable) Reset() {
	m.mu.Lock()
	m.tree.Clear(false)
	m.bytes = 0
	m.mu.Unlock()
}

// snapshot returns a read-only clone of the tree.
func (m *MemTable) snapshot() *btree.BTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone()
}

// Iterator walks cells in canonical order.
type Iterator struct {
	cells []cell.Cell
	pos   int
}

// Next advances the iterator; it must be called before the first Cell.
func (it *Iterator) Next() bool {
	if it.pos >= len(it.cells) {
		return false
	}
	it.pos++
	return it.pos <= len(it.cells)
}

// Cell returns the current cell.
func (it *Iterator) Cell() *cell.Cell { return &it.cells[it.pos-1] }

// Scan returns an iterator over cells matching pred, with history=N
// suppression applied per (row, column).
func (m *MemTable) Scan(pred *scanpred.Predicate) *Iterator {
	tree := m.snapshot()
	it := &Iterator{}

	history := pred.History()
	var lastRow, lastCol string
	versions := 0
	tree.Ascend(func(i btree.Item) bool {
		c := &i.(*item).c
		if !pred.Matches(c) {
			return true
		}
		if history > 0 {
			if c.Row != lastRow || c.Column != lastCol {
				lastRow, lastCol = c.Row, c.Column
				versions = 0
			}
			versions++
			if versions > history {
				return true
			}
		}
		it.cells = append(it.cells, *c)
		return true
	})
	return it
}

// CopyTo streams every cell into out in canonical order.
func (m *MemTable) CopyTo(out cell.Output) error {
	tree := m.snapshot()
	var err error
	tree.Ascend(func(i btree.Item) bool {
		err = i.(*item).c.Emit(out)
		return err == nil
	})
	return err
}
