// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"sort"
	"sync"

	"tabletdb/engine/cell"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/interval"
)

// Table groups the tablets of one table hosted by this server.
type Table struct {
	mu      sync.RWMutex
	name    string
	schema  *tablet.Schema
	tablets []*tablet.Tablet // sorted by row range upper bound
}

// NewTable returns an empty table with its schema.
func NewTable(name string, schema *tablet.Schema) *Table {
	return &Table{name: name, schema: schema}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Schema returns the table schema.
func (t *Table) Schema() *tablet.Schema { return t.schema }

// AddTablet inserts tb, keeping tablets sorted by upper bound.
func (t *Table) AddTablet(tb *tablet.Tablet) {
	t.mu.Lock()
	t.tablets = append(t.tablets, tb)
	sort.Slice(t.tablets, func(i, j int) bool {
		return interval.Compare(t.tablets[i].Rows().Upper, t.tablets[j].Rows().Upper) < 0
	})
	t.mu.Unlock()
}

// RemoveTablet drops tb from the table. It reports whether the table
// is now empty.
func (t *Table) RemoveTablet(tb *tablet.Tablet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.tablets {
		if x == tb {
			t.tablets = append(t.tablets[:i], t.tablets[i+1:]...)
			break
		}
	}
	return len(t.tablets) == 0
}

// Tablets returns a snapshot of the hosted tablets in row order.
func (t *Table) Tablets() []*tablet.Tablet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*tablet.Tablet(nil), t.tablets...)
}

// FindTablet returns the tablet hosting row, or nil.
func (t *Table) FindTablet(row string) *tablet.Tablet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tb := range t.tablets {
		if tb.Rows().Contains(row) {
			return tb
		}
	}
	return nil
}

// FindTabletByName returns the tablet with the given name, or nil.
func (t *Table) FindTabletByName(name tablet.Name) *tablet.Tablet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tb := range t.tablets {
		if tb.Name() == name {
			return tb
		}
	}
	return nil
}

// Scan streams matching cells across the table's tablets in row
// order.
func (t *Table) Scan(pred *scanpred.Predicate) iterator.Iterator {
	tablets := t.Tablets()
	return &concatIterator{
		next: func(i int) iterator.Iterator {
			if i >= len(tablets) {
				return nil
			}
			return tablets[i].Scan(pred)
		},
	}
}

// concatIterator walks a sequence of disjoint, ordered iterators.
type concatIterator struct {
	next func(i int) iterator.Iterator
	i    int
	cur  iterator.Iterator
	err  error
}

func (c *concatIterator) Next() bool {
	for {
		if c.cur == nil {
			c.cur = c.next(c.i)
			if c.cur == nil {
				return false
			}
		}
		if c.cur.Next() {
			return true
		}
		if err := c.cur.Error(); err != nil {
			c.err = err
			return false
		}
		c.cur = nil
		c.i++
	}
}

func (c *concatIterator) Cell() *cell.Cell { return c.cur.Cell() }
func (c *concatIterator) Error() error     { return c.err }
