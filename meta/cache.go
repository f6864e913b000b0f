// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package meta routes reads and writes to the tablets hosting them,
// through row-range lookups against the meta table.
package meta

import (
	"sync"

	"github.com/google/btree"
	"github.com/juju/errors"

	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/interval"
)

// TableHandle is an open handle to a table, local or remote. The
// transport behind remote handles is out of scope here.
type TableHandle interface {
	Set(row, column string, timestamp int64, value []byte) error
	Erase(row, column string, timestamp int64) error
	Scan(pred *scanpred.Predicate) (iterator.Iterator, error)
	Sync() error
}

// Opener opens a handle to a tablet server location.
type Opener func(location string) (TableHandle, error)

// Entry maps a tablet's row range to its location.
type Entry struct {
	Table    string
	Rows     interval.Interval
	Location string
}

type cacheItem struct {
	ent Entry
}

// Items sort by (table, row range upper bound).
func (a *cacheItem) Less(b btree.Item) bool {
	o := b.(*cacheItem)
	if a.ent.Table != o.ent.Table {
		return a.ent.Table < o.ent.Table
	}
	return interval.Compare(a.ent.Rows.Upper, o.ent.Rows.Upper) < 0
}

// Cache is a sparse map from rows to tablet locations, filled by meta
// table lookups and invalidated when a tablet moves.
type Cache struct {
	mu      sync.Mutex
	meta    TableHandle
	entries *btree.BTree
}

// NewCache returns a cache backed by a handle to the meta table.
func NewCache(meta TableHandle) *Cache {
	return &Cache{meta: meta, entries: btree.New(8)}
}

// Lookup finds the tablet hosting (table, row), consulting the meta
// table on a miss.
func (c *Cache) Lookup(table, row string) (Entry, error) {
	c.mu.Lock()
	var hit *Entry
	c.entries.AscendGreaterOrEqual(
		&cacheItem{ent: Entry{Table: table, Rows: interval.Make(
			interval.MinPoint(), interval.UpperInclusive(row))}},
		func(i btree.Item) bool {
			ent := i.(*cacheItem).ent
			if ent.Table == table && ent.Rows.Contains(row) {
				hit = &ent
			}
			return false
		})
	c.mu.Unlock()
	if hit != nil {
		return *hit, nil
	}

	ent, err := c.lookupMeta(table, row)
	if err != nil {
		return Entry{}, err
	}
	c.mu.Lock()
	c.entries.ReplaceOrInsert(&cacheItem{ent: ent})
	c.mu.Unlock()
	return ent, nil
}

// Invalidate drops the cached entry covering (table, row), if any.
func (c *Cache) Invalidate(table, row string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var victim *cacheItem
	c.entries.AscendGreaterOrEqual(
		&cacheItem{ent: Entry{Table: table, Rows: interval.Make(
			interval.MinPoint(), interval.UpperInclusive(row))}},
		func(i btree.Item) bool {
			it := i.(*cacheItem)
			if it.ent.Table == table && it.ent.Rows.Contains(row) {
				victim = it
			}
			return false
		})
	if victim != nil {
		c.entries.Delete(victim)
	}
}

// lookupMeta scans the meta table for the first tablet at or after
// (table, row).
func (c *Cache) lookupMeta(table, row string) (Entry, error) {
	start := tablet.NewName(table, interval.UpperInclusive(row)).Encode()
	expr := "row >= " + scanpred.QuoteString(start) +
		" and column = \"config\" or column = \"location\""
	pred, err := scanpred.Parse(expr)
	if err != nil {
		return Entry{}, errors.Trace(err)
	}
	scan, err := c.meta.Scan(pred)
	if err != nil {
		return Entry{}, errors.Trace(err)
	}

	var (
		metaRow  string
		config   []byte
		location string
	)
	for scan.Next() {
		x := scan.Cell()
		if metaRow == "" {
			metaRow = x.Row
		} else if x.Row != metaRow {
			break
		}
		switch x.Column {
		case "config":
			config = append([]byte(nil), x.Value...)
		case "location":
			location = string(x.Value)
		}
	}
	if err := scan.Error(); err != nil {
		return Entry{}, errors.Trace(err)
	}
	if metaRow == "" || config == nil {
		return Entry{}, errors.Errorf("meta: no tablet covers %s row %q", table, row)
	}
	name, err := tablet.DecodeName(metaRow)
	if err != nil {
		return Entry{}, errors.Trace(err)
	}
	if name.Table != table {
		return Entry{}, errors.Errorf("meta: no tablet covers %s row %q", table, row)
	}
	cfg, err := tablet.DecodeConfig(config, "/", name.LastRow)
	if err != nil {
		return Entry{}, errors.Trace(err)
	}
	if !cfg.Rows.Contains(row) {
		return Entry{}, errors.Errorf(
			"meta: tablet %v does not cover row %q", name, row)
	}
	return Entry{Table: table, Rows: cfg.Rows, Location: location}, nil
}
