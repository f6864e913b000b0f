// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package meta

import (
	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/util/interval"
)

// locEntry tracks one opened location handle and whether it has been
// written since the last sync.
type locEntry struct {
	handle  TableHandle
	touched bool
}

// Table is the routing client for one table: every set, erase and
// scan is directed to the tablet currently hosting the row.
type Table struct {
	cache     *Cache
	opener    Opener
	tableName string

	locmap   map[string]*locEntry
	lastRows interval.Interval
	lastLoc  *locEntry
	haveLast bool
}

// NewTable returns a routing client for tableName.
func NewTable(cache *Cache, opener Opener, tableName string) *Table {
	return &Table{
		cache:     cache,
		opener:    opener,
		tableName: tableName,
		locmap:    make(map[string]*locEntry),
	}
}

// getTablet returns the handle for the tablet hosting row, reusing
// the last route when the row still falls in its range.
func (t *Table) getTablet(row string) (*locEntry, error) {
	if !t.haveLast || !t.lastRows.Contains(row) {
		ent, err := t.cache.Lookup(t.tableName, row)
		if err != nil {
			return nil, err
		}
		le, ok := t.locmap[ent.Location]
		if !ok {
			handle, err := t.opener(ent.Location)
			if err != nil {
				return nil, errors.Annotatef(err, "open location %q", ent.Location)
			}
			le = &locEntry{handle: handle}
			t.locmap[ent.Location] = le
		}
		t.lastRows = ent.Rows
		t.lastLoc = le
		t.haveLast = true
	}
	t.lastLoc.touched = true
	return t.lastLoc, nil
}

// Set writes a cell through the hosting tablet.
func (t *Table) Set(row, column string, timestamp int64, value []byte) error {
	le, err := t.getTablet(row)
	if err != nil {
		return err
	}
	return le.handle.Set(row, column, timestamp, value)
}

// Erase writes an erasure through the hosting tablet.
func (t *Table) Erase(row, column string, timestamp int64) error {
	le, err := t.getTablet(row)
	if err != nil {
		return err
	}
	return le.handle.Erase(row, column, timestamp)
}

// Sync flushes every handle touched since the last sync.
func (t *Table) Sync() error {
	for loc, le := range t.locmap {
		if !le.touched {
			continue
		}
		if err := le.handle.Sync(); err != nil {
			return errors.Annotatef(err, "sync location %q", loc)
		}
		le.touched = false
	}
	return nil
}

// Scan streams cells for pred across every tablet the predicate's row
// range touches, in row order.
func (t *Table) Scan(pred *scanpred.Predicate) (iterator.Iterator, error) {
	return &routedScan{t: t, pred: pred}, nil
}

type routedScan struct {
	t    *Table
	pred *scanpred.Predicate

	started bool
	done    bool
	nextRow string
	cur     iterator.Iterator
	err     error
}

func (s *routedScan) Next() bool {
	for {
		if s.err != nil {
			return false
		}
		if s.cur == nil {
			if s.done || !s.open() {
				return false
			}
		}
		if s.cur.Next() {
			return true
		}
		if err := s.cur.Error(); err != nil {
			s.err = err
			return false
		}
		s.cur = nil
	}
}

// open routes to the tablet covering nextRow and clips the scan to
// its range.
func (s *routedScan) open() bool {
	if !s.started {
		s.started = true
		bounds := s.pred.RowBounds()
		if bounds.Lower.IsFinite() {
			s.nextRow = bounds.Lower.Value
		}
	}
	bounds := s.pred.RowBounds()
	if bounds.Upper.IsFinite() && s.nextRow > bounds.Upper.Value {
		s.done = true
		return false
	}

	ent, err := s.t.cache.Lookup(s.t.tableName, s.nextRow)
	if err != nil {
		s.err = err
		return false
	}
	le, ok := s.t.locmap[ent.Location]
	if !ok {
		handle, err := s.t.opener(ent.Location)
		if err != nil {
			s.err = errors.Annotatef(err, "open location %q", ent.Location)
			return false
		}
		le = &locEntry{handle: handle}
		s.t.locmap[ent.Location] = le
	}

	it, err := le.handle.Scan(s.pred.ClipRows(ent.Rows))
	if err != nil {
		s.err = err
		return false
	}
	s.cur = it

	// Step past this tablet for the next round.
	switch ent.Rows.Upper.Type {
	case interval.InfiniteUpper:
		// No rows remain after an infinite bound.
		s.done = true
	case interval.InclusiveUpper:
		s.nextRow = ent.Rows.Upper.Value + "\x00"
	case interval.ExclusiveUpper:
		s.nextRow = ent.Rows.Upper.Value
	}
	return true
}

func (s *routedScan) Cell() *cell.Cell { return s.cur.Cell() }
func (s *routedScan) Error() error     { return s.err }
