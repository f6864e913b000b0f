// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package iterator

import (
	"tabletdb/engine/cell"
)

// mergeSource wraps an input with one cell of lookahead.
type mergeSource struct {
	it   Iterator
	cur  *cell.Cell
	done bool
}

func (s *mergeSource) fill() {
	if s.cur != nil || s.done {
		return
	}
	if s.it.Next() {
		s.cur = s.it.Cell()
	} else {
		s.done = true
	}
}

// Merged combines sources ordered newest-first into one canonical
// stream. Cells with equal keys collapse to the newest source's cell.
type Merged struct {
	srcs []*mergeSource
	cur  *cell.Cell
	err  error
}

// NewMerged merges inputs; inputs[0] is the newest.
func NewMerged(inputs []Iterator) *Merged {
	m := &Merged{}
	for _, it := range inputs {
		m.srcs = append(m.srcs, &mergeSource{it: it})
	}
	return m
}

func (m *Merged) Next() bool {
	if m.err != nil {
		return false
	}
	var best *mergeSource
	for _, s := range m.srcs {
		s.fill()
		if err := s.it.Error(); err != nil {
			m.err = err
			return false
		}
		if s.cur == nil {
			continue
		}
		if best == nil || cell.CompareKeys(s.cur.Key(), best.cur.Key()) < 0 {
			best = s
		}
	}
	if best == nil {
		return false
	}
	m.cur = best.cur
	// Consume the winner and every older duplicate of the same key.
	key := best.cur.Key()
	for _, s := range m.srcs {
		if s.cur != nil && cell.CompareKeys(s.cur.Key(), key) == 0 {
			s.cur = nil
		}
	}
	return true
}

func (m *Merged) Cell() *cell.Cell { return m.cur }
func (m *Merged) Error() error     { return m.err }

// ErasureFilter applies erasure suppression to a merged stream: an
// erasure at (r,c,t) hides every older non-erasure cell at the same
// (r,c). With DropErasures set the erasures themselves are elided,
// which is only safe when no older fragment outside the merged set
// could still hold shadowed cells.
type ErasureFilter struct {
	in           Iterator
	dropErasures bool

	haveGroup  bool
	groupRow   string
	groupCol   string
	erasureTs  int64
	hasErasure bool
	cur        *cell.Cell
}

// NewErasureFilter wraps in with erasure suppression.
func NewErasureFilter(in Iterator, dropErasures bool) *ErasureFilter {
	return &ErasureFilter{in: in, dropErasures: dropErasures}
}

func (f *ErasureFilter) Next() bool {
	for f.in.Next() {
		c := f.in.Cell()
		if !f.haveGroup || c.Row != f.groupRow || c.Column != f.groupCol {
			f.haveGroup = true
			f.groupRow, f.groupCol = c.Row, c.Column
			f.hasErasure = false
		}
		if c.Erasure {
			if f.hasErasure {
				// Shadowed by a newer erasure in the group.
				continue
			}
			f.hasErasure = true
			f.erasureTs = c.Timestamp
			if f.dropErasures {
				continue
			}
			f.cur = c
			return true
		}
		if f.hasErasure && c.Timestamp <= f.erasureTs {
			continue
		}
		f.cur = c
		return true
	}
	return false
}

func (f *ErasureFilter) Cell() *cell.Cell { return f.cur }
func (f *ErasureFilter) Error() error     { return f.in.Error() }

// HistoryFilter keeps only the newest n versions per (row, column).
// n <= 0 passes everything through.
type HistoryFilter struct {
	in       Iterator
	n        int
	row, col string
	have     bool
	count    int
	cur      *cell.Cell
}

// NewHistoryFilter wraps in with a version limit.
func NewHistoryFilter(in Iterator, n int) *HistoryFilter {
	return &HistoryFilter{in: in, n: n}
}

func (f *HistoryFilter) Next() bool {
	for f.in.Next() {
		c := f.in.Cell()
		if f.n <= 0 {
			f.cur = c
			return true
		}
		if !f.have || c.Row != f.row || c.Column != f.col {
			f.have = true
			f.row, f.col = c.Row, c.Column
			f.count = 0
		}
		f.count++
		if f.count > f.n {
			continue
		}
		f.cur = c
		return true
	}
	return false
}

func (f *HistoryFilter) Cell() *cell.Cell { return f.cur }
func (f *HistoryFilter) Error() error     { return f.in.Error() }
