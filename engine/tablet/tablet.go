// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tablet

import (
	"fmt"
	"sync"

	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/engine/fragment"
	"tabletdb/engine/iterator"
	"tabletdb/engine/memtable"
	"tabletdb/engine/scanpred"
	"tabletdb/util/interval"
)

// State is the tablet lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLogReplaying
	StateActive
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLogReplaying:
		return "log-replaying"
	case StateActive:
		return "active"
	case StateUnloading:
		return "unloading"
	}
	return fmt.Sprintf("<state:%d>", int(s))
}

// Tablet hosts one contiguous row range of a table. Writes land in
// the mem buffer; reads merge the mem buffer with the fragment chain,
// newest first.
type Tablet struct {
	mu    sync.Mutex
	table string
	rows  interval.Interval
	state State
	chain []*fragment.Fragment
	mem   *memtable.MemTable
}

// New creates a tablet in the LOADING state.
func New(table string, rows interval.Interval) *Tablet {
	return &Tablet{
		table: table,
		rows:  rows,
		state: StateLoading,
		mem:   memtable.New(),
	}
}

// Table returns the owning table name.
func (t *Tablet) Table() string { return t.table }

// Rows returns the hosted row range.
func (t *Tablet) Rows() interval.Interval {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// Name returns the tablet's name.
func (t *Tablet) Name() Name {
	return NewName(t.table, t.Rows().Upper)
}

// State returns the current lifecycle state.
func (t *Tablet) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the tablet, validating the edge.
func (t *Tablet) SetState(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := false
	switch t.state {
	case StateUnloaded:
		ok = next == StateLoading
	case StateLoading:
		ok = next == StateLogReplaying || next == StateUnloaded
	case StateLogReplaying:
		ok = next == StateActive
	case StateActive:
		ok = next == StateUnloading
	case StateUnloading:
		ok = next == StateUnloaded
	}
	if !ok {
		return errors.Errorf("tabletdb/tablet: bad transition %v -> %v on %v",
			t.state, next, NewName(t.table, t.rows.Upper))
	}
	t.state = next
	return nil
}

// AcceptsApply reports whether client applies may land.
func (t *Tablet) AcceptsApply() bool {
	return t.State() == StateActive
}

// AcceptsReplay reports whether replay-origin inserts may land.
func (t *Tablet) AcceptsReplay() bool {
	s := t.State()
	return s == StateLogReplaying || s == StateActive
}

// Mem returns the tablet's mem buffer.
func (t *Tablet) Mem() *memtable.MemTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem
}

// FreezeMem swaps in a fresh mem buffer and returns the frozen one
// for serialization.
func (t *Tablet) FreezeMem() *memtable.MemTable {
	t.mu.Lock()
	frozen := t.mem
	t.mem = memtable.New()
	t.mu.Unlock()
	return frozen
}

// Chain returns a snapshot of the fragment chain, newest first.
func (t *Tablet) Chain() []*fragment.Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fragment.Fragment(nil), t.chain...)
}

// SetChain replaces the whole fragment chain.
func (t *Tablet) SetChain(chain []*fragment.Fragment) {
	t.mu.Lock()
	t.chain = append([]*fragment.Fragment(nil), chain...)
	t.mu.Unlock()
}

// PushFragment prepends a freshly serialized fragment (the newest).
func (t *Tablet) PushFragment(f *fragment.Fragment) {
	t.mu.Lock()
	t.chain = append([]*fragment.Fragment{f}, t.chain...)
	t.mu.Unlock()
}

// SpliceChain replaces the contiguous run of fragments old within the
// chain with repl (nil repl just removes them). It reports whether
// the run was found.
func (t *Tablet) SpliceChain(old []*fragment.Fragment, repl *fragment.Fragment) bool {
	if len(old) == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i+len(old) <= len(t.chain); i++ {
		match := true
		for j := range old {
			if t.chain[i+j] != old[j] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		var next []*fragment.Fragment
		next = append(next, t.chain[:i]...)
		if repl != nil {
			next = append(next, repl)
		}
		next = append(next, t.chain[i+len(old):]...)
		t.chain = next
		return true
	}
	return false
}

// Config builds the tablet's persistable config from the current
// chain.
func (t *Tablet) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := Config{Rows: t.rows}
	for _, f := range t.chain {
		cfg.TableURIs = append(cfg.TableURIs, f.Path())
	}
	return cfg
}

// Scan merges the mem buffer and fragment chain under pred, clipped
// to the tablet's row range, with erasure suppression and history
// limits applied.
func (t *Tablet) Scan(pred *scanpred.Predicate) iterator.Iterator {
	clipped := pred.ClipRows(t.Rows())
	var inputs []iterator.Iterator
	memCells, _ := iterator.Collect(memIter{t.Mem().Scan(clipped)})
	inputs = append(inputs, iterator.NewSlice(memCells))
	for _, f := range t.Chain() {
		inputs = append(inputs, f.Scan(clipped))
	}
	merged := iterator.NewMerged(inputs)
	suppressed := iterator.NewErasureFilter(merged, true)
	return iterator.NewHistoryFilter(suppressed, clipped.History())
}

// memIter adapts the memtable iterator.
type memIter struct {
	it *memtable.Iterator
}

func (m memIter) Next() bool       { return m.it.Next() }
func (m memIter) Cell() *cell.Cell { return m.it.Cell() }
func (m memIter) Error() error     { return nil }
