// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scanpred implements scan predicates: constraints over row,
// column, time and history that select cells from a table scan. A
// predicate round-trips through a canonical textual form.
package scanpred

import (
	"tabletdb/engine/cell"
	"tabletdb/util/interval"
)

// timeBound is one end of a time constraint. tick preserves the "@N"
// spelling through the canonical form.
type timeBound struct {
	ts   int64
	tick bool
}

// timeInterval is a contiguous range of timestamps (microseconds).
type timeInterval struct {
	hasLo, hasHi   bool
	loIncl, hiIncl bool
	lo, hi         timeBound
}

func (t timeInterval) isEmpty() bool {
	if !t.hasLo || !t.hasHi {
		return false
	}
	if t.lo.ts != t.hi.ts {
		return t.lo.ts > t.hi.ts
	}
	return !(t.loIncl && t.hiIncl)
}

func (t timeInterval) contains(ts int64) bool {
	if t.hasLo {
		if ts < t.lo.ts || (ts == t.lo.ts && !t.loIncl) {
			return false
		}
	}
	if t.hasHi {
		if ts > t.hi.ts || (ts == t.hi.ts && !t.hiIncl) {
			return false
		}
	}
	return true
}

func (t timeInterval) overlaps(min, max int64) bool {
	if t.hasLo {
		if max < t.lo.ts || (max == t.lo.ts && !t.loIncl) {
			return false
		}
	}
	if t.hasHi {
		if min > t.hi.ts || (min == t.hi.ts && !t.hiIncl) {
			return false
		}
	}
	return true
}

// stringSet is a union of intervals over one string identifier.
// set=false means unconstrained.
type stringSet struct {
	set bool
	ivs []interval.Interval
}

// timeSet is a union of time intervals. set=false means unconstrained.
type timeSet struct {
	set bool
	ivs []timeInterval
}

// Predicate is a normalized scan constraint.
type Predicate struct {
	rows    stringSet
	cols    stringSet
	times   timeSet
	history int // 0 = all versions
}

// All returns the unconstrained predicate.
func All() *Predicate { return &Predicate{} }

// History returns the maximum number of versions to return per
// (row, column), or 0 for all.
func (p *Predicate) History() int { return p.history }

// ContainsRow reports whether row satisfies the row constraint.
func (p *Predicate) ContainsRow(row string) bool {
	if !p.rows.set {
		return true
	}
	for _, iv := range p.rows.ivs {
		if iv.Contains(row) {
			return true
		}
	}
	return false
}

// ContainsColumn reports whether column satisfies the column constraint.
func (p *Predicate) ContainsColumn(column string) bool {
	if !p.cols.set {
		return true
	}
	for _, iv := range p.cols.ivs {
		if iv.Contains(column) {
			return true
		}
	}
	return false
}

// ContainsTime reports whether ts satisfies the time constraint.
func (p *Predicate) ContainsTime(ts int64) bool {
	if !p.times.set {
		return true
	}
	for _, iv := range p.times.ivs {
		if iv.contains(ts) {
			return true
		}
	}
	return false
}

// Matches applies the row, column and time filters to c. History
// suppression is the scanner's job; it needs cross-cell state.
func (p *Predicate) Matches(c *cell.Cell) bool {
	return p.ContainsRow(c.Row) && p.ContainsColumn(c.Column) && p.ContainsTime(c.Timestamp)
}

// OverlapsRows reports whether any constrained row interval intersects
// iv. Unconstrained predicates overlap everything.
func (p *Predicate) OverlapsRows(iv interval.Interval) bool {
	if !p.rows.set {
		return true
	}
	for _, r := range p.rows.ivs {
		if r.Overlaps(iv) {
			return true
		}
	}
	return false
}

// OverlapsTimes reports whether the time constraint intersects the
// closed range [min, max].
func (p *Predicate) OverlapsTimes(min, max int64) bool {
	if !p.times.set {
		return true
	}
	for _, iv := range p.times.ivs {
		if iv.overlaps(min, max) {
			return true
		}
	}
	return false
}

// RowBounds returns the convex hull of the row constraint.
func (p *Predicate) RowBounds() interval.Interval {
	if !p.rows.set {
		return interval.Infinite()
	}
	if len(p.rows.ivs) == 0 {
		return emptyRowInterval()
	}
	hull := p.rows.ivs[0]
	for _, iv := range p.rows.ivs[1:] {
		if interval.Compare(iv.Lower, hull.Lower) < 0 {
			hull.Lower = iv.Lower
		}
		if interval.Compare(iv.Upper, hull.Upper) > 0 {
			hull.Upper = iv.Upper
		}
	}
	return hull
}

// emptyRowInterval is the canonical unsatisfiable row range,
// printed as `"" < row < ""`.
func emptyRowInterval() interval.Interval {
	return interval.Make(interval.LowerExclusive(""), interval.UpperExclusive(""))
}

// ClipRows intersects the row constraint with iv. An empty result
// becomes the canonical unsatisfiable range rather than an error.
func (p *Predicate) ClipRows(iv interval.Interval) *Predicate {
	q := p.clone()
	if !q.rows.set {
		q.rows.set = true
		q.rows.ivs = []interval.Interval{iv}
	} else {
		var out []interval.Interval
		for _, r := range q.rows.ivs {
			x := r.Intersect(iv)
			if !x.IsEmpty() {
				out = append(out, x)
			}
		}
		q.rows.ivs = out
	}
	if len(q.rows.ivs) == 0 {
		q.rows.ivs = []interval.Interval{emptyRowInterval()}
	} else if len(q.rows.ivs) == 1 && q.rows.ivs[0].IsEmpty() {
		q.rows.ivs = []interval.Interval{emptyRowInterval()}
	}
	return q
}

func (p *Predicate) clone() *Predicate {
	q := &Predicate{history: p.history}
	q.rows.set = p.rows.set
	q.rows.ivs = append([]interval.Interval(nil), p.rows.ivs...)
	q.cols.set = p.cols.set
	q.cols.ivs = append([]interval.Interval(nil), p.cols.ivs...)
	q.times.set = p.times.set
	q.times.ivs = append([]timeInterval(nil), p.times.ivs...)
	return q
}

// GetColumnFamilies reports whether the column constraint reduces to a
// finite set of whole column families, and if so returns them in
// first-appearance order.
func (p *Predicate) GetColumnFamilies() (bool, []string) {
	if !p.cols.set {
		return false, nil
	}
	var fams []string
	seen := make(map[string]bool)
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			fams = append(fams, f)
		}
	}
	for _, iv := range p.cols.ivs {
		if iv.IsEmpty() {
			continue
		}
		if !iv.Lower.IsFinite() || !iv.Upper.IsFinite() {
			return false, nil
		}
		lo := iv.Lower.Value
		fam := cell.Family(lo)

		// A single-point interval (a column equality) contributes
		// the family of that column.
		if lo == iv.Upper.Value &&
			iv.Lower.Type == interval.InclusiveLower &&
			iv.Upper.Type == interval.InclusiveUpper {
			add(fam)
			continue
		}

		// Otherwise the interval must sit inside the family's
		// qualified range ["fam:", "fam;").
		famLo := interval.LowerInclusive(fam + ":")
		famHi := interval.UpperExclusive(fam + ";")
		if interval.Compare(iv.Lower, famLo) < 0 || interval.Compare(iv.Upper, famHi) > 0 {
			return false, nil
		}
		add(fam)
	}
	return true, fams
}

// insertInterval adds iv to a sorted, merged union.
func insertInterval(ivs []interval.Interval, iv interval.Interval) []interval.Interval {
	if iv.IsEmpty() {
		return ivs
	}
	out := make([]interval.Interval, 0, len(ivs)+1)
	placed := false
	for _, x := range ivs {
		switch {
		case interval.Compare(iv.Upper, x.Lower) < 0:
			if !placed {
				out = append(out, iv)
				placed = true
			}
			out = append(out, x)
		case interval.Compare(x.Upper, iv.Lower) < 0:
			out = append(out, x)
		default:
			// Overlapping or touching: absorb x into iv.
			if interval.Compare(x.Lower, iv.Lower) < 0 {
				iv.Lower = x.Lower
			}
			if interval.Compare(x.Upper, iv.Upper) > 0 {
				iv.Upper = x.Upper
			}
		}
	}
	if !placed {
		out = append(out, iv)
	}
	return out
}

// intersectSets intersects two interval unions.
func intersectSets(a, b []interval.Interval) []interval.Interval {
	var out []interval.Interval
	for _, x := range a {
		for _, y := range b {
			z := x.Intersect(y)
			if !z.IsEmpty() {
				out = insertInterval(out, z)
			}
		}
	}
	return out
}

// PrefixSuccessor returns the least string greater than every string
// with the given prefix, or ok=false when no such string exists.
func PrefixSuccessor(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// prefixInterval converts a ~= constraint to an interval.
func prefixInterval(prefix string) interval.Interval {
	if succ, ok := PrefixSuccessor(prefix); ok {
		return interval.Make(interval.LowerInclusive(prefix), interval.UpperExclusive(succ))
	}
	return interval.Make(interval.LowerInclusive(prefix), interval.MaxPoint())
}

// identifier order in the canonical form.
const (
	identRow     = "row"
	identColumn  = "column"
	identTime    = "time"
	identHistory = "history"
)
