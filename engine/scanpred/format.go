// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanpred

import (
	"fmt"
	"strings"
	"time"

	"tabletdb/util/interval"
)

// QuoteString renders s in the predicate's literal syntax: printable
// ASCII stays raw, quotes and backslashes are escaped, everything else
// becomes \xHH.
func QuoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			b.WriteString(`\"`)
		case c == '\\':
			b.WriteString(`\\`)
		case c >= 0x20 && c <= 0x7e:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func formatTimeBound(b timeBound) string {
	if b.tick {
		return fmt.Sprintf("@%d", b.ts)
	}
	t := time.UnixMicro(b.ts).UTC()
	if b.ts%1e6 == 0 {
		return t.Format("2006-01-02T15:04:05Z")
	}
	return t.Format("2006-01-02T15:04:05.000000Z")
}

// formatStringInterval renders one row/column interval as an atom.
func formatStringInterval(ident string, iv interval.Interval) string {
	lo, hi := iv.Lower, iv.Upper
	switch {
	case !lo.IsFinite() && !hi.IsFinite():
		return ""

	case lo.IsFinite() && !hi.IsFinite():
		op := ">="
		if lo.Type == interval.ExclusiveLower {
			op = ">"
		}
		return fmt.Sprintf("%s %s %s", ident, op, QuoteString(lo.Value))

	case !lo.IsFinite() && hi.IsFinite():
		op := "<="
		if hi.Type == interval.ExclusiveUpper {
			op = "<"
		}
		return fmt.Sprintf("%s %s %s", ident, op, QuoteString(hi.Value))
	}

	// Both bounds finite.
	if lo.Type == interval.InclusiveLower && hi.Type == interval.InclusiveUpper &&
		lo.Value == hi.Value {
		return fmt.Sprintf("%s = %s", ident, QuoteString(lo.Value))
	}
	if lo.Type == interval.InclusiveLower && hi.Type == interval.ExclusiveUpper {
		if succ, ok := PrefixSuccessor(lo.Value); ok && succ == hi.Value && lo.Value != "" {
			return fmt.Sprintf("%s ~= %s", ident, QuoteString(lo.Value))
		}
	}
	op1 := "<="
	if lo.Type == interval.ExclusiveLower {
		op1 = "<"
	}
	op2 := "<="
	if hi.Type == interval.ExclusiveUpper {
		op2 = "<"
	}
	return fmt.Sprintf("%s %s %s %s %s",
		QuoteString(lo.Value), op1, ident, op2, QuoteString(hi.Value))
}

func formatTimeInterval(iv timeInterval) string {
	switch {
	case iv.hasLo && iv.hasHi && iv.loIncl && iv.hiIncl && iv.lo.ts == iv.hi.ts:
		return fmt.Sprintf("time = %s", formatTimeBound(iv.lo))
	case iv.hasLo && !iv.hasHi:
		op := ">="
		if !iv.loIncl {
			op = ">"
		}
		return fmt.Sprintf("time %s %s", op, formatTimeBound(iv.lo))
	case !iv.hasLo && iv.hasHi:
		op := "<="
		if !iv.hiIncl {
			op = "<"
		}
		return fmt.Sprintf("time %s %s", op, formatTimeBound(iv.hi))
	case iv.hasLo && iv.hasHi:
		op1 := "<="
		if !iv.loIncl {
			op1 = "<"
		}
		op2 := "<="
		if !iv.hiIncl {
			op2 = "<"
		}
		return fmt.Sprintf("%s %s time %s %s",
			formatTimeBound(iv.lo), op1, op2, formatTimeBound(iv.hi))
	}
	return ""
}

func formatStringSet(ident string, s stringSet) string {
	if !s.set {
		return ""
	}
	if len(s.ivs) == 0 {
		// Unsatisfiable.
		return fmt.Sprintf(`"" < %s < ""`, ident)
	}
	var parts []string
	for _, iv := range s.ivs {
		if iv.IsEmpty() {
			return fmt.Sprintf(`"" < %s < ""`, ident)
		}
		if a := formatStringInterval(ident, iv); a != "" {
			parts = append(parts, a)
		}
	}
	if len(parts) == 0 {
		// The union covers everything; the constraint is vacuous.
		return ""
	}
	return strings.Join(parts, " or ")
}

// String renders the predicate in its canonical form. Parsing the
// result yields an equivalent predicate.
func (p *Predicate) String() string {
	var parts []string
	if s := formatStringSet(identRow, p.rows); s != "" {
		parts = append(parts, s)
	}
	if s := formatStringSet(identColumn, p.cols); s != "" {
		parts = append(parts, s)
	}
	if p.times.set {
		var tparts []string
		for _, iv := range p.times.ivs {
			if a := formatTimeInterval(iv); a != "" {
				tparts = append(tparts, a)
			}
		}
		if len(tparts) > 0 {
			parts = append(parts, strings.Join(tparts, " or "))
		}
	}
	if p.history > 0 {
		parts = append(parts, fmt.Sprintf("history = %d", p.history))
	}
	return strings.Join(parts, " and ")
}
