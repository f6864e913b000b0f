// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanpred

import (
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"

	"tabletdb/util/interval"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokTime
	tokOp
)

type token struct {
	kind tokKind
	text string // identifier, operator, or raw literal text
	str  string // unescaped string literal
	num  int64  // number or timestamp (microseconds)
	tick bool   // numeric literal was spelled @N
}

type lexer struct {
	in  string
	pos int
}

func (l *lexer) errf(format string, v ...interface{}) error {
	return errors.NotValidf("scan predicate at %d: "+format,
		append([]interface{}{l.pos}, v...)...)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.in) && (l.in[l.pos] == ' ' || l.in[l.pos] == '\t' ||
		l.in[l.pos] == '\n' || l.in[l.pos] == '\r') {
		l.pos++
	}
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.in) {
		return token{kind: tokEOF}, nil
	}
	c := l.in[l.pos]
	switch {
	case isIdentChar(c):
		start := l.pos
		for l.pos < len(l.in) && isIdentChar(l.in[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.in[start:l.pos]}, nil

	case c == '\'' || c == '"':
		return l.lexString(c)

	case c == '@':
		l.pos++
		start := l.pos
		if l.pos < len(l.in) && l.in[l.pos] == '-' {
			l.pos++
		}
		for l.pos < len(l.in) && isDigit(l.in[l.pos]) {
			l.pos++
		}
		if start == l.pos {
			return token{}, l.errf("expected number after '@'")
		}
		n, err := strconv.ParseInt(l.in[start:l.pos], 10, 64)
		if err != nil {
			return token{}, l.errf("bad tick literal: %v", err)
		}
		return token{kind: tokNumber, num: n, tick: true}, nil

	case isDigit(c):
		return l.lexNumberOrTime()

	case c == '<':
		l.pos++
		if l.pos < len(l.in) && l.in[l.pos] == '=' {
			l.pos++
			return token{kind: tokOp, text: "<="}, nil
		}
		return token{kind: tokOp, text: "<"}, nil

	case c == '>':
		l.pos++
		if l.pos < len(l.in) && l.in[l.pos] == '=' {
			l.pos++
			return token{kind: tokOp, text: ">="}, nil
		}
		return token{kind: tokOp, text: ">"}, nil

	case c == '=':
		l.pos++
		return token{kind: tokOp, text: "="}, nil

	case c == '~':
		l.pos++
		if l.pos < len(l.in) && l.in[l.pos] == '=' {
			l.pos++
			return token{kind: tokOp, text: "~="}, nil
		}
		return token{}, l.errf("expected '=' after '~'")
	}
	return token{}, l.errf("unexpected character %q", c)
}

func (l *lexer) lexString(quote byte) (token, error) {
	l.pos++ // opening quote
	var out []byte
	for {
		if l.pos >= len(l.in) {
			return token{}, l.errf("unterminated string")
		}
		c := l.in[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokString, str: string(out)}, nil
		case '\\':
			l.pos++
			if l.pos >= len(l.in) {
				return token{}, l.errf("unterminated string")
			}
			e := l.in[l.pos]
			switch e {
			case '\\', '\'', '"':
				out = append(out, e)
				l.pos++
			case 'x':
				if l.pos+2 >= len(l.in) {
					return token{}, l.errf("bad hex escape")
				}
				hi, ok1 := hexVal(l.in[l.pos+1])
				lo, ok2 := hexVal(l.in[l.pos+2])
				if !ok1 || !ok2 {
					return token{}, l.errf("bad hex escape")
				}
				out = append(out, hi<<4|lo)
				l.pos += 3
			default:
				return token{}, l.errf("bad escape '\\%c'", e)
			}
		default:
			out = append(out, c)
			l.pos++
		}
	}
}

// lexNumberOrTime reads either a plain integer or an ISO-8601 UTC
// timestamp like 1999-01-02T03:04:05.678901Z.
func (l *lexer) lexNumberOrTime() (token, error) {
	start := l.pos
	for l.pos < len(l.in) && isDigit(l.in[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.in) || l.in[l.pos] != '-' {
		n, err := strconv.ParseInt(l.in[start:l.pos], 10, 64)
		if err != nil {
			return token{}, l.errf("bad number: %v", err)
		}
		return token{kind: tokNumber, num: n}, nil
	}
	// Timestamp: consume through the trailing 'Z'.
	for l.pos < len(l.in) {
		c := l.in[l.pos]
		if isDigit(c) || c == '-' || c == ':' || c == '.' || c == 'T' {
			l.pos++
			continue
		}
		if c == 'Z' {
			l.pos++
			break
		}
		return token{}, l.errf("bad timestamp character %q", c)
	}
	text := l.in[start:l.pos]
	us, err := parseTimeLiteral(text)
	if err != nil {
		return token{}, errors.NotValidf("scan predicate: timestamp %q: %v", text, err)
	}
	return token{kind: tokTime, num: us, text: text}, nil
}

func parseTimeLiteral(s string) (int64, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMicro(), nil
		}
	}
	return 0, fmt.Errorf("not an ISO-8601 UTC timestamp")
}

// clause is one parsed atom and the connective before it.
type clause struct {
	orBefore bool
	ident    string
	history  int64
	strIv    interval.Interval
	timeIv   timeInterval
}

type parser struct {
	lex  *lexer
	tok  token
	prev token
}

func (p *parser) advance() error {
	var err error
	p.prev = p.tok
	p.tok, err = p.lex.next()
	return err
}

// Parse parses expr into a normalized Predicate. An empty expression
// is unconstrained. Malformed input yields a not-valid error.
func Parse(expr string) (*Predicate, error) {
	p := &parser{lex: &lexer{in: expr}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var clauses []clause
	for p.tok.kind != tokEOF {
		if len(clauses) > 0 {
			if p.tok.kind != tokIdent || (p.tok.text != "and" && p.tok.text != "or") {
				return nil, errors.NotValidf("scan predicate: expected 'and' or 'or'")
			}
			or := p.tok.text == "or"
			if err := p.advance(); err != nil {
				return nil, err
			}
			cl, err := p.parseAtom()
			if err != nil {
				return nil, err
			}
			cl.orBefore = or
			clauses = append(clauses, cl)
			continue
		}
		cl, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, cl)
	}

	return foldClauses(clauses)
}

// parseAtom parses IDENT OP LIT, LIT OP IDENT, or LIT OP IDENT OP LIT.
func (p *parser) parseAtom() (clause, error) {
	switch p.tok.kind {
	case tokIdent:
		ident := p.tok.text
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		if p.tok.kind != tokOp {
			return clause{}, errors.NotValidf("scan predicate: expected operator after %q", ident)
		}
		op := p.tok.text
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		return p.finishSimpleAtom(ident, op)

	case tokString, tokNumber, tokTime:
		lit := p.tok
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		if p.tok.kind != tokOp {
			return clause{}, errors.NotValidf("scan predicate: expected operator after literal")
		}
		op1 := p.tok.text
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		if p.tok.kind != tokIdent {
			return clause{}, errors.NotValidf("scan predicate: expected identifier after literal")
		}
		ident := p.tok.text
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		if p.tok.kind == tokOp {
			// Bounded range: LIT op IDENT op LIT.
			op2 := p.tok.text
			if err := p.advance(); err != nil {
				return clause{}, err
			}
			return p.finishRangeAtom(lit, op1, ident, op2)
		}
		// Reversed comparison: LIT op IDENT.
		return makeReversedAtom(lit, op1, ident)

	default:
		return clause{}, errors.NotValidf("scan predicate: unexpected token")
	}
}

func (p *parser) finishSimpleAtom(ident, op string) (clause, error) {
	switch ident {
	case identRow, identColumn:
		if p.tok.kind != tokString {
			return clause{}, errors.NotValidf("scan predicate: %s constraint needs a string", ident)
		}
		v := p.tok.str
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		iv, err := stringAtomInterval(op, v)
		if err != nil {
			return clause{}, err
		}
		return clause{ident: ident, strIv: iv}, nil

	case identTime:
		if p.tok.kind != tokNumber && p.tok.kind != tokTime {
			return clause{}, errors.NotValidf("scan predicate: time constraint needs a timestamp")
		}
		b := timeBound{ts: p.tok.num, tick: p.tok.kind == tokNumber && p.tok.tick}
		if p.tok.kind == tokNumber && !p.tok.tick {
			return clause{}, errors.NotValidf("scan predicate: time constraint needs @N or ISO-8601")
		}
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		iv, err := timeAtomInterval(op, b)
		if err != nil {
			return clause{}, err
		}
		return clause{ident: identTime, timeIv: iv}, nil

	case identHistory:
		if op != "=" {
			return clause{}, errors.NotValidf("scan predicate: history only supports '='")
		}
		if p.tok.kind != tokNumber || p.tok.tick {
			return clause{}, errors.NotValidf("scan predicate: history needs an integer")
		}
		n := p.tok.num
		if n <= 0 {
			return clause{}, errors.NotValidf("scan predicate: history must be positive")
		}
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		return clause{ident: identHistory, history: n}, nil
	}
	return clause{}, errors.NotValidf("scan predicate: unknown identifier %q", ident)
}

func (p *parser) finishRangeAtom(lo token, op1, ident, op2 string) (clause, error) {
	if (op1 != "<" && op1 != "<=") || (op2 != "<" && op2 != "<=") {
		return clause{}, errors.NotValidf("scan predicate: bad range operators %q %q", op1, op2)
	}
	if ident == identTime {
		isTime := func(tk token) bool {
			return tk.kind == tokTime || (tk.kind == tokNumber && tk.tick)
		}
		if !isTime(lo) || !isTime(p.tok) {
			return clause{}, errors.NotValidf("scan predicate: time range needs timestamps")
		}
		iv := timeInterval{
			hasLo: true, loIncl: op1 == "<=",
			lo:    timeBound{ts: lo.num, tick: lo.tick},
			hasHi: true, hiIncl: op2 == "<=",
			hi: timeBound{ts: p.tok.num, tick: p.tok.tick},
		}
		if err := p.advance(); err != nil {
			return clause{}, err
		}
		return clause{ident: identTime, timeIv: iv}, nil
	}
	if ident != identRow && ident != identColumn {
		return clause{}, errors.NotValidf("scan predicate: bounded range on %q", ident)
	}
	if lo.kind != tokString || p.tok.kind != tokString {
		return clause{}, errors.NotValidf("scan predicate: %s range needs string bounds", ident)
	}
	hi := p.tok.str
	if err := p.advance(); err != nil {
		return clause{}, err
	}

	var lower, upper interval.Point
	if op1 == "<" {
		lower = interval.LowerExclusive(lo.str)
	} else {
		lower = interval.LowerInclusive(lo.str)
	}
	if op2 == "<" {
		upper = interval.UpperExclusive(hi)
	} else {
		upper = interval.UpperInclusive(hi)
	}
	return clause{ident: ident, strIv: interval.Make(lower, upper)}, nil
}

func makeReversedAtom(lit token, op, ident string) (clause, error) {
	flip := map[string]string{"<": ">", "<=": ">=", ">": "<", ">=": "<=", "=": "="}
	fop, ok := flip[op]
	if !ok {
		return clause{}, errors.NotValidf("scan predicate: bad reversed operator %q", op)
	}
	switch ident {
	case identRow, identColumn:
		if lit.kind != tokString {
			return clause{}, errors.NotValidf("scan predicate: %s constraint needs a string", ident)
		}
		iv, err := stringAtomInterval(fop, lit.str)
		if err != nil {
			return clause{}, err
		}
		return clause{ident: ident, strIv: iv}, nil
	case identTime:
		if lit.kind != tokTime && !(lit.kind == tokNumber && lit.tick) {
			return clause{}, errors.NotValidf("scan predicate: time constraint needs a timestamp")
		}
		iv, err := timeAtomInterval(fop, timeBound{ts: lit.num, tick: lit.tick})
		if err != nil {
			return clause{}, err
		}
		return clause{ident: identTime, timeIv: iv}, nil
	}
	return clause{}, errors.NotValidf("scan predicate: unknown identifier %q", ident)
}

func stringAtomInterval(op, v string) (interval.Interval, error) {
	switch op {
	case "<":
		return interval.Make(interval.MinPoint(), interval.UpperExclusive(v)), nil
	case "<=":
		return interval.Make(interval.MinPoint(), interval.UpperInclusive(v)), nil
	case "=":
		return interval.Make(interval.LowerInclusive(v), interval.UpperInclusive(v)), nil
	case ">=":
		return interval.Make(interval.LowerInclusive(v), interval.MaxPoint()), nil
	case ">":
		return interval.Make(interval.LowerExclusive(v), interval.MaxPoint()), nil
	case "~=":
		return prefixInterval(v), nil
	}
	return interval.Interval{}, errors.NotValidf("scan predicate: bad operator %q", op)
}

func timeAtomInterval(op string, b timeBound) (timeInterval, error) {
	switch op {
	case "<":
		return timeInterval{hasHi: true, hi: b}, nil
	case "<=":
		return timeInterval{hasHi: true, hiIncl: true, hi: b}, nil
	case "=":
		return timeInterval{hasLo: true, loIncl: true, lo: b,
			hasHi: true, hiIncl: true, hi: b}, nil
	case ">=":
		return timeInterval{hasLo: true, loIncl: true, lo: b}, nil
	case ">":
		return timeInterval{hasLo: true, lo: b}, nil
	}
	return timeInterval{}, errors.NotValidf("scan predicate: bad time operator %q", op)
}

// foldClauses groups or-connected clauses (which must share an
// identifier) into unions and intersects the groups into a predicate.
func foldClauses(clauses []clause) (*Predicate, error) {
	pred := &Predicate{}

	// Partition into or-groups.
	var groups [][]clause
	for _, cl := range clauses {
		if cl.orBefore {
			if len(groups) == 0 {
				return nil, errors.NotValidf("scan predicate: leading 'or'")
			}
			last := groups[len(groups)-1]
			if last[0].ident != cl.ident {
				return nil, errors.NotValidf(
					"scan predicate: 'or' between %q and %q constraints",
					last[0].ident, cl.ident)
			}
			groups[len(groups)-1] = append(last, cl)
			continue
		}
		groups = append(groups, []clause{cl})
	}

	for _, grp := range groups {
		ident := grp[0].ident
		switch ident {
		case identHistory:
			if len(grp) > 1 {
				return nil, errors.NotValidf("scan predicate: 'or' on history")
			}
			pred.history = int(grp[0].history)

		case identRow, identColumn:
			var union []interval.Interval
			for _, cl := range grp {
				union = insertInterval(union, cl.strIv)
			}
			set := &pred.rows
			if ident == identColumn {
				set = &pred.cols
			}
			if !set.set {
				set.set = true
				set.ivs = union
			} else {
				set.ivs = intersectSets(set.ivs, union)
			}

		case identTime:
			var union []timeInterval
			for _, cl := range grp {
				if !cl.timeIv.isEmpty() {
					union = append(union, cl.timeIv)
				}
			}
			if !pred.times.set {
				pred.times.set = true
				pred.times.ivs = union
			} else {
				var out []timeInterval
				for _, x := range pred.times.ivs {
					for _, y := range union {
						z := intersectTimes(x, y)
						if !z.isEmpty() {
							out = append(out, z)
						}
					}
				}
				pred.times.ivs = out
			}
		}
	}
	return pred, nil
}

func intersectTimes(a, b timeInterval) timeInterval {
	out := a
	if b.hasLo {
		if !out.hasLo || b.lo.ts > out.lo.ts ||
			(b.lo.ts == out.lo.ts && !b.loIncl) {
			out.hasLo, out.lo, out.loIncl = true, b.lo, b.loIncl
		}
	}
	if b.hasHi {
		if !out.hasHi || b.hi.ts < out.hi.ts ||
			(b.hi.ts == out.hi.ts && !b.hiIncl) {
			out.hasHi, out.hi, out.hiIncl = true, b.hi, b.hiIncl
		}
	}
	return out
}
