// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package scanpred

import (
	"sort"
	"testing"

	"github.com/juju/errors"

	"tabletdb/util/assert"
	"tabletdb/util/interval"
)

// p parses expr and returns the canonical form.
func p(t *testing.T, expr string) string {
	t.Helper()
	pred, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return pred.String()
}

func TestParse(t *testing.T) {
	// Empty predicates.
	assert.Equal(t, p(t, ""), "")
	assert.Equal(t, p(t, "   "), "")

	// Row predicates.
	assert.Equal(t, p(t, "  row < 'foo'  "), `row < "foo"`)
	assert.Equal(t, p(t, "row ~= 'foo'"), `row ~= "foo"`)
	assert.Equal(t, p(t, "row ~= 'foo\\xff'"), `row ~= "foo\xff"`)
	assert.Equal(t, p(t, "row ~= ''"), `row >= ""`)

	// Documentation examples.
	assert.Equal(t, p(t, "row = 'com.foo.www/index.html' and history = 1"),
		`row = "com.foo.www/index.html" and history = 1`)
	assert.Equal(t, p(t, "row ~= 'com.foo' and time >= 1999-01-02T03:04:05.678901Z"),
		`row ~= "com.foo" and time >= 1999-01-02T03:04:05.678901Z`)
	assert.Equal(t,
		p(t, `"word:cat" < column <= "word:dog" or column >= "word:fish"`),
		`"word:cat" < column <= "word:dog" or column >= "word:fish"`)
	assert.Equal(t, p(t, "time = @0"), "time = @0")

	// Trailing backslash handling.
	assert.Equal(t, p(t, `row = 'foo\\'`), `row = "foo\\"`)
	if _, err := Parse(`row = 'foo\'`); !errors.IsNotValid(err) {
		t.Fatalf("expected not-valid error, got %v", err)
	}

	// Basic escapes.
	assert.Equal(t, p(t, `row ~= '\x00'`), `row ~= "\x00"`)
	assert.Equal(t, p(t, `'com.v\xe0' <= row < 'com.xp'`), `"com.v\xe0" <= row < "com.xp"`)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"row",
		"row <",
		"row < 5",
		"bogus = 'x'",
		"row = 'unterminated",
		`row = 'bad\q'`,
		"row = 'a' or history = 2",
		"history = 0",
		"time = 5",
	} {
		if _, err := Parse(expr); !errors.IsNotValid(err) {
			t.Fatalf("expected not-valid error for %q, got %v", expr, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, expr := range []string{
		"",
		`row < "foo"`,
		`row ~= "foo"`,
		`"cat" < row < "foo"`,
		`"" < row < ""`,
		`row = "x" and column ~= "fam:" and history = 2`,
		`time = @0`,
		`time >= 1999-01-02T03:04:05.678901Z`,
		`@5 <= time <= @9`,
	} {
		pred, err := Parse(expr)
		assert.Nil(t, err)
		again, err := Parse(pred.String())
		assert.Nil(t, err)
		assert.Equal(t, again.String(), pred.String())
	}
}

func clipRow(t *testing.T, expr string, lb, ub *string) string {
	t.Helper()
	pred, err := Parse(expr)
	assert.Nil(t, err)
	span := interval.Infinite()
	if lb != nil {
		span.Lower = interval.LowerInclusive(*lb)
	}
	if ub != nil {
		span.Upper = interval.UpperExclusive(*ub)
	}
	return pred.ClipRows(span).String()
}

func strp(s string) *string { return &s }

func TestClipRows(t *testing.T) {
	assert.Equal(t, clipRow(t, "", strp("bar"), strp("foo")), `"bar" <= row < "foo"`)
	assert.Equal(t, clipRow(t, "row > 'cat'", strp("bar"), strp("foo")), `"cat" < row < "foo"`)
	assert.Equal(t, clipRow(t, "row < 'cat' and history = 3", strp("bar"), strp("foo")),
		`"bar" <= row < "cat" and history = 3`)

	assert.Equal(t, clipRow(t, "row < 'cat'", nil, nil), `row < "cat"`)
	assert.Equal(t, clipRow(t, "row > 'cat'", nil, nil), `row > "cat"`)
	assert.Equal(t, clipRow(t, "row > 'cat'", nil, strp("dog")), `"cat" < row < "dog"`)
	assert.Equal(t, clipRow(t, "row < 'rat'", strp("dog"), nil), `"dog" <= row < "rat"`)

	// Empty intersection becomes the unsatisfiable range.
	assert.Equal(t, clipRow(t, "row < 'cat'", strp("dog"), nil), `"" < row < ""`)
}

func TestClipRowsIdempotent(t *testing.T) {
	span := interval.Make(interval.LowerInclusive("bar"), interval.UpperExclusive("foo"))
	for _, expr := range []string{"", "row > 'cat'", "row < 'cat'", "row ~= 'c'"} {
		pred, err := Parse(expr)
		assert.Nil(t, err)
		once := pred.ClipRows(span)
		twice := once.ClipRows(span)
		assert.Equal(t, twice.String(), once.String())
	}
}

func testColumnFamily(t *testing.T, expr string, wantOK bool, wantN int) {
	t.Helper()
	pred, err := Parse(expr)
	assert.Nil(t, err)
	ok, fams := pred.GetColumnFamilies()
	if ok != wantOK || len(fams) != wantN {
		t.Fatalf("GetColumnFamilies(%q) = (%v, %v), want (%v, %d families)",
			expr, ok, fams, wantOK, wantN)
	}
}

func TestGetColumnFamilies(t *testing.T) {
	testColumnFamily(t, "", false, 0)
	testColumnFamily(t, "'b' < column < 'a'", true, 0)
	testColumnFamily(t, "column = 'source:whitelist'", true, 1)
	testColumnFamily(t, "column = 'source:whitelist' or column = 'source:deepcrawl'", true, 1)
	testColumnFamily(t, "column = 'source:whitelist' or column = 'depth:1'", true, 2)
	testColumnFamily(t, "column ~= 'source:deepcrawl'", true, 1)
	testColumnFamily(t, "column ~= 'source:'", true, 1)
	testColumnFamily(t, "column ~= 'source'", false, 0)
	testColumnFamily(t, "column < 'source;'", false, 0)
	testColumnFamily(t, "'source:' < column < 'source;'", true, 1)
	testColumnFamily(t, "'source:a' < column < 'source:d'", true, 1)
	testColumnFamily(t, "'source:a' <= column < 'source:d'", true, 1)
	testColumnFamily(t, "'source:a' < column <= 'source:d'", true, 1)
	testColumnFamily(t, "'source:a' <= column <= 'source:d'", true, 1)
	testColumnFamily(t, "'source1:a' <= column <= 'source2:d'", false, 0)
	testColumnFamily(t, "column = 'source:whitelist' or column > 'source:whitelist'", false, 0)
	testColumnFamily(t, "column = 'source:whitelist' or column > 'zeta'", false, 0)
}

func TestGetColumnFamiliesNames(t *testing.T) {
	pred, err := Parse("column = 'source:whitelist' or column = 'depth:1'")
	assert.Nil(t, err)
	ok, fams := pred.GetColumnFamilies()
	assert.True(t, ok)
	sort.Strings(fams)
	assert.Equal(t, fams, []string{"depth", "source"})
}

func TestMatches(t *testing.T) {
	pred, err := Parse("row ~= 'r' and column = 'f:q' and @10 <= time <= @20")
	assert.Nil(t, err)
	assert.True(t, pred.ContainsRow("rat"))
	assert.True(t, !pred.ContainsRow("s"))
	assert.True(t, pred.ContainsColumn("f:q"))
	assert.True(t, !pred.ContainsColumn("f:r"))
	assert.True(t, pred.ContainsTime(10))
	assert.True(t, pred.ContainsTime(20))
	assert.True(t, !pred.ContainsTime(21))
	assert.True(t, pred.OverlapsTimes(0, 10))
	assert.True(t, !pred.OverlapsTimes(0, 9))
	assert.True(t, pred.OverlapsRows(interval.Make(
		interval.LowerInclusive("q"), interval.UpperExclusive("rz"))))
	assert.True(t, !pred.OverlapsRows(interval.Make(
		interval.LowerInclusive("t"), interval.UpperExclusive("u"))))
}
