// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package interval

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b Point
		want int
	}{
		{MinPoint(), MinPoint(), 0},
		{MinPoint(), LowerInclusive(""), -1},
		{MaxPoint(), UpperInclusive("\xff"), 1},
		{LowerInclusive("a"), UpperExclusive("a"), 0},
		{LowerInclusive("a"), UpperInclusive("a"), -1},
		{LowerExclusive("a"), UpperInclusive("a"), 0},
		{LowerInclusive("a"), LowerInclusive("b"), -1},
	}
	for i, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Fatalf("case %d: Compare(%v,%v) = %d, want %d", i, c.a, c.b, got, c.want)
		}
	}
}

func TestContains(t *testing.T) {
	iv := Make(LowerExclusive("b"), UpperInclusive("d"))
	for row, want := range map[string]bool{
		"a": false, "b": false, "b\x00": true, "c": true, "d": true, "d\x00": false,
	} {
		if got := iv.Contains(row); got != want {
			t.Fatalf("Contains(%q) = %v, want %v", row, got, want)
		}
	}
	if !Infinite().Contains("") || !Infinite().Contains("\xff\xff") {
		t.Fatal("infinite interval should contain everything")
	}
}

func TestIntersectAndEmpty(t *testing.T) {
	a := Make(LowerInclusive("bar"), UpperExclusive("foo"))
	b := Make(LowerExclusive("cat"), MaxPoint())
	x := a.Intersect(b)
	if x.Lower != LowerExclusive("cat") || x.Upper != UpperExclusive("foo") {
		t.Fatalf("bad intersection: %v", x)
	}
	if x.IsEmpty() {
		t.Fatal("intersection should be non-empty")
	}

	empty := Make(LowerInclusive("dog"), MaxPoint()).
		Intersect(Make(MinPoint(), UpperExclusive("cat")))
	if !empty.IsEmpty() {
		t.Fatalf("expected empty intersection, got %v", empty)
	}

	point := Make(LowerInclusive("x"), UpperInclusive("x"))
	if point.IsEmpty() {
		t.Fatal("[x,x] should not be empty")
	}
	halfOpen := Make(LowerInclusive("x"), UpperExclusive("x"))
	if !halfOpen.IsEmpty() {
		t.Fatal("[x,x) should be empty")
	}
}

func TestAdjacentComplement(t *testing.T) {
	cases := []struct {
		in, want Point
	}{
		{UpperInclusive("m"), LowerExclusive("m")},
		{UpperExclusive("m"), LowerInclusive("m")},
		{LowerExclusive("m"), UpperInclusive("m")},
		{MinPoint(), MaxPoint()},
		{MaxPoint(), MinPoint()},
	}
	for i, c := range cases {
		if got := c.in.AdjacentComplement(); got != c.want {
			t.Fatalf("case %d: got %v, want %v", i, got, c.want)
		}
	}

	// The complement pair tiles the key space with no gap or overlap.
	left := Make(MinPoint(), UpperInclusive("m"))
	right := Make(left.Upper.AdjacentComplement(), MaxPoint())
	if left.Overlaps(right) {
		t.Fatal("adjacent intervals should not overlap")
	}
	for _, row := range []string{"", "a", "m", "m\x00", "z"} {
		if !left.Contains(row) && !right.Contains(row) {
			t.Fatalf("row %q in neither side", row)
		}
	}
}
