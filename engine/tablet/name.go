// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package tablet models tablets: contiguous row ranges of a table
// backed by a mem buffer and an immutable fragment chain.
package tablet

import (
	"strings"

	"github.com/juju/errors"

	"tabletdb/util/interval"
)

// Name identifies a tablet by table and last-row upper bound. The
// encoded form sorts a table's tablets together, in row order, with
// the infinite bound after every finite bound.
type Name struct {
	Table   string
	LastRow interval.Point // InclusiveUpper or InfiniteUpper
}

const (
	nameSep      = "\x00"
	tagFiniteRow = "\x01"
	tagInfinite  = "\x02"
)

// NewName builds a tablet name from an upper bound.
func NewName(table string, lastRow interval.Point) Name {
	return Name{Table: table, LastRow: lastRow}
}

// Encode returns the sortable composite form.
func (n Name) Encode() string {
	if n.LastRow.Type == interval.InfiniteUpper {
		return n.Table + nameSep + tagInfinite
	}
	return n.Table + nameSep + tagFiniteRow + n.LastRow.Value
}

// EncodePrefix returns the prefix shared by every tablet of table.
func EncodePrefix(table string) string {
	return table + nameSep
}

// DecodeName parses an encoded tablet name.
func DecodeName(encoded string) (Name, error) {
	i := strings.Index(encoded, nameSep)
	if i < 0 || i+1 >= len(encoded) {
		return Name{}, errors.NotValidf("tablet name %q", encoded)
	}
	table := encoded[:i]
	tag := encoded[i+1 : i+2]
	rest := encoded[i+2:]
	switch tag {
	case tagInfinite:
		if rest != "" {
			return Name{}, errors.NotValidf("tablet name %q: data after infinite tag", encoded)
		}
		return Name{Table: table, LastRow: interval.MaxPoint()}, nil
	case tagFiniteRow:
		return Name{Table: table, LastRow: interval.UpperInclusive(rest)}, nil
	}
	return Name{}, errors.NotValidf("tablet name %q: bad bound tag", encoded)
}

func (n Name) String() string {
	if n.LastRow.Type == interval.InfiniteUpper {
		return n.Table + "(END)"
	}
	return n.Table + "(" + n.LastRow.Value + ")"
}
