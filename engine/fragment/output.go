// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fragment

import (
	"github.com/juju/errors"

	"tabletdb/engine/fs"
)

// Output is a reusable fragment sink. Each Open/Close cycle produces
// one fully independent fragment file.
type Output struct {
	blockSize int
	w         *Writer
}

// NewOutput returns an Output producing fragments with the given
// block size.
func NewOutput(blockSize int) *Output {
	return &Output{blockSize: blockSize}
}

// Open starts a new fragment at path.
func (o *Output) Open(path string) error {
	if o.w != nil {
		return errors.New("tabletdb/fragment: output already open")
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Annotatef(err, "create %s", path)
	}
	o.w = NewWriter(f, path, o.blockSize)
	return nil
}

// Close finishes the current fragment and returns its path.
func (o *Output) Close() (string, error) {
	if o.w == nil {
		return "", errors.New("tabletdb/fragment: output already closed")
	}
	path := o.w.Path()
	err := o.w.Close()
	o.w = nil
	if err != nil {
		return "", err
	}
	return path, nil
}

// EmitCell appends a value cell to the open fragment.
func (o *Output) EmitCell(row, column string, timestamp int64, value []byte) error {
	if o.w == nil {
		return errors.New("tabletdb/fragment: emit to closed output")
	}
	return o.w.EmitCell(row, column, timestamp, value)
}

// EmitErasure appends an erasure to the open fragment.
func (o *Output) EmitErasure(row, column string, timestamp int64) error {
	if o.w == nil {
		return errors.New("tabletdb/fragment: emit to closed output")
	}
	return o.w.EmitErasure(row, column, timestamp)
}

// CellCount returns the cell count of the open fragment.
func (o *Output) CellCount() int {
	if o.w == nil {
		return 0
	}
	return o.w.CellCount()
}

// DataSize returns the approximate size of the open fragment.
func (o *Output) DataSize() int {
	if o.w == nil {
		return 0
	}
	return o.w.DataSize()
}
