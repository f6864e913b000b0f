// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
)

var (
	// ErrServerClosed reports an operation on a shut-down server.
	ErrServerClosed = errors.New("tabletdb/server: server closed")

	// ErrBufferTooLarge reports a packed cell buffer over the
	// allocator gate.
	ErrBufferTooLarge = errors.New("tabletdb/server: cell buffer exceeds max size")
)

// TableNotLoadedError reports an apply or scan against a table this
// server does not host.
type TableNotLoadedError struct {
	Table string
}

func (e *TableNotLoadedError) Error() string {
	return fmt.Sprintf("tabletdb/server: table %q not loaded", e.Table)
}

// TabletNotLoadedError reports a row outside every hosted tablet of a
// loaded table.
type TabletNotLoadedError struct {
	Table string
	Row   string
}

func (e *TabletNotLoadedError) Error() string {
	return fmt.Sprintf("tabletdb/server: no tablet of %q hosts row %q", e.Table, e.Row)
}

// MutationConflictError reports a failed optimistic commit check.
type MutationConflictError struct {
	Table        string
	Row          string
	LastCommit   int64
	CommitMaxTxn int64
}

func (e *MutationConflictError) Error() string {
	return fmt.Sprintf(
		"tabletdb/server: mutation conflict on %s row %q: last commit %d > max %d",
		e.Table, e.Row, e.LastCommit, e.CommitMaxTxn)
}

// IsMutationConflict reports whether err is a MutationConflictError.
func IsMutationConflict(err error) bool {
	var e *MutationConflictError
	return errors.As(err, &e)
}

// IsTableNotLoaded reports whether err is a TableNotLoadedError.
func IsTableNotLoaded(err error) bool {
	var e *TableNotLoadedError
	return errors.As(err, &e)
}
