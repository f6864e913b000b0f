// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bufalloc

import "sync"

// Buffer is a reusable byte buffer handed out by the allocator.
type Buffer interface {
	// Alloc extends the buffer by n bytes and returns the new region.
	Alloc(n int) []byte
	// Write appends p.
	Write(p []byte) (int, error)
	// Bytes returns the accumulated bytes.
	Bytes() []byte
	// Len returns the current length.
	Len() int
	// Truncate shrinks the buffer to n bytes.
	Truncate(n int)
	// Reset empties the buffer, keeping capacity.
	Reset()
}

type buffer struct {
	b []byte
}

func (b *buffer) Alloc(n int) []byte {
	ln := len(b.b)
	if ln+n > cap(b.b) {
		grown := make([]byte, ln+n, (ln+n)*2)
		copy(grown, b.b)
		b.b = grown
	} else {
		b.b = b.b[:ln+n]
	}
	return b.b[ln:]
}

func (b *buffer) Write(p []byte) (int, error) {
	copy(b.Alloc(len(p)), p)
	return len(p), nil
}

func (b *buffer) Bytes() []byte  { return b.b }
func (b *buffer) Len() int       { return len(b.b) }
func (b *buffer) Truncate(n int) { b.b = b.b[:n] }
func (b *buffer) Reset()         { b.b = b.b[:0] }

var pool = sync.Pool{
	New: func() interface{} { return &buffer{} },
}

// AllocBuffer returns a buffer with capacity for at least n bytes.
func AllocBuffer(n int) Buffer {
	b := pool.Get().(*buffer)
	if cap(b.b) < n {
		b.b = make([]byte, 0, n)
	} else {
		b.b = b.b[:0]
	}
	return b
}

// FreeBuffer returns buf to the pool.
func FreeBuffer(buf Buffer) {
	if b, ok := buf.(*buffer); ok {
		pool.Put(b)
	}
}
