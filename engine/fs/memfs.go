// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fs

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// In-memory filesystem keyed by name, used by tests and tooling.
// Each Create replaces the named file wholesale; open files hold a
// snapshot of the bytes at open time.

var memMu sync.Mutex
var memFiles = map[string][]byte{}

func memCreate(name string) WriteFile {
	return &memWriter{name: name}
}

func memOpen(name string) (File, error) {
	memMu.Lock()
	data, ok := memFiles[name]
	memMu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memReader{r: bytes.NewReader(data), size: int64(len(data))}, nil
}

func memRemove(name string) {
	memMu.Lock()
	delete(memFiles, name)
	memMu.Unlock()
}

// MemReset clears the in-memory filesystem.
func MemReset() {
	memMu.Lock()
	memFiles = map[string][]byte{}
	memMu.Unlock()
}

type memWriter struct {
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Sync() error {
	w.publish()
	return nil
}

func (w *memWriter) Close() error {
	w.publish()
	return nil
}

func (w *memWriter) publish() {
	memMu.Lock()
	memFiles[w.name] = append([]byte(nil), w.buf.Bytes()...)
	memMu.Unlock()
}

type memReader struct {
	r    *bytes.Reader
	size int64
}

func (r *memReader) Read(p []byte) (int, error)                { return r.r.Read(p) }
func (r *memReader) ReadAt(p []byte, off int64) (int, error)   { return r.r.ReadAt(p, off) }
func (r *memReader) Seek(off int64, whence int) (int64, error) { return r.r.Seek(off, whence) }
func (r *memReader) Close() error                              { return nil }
func (r *memReader) Size() (int64, error)                      { return r.size, nil }

var _ io.ReaderAt = (*memReader)(nil)
