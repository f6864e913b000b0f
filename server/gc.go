// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"sync"

	"tabletdb/engine/fragment"
	"tabletdb/engine/fs"
	"tabletdb/util/log"
)

// LocalFragmentGc reference-counts open fragments. Chains and active
// readers hold references; when the count reaches zero after the
// fragment has been retired, the file is closed and removed.
type LocalFragmentGc struct {
	mu      sync.Mutex
	refs    map[*fragment.Fragment]int
	retired map[*fragment.Fragment]bool
}

// NewLocalFragmentGc returns an empty tracker.
func NewLocalFragmentGc() *LocalFragmentGc {
	return &LocalFragmentGc{
		refs:    make(map[*fragment.Fragment]int),
		retired: make(map[*fragment.Fragment]bool),
	}
}

// AddRef takes a reference on f.
func (g *LocalFragmentGc) AddRef(f *fragment.Fragment) {
	g.mu.Lock()
	g.refs[f]++
	g.mu.Unlock()
}

// Release drops a reference, collecting the fragment if it was
// retired and this was the last reference.
func (g *LocalFragmentGc) Release(f *fragment.Fragment) {
	g.mu.Lock()
	g.refs[f]--
	collect := g.refs[f] <= 0 && g.retired[f]
	if collect {
		delete(g.refs, f)
		delete(g.retired, f)
	}
	g.mu.Unlock()
	if collect {
		g.collect(f)
	}
}

// Retire marks f unreferenced by any chain; once readers drain, the
// file is deleted.
func (g *LocalFragmentGc) Retire(f *fragment.Fragment) {
	g.mu.Lock()
	g.retired[f] = true
	collect := g.refs[f] <= 0
	if collect {
		delete(g.refs, f)
		delete(g.retired, f)
	}
	g.mu.Unlock()
	if collect {
		g.collect(f)
	}
}

func (g *LocalFragmentGc) collect(f *fragment.Fragment) {
	path := f.Path()
	if err := f.Close(); err != nil {
		log.Warn("[gc] close fragment %s: %v", path, err)
	}
	if err := fs.Remove(path); err != nil {
		log.Warn("[gc] remove fragment %s: %v", path, err)
		return
	}
	log.Info("[gc] removed fragment %s", path)
}
