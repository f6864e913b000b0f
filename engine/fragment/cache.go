// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fragment

import (
	"github.com/syndtr/goleveldb/leveldb/cache"
)

// BlockCache caches verified cell block payloads across fragments,
// keyed by (fragment id, block offset).
type BlockCache struct {
	c *cache.Cache
}

// NewBlockCache returns a cache holding up to capacity bytes of block
// payloads.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{c: cache.NewCache(cache.NewLRU(capacity))}
}

func (bc *BlockCache) get(ns, key uint64, load func() ([]byte, error)) ([]byte, error) {
	var loadErr error
	h := bc.c.Get(ns, key, func() (int, cache.Value) {
		payload, err := load()
		if err != nil {
			loadErr = err
			return 0, nil
		}
		return cap(payload), payload
	})
	if h == nil {
		if loadErr != nil {
			return nil, loadErr
		}
		return load()
	}
	payload, ok := h.Value().([]byte)
	h.Release()
	if !ok {
		// A failed fill leaves a nil value behind.
		if loadErr != nil {
			return nil, loadErr
		}
		return load()
	}
	return payload, nil
}

// EvictFragment drops every cached block of the given fragment.
func (bc *BlockCache) EvictFragment(id uint64) {
	bc.c.EvictNS(id)
}
