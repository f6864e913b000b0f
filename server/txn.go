// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"math"
	"sync"
)

// MaxTxn disables the optimistic commit check: a mutation with
// commitMaxTxn == MaxTxn is applied unconditionally.
const MaxTxn = int64(math.MaxInt64)

// TransactionCounter tracks the monotone commit number and the
// durable horizon behind it.
type TransactionCounter struct {
	mu          sync.Mutex
	lastCommit  int64
	lastDurable int64
}

// Advance assigns and returns the next commit txn.
func (c *TransactionCounter) Advance() int64 {
	c.mu.Lock()
	c.lastCommit++
	n := c.lastCommit
	c.mu.Unlock()
	return n
}

// AdvanceDurable raises the durable horizon to txn. The horizon never
// moves backwards and never passes lastCommit.
func (c *TransactionCounter) AdvanceDurable(txn int64) {
	c.mu.Lock()
	if txn > c.lastDurable && txn <= c.lastCommit {
		c.lastDurable = txn
	}
	c.mu.Unlock()
}

// AdvanceTo raises both counters to at least txn, used when log
// replay recovers already-durable commits.
func (c *TransactionCounter) AdvanceTo(txn int64) {
	c.mu.Lock()
	if txn > c.lastCommit {
		c.lastCommit = txn
	}
	if txn > c.lastDurable {
		c.lastDurable = txn
	}
	c.mu.Unlock()
}

// LastCommit returns the most recently assigned commit txn.
func (c *TransactionCounter) LastCommit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommit
}

// LastDurable returns the durable horizon.
func (c *TransactionCounter) LastDurable() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDurable
}
