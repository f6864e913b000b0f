// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/ratelimit"

	"tabletdb/engine/fragment"
	"tabletdb/engine/fs"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/log"
)

// Compaction policy constants. Any constants here keep scans correct;
// they only shape when merges happen.
const (
	maxChainLength = 4
	sizeRatio      = 10

	compactWriteRate = 32 << 20 // bytes/sec written by the compactor
	cancelCheckEvery = 1024     // cells between cancellation polls
)

// CompactionList selects a suffix of one tablet's fragment chain for
// merging.
type CompactionList struct {
	Tablet *tablet.Tablet
	Frags  []*fragment.Fragment
	Tail   bool // the run reaches the chain's oldest fragment
}

// FragDag tracks which tablets reference which fragments. Guarded by
// the compactor's dagMu.
type FragDag struct {
	tablets map[*tablet.Tablet]bool
}

// NewFragDag returns an empty graph.
func NewFragDag() *FragDag {
	return &FragDag{tablets: make(map[*tablet.Tablet]bool)}
}

func (d *FragDag) addTablet(t *tablet.Tablet)    { d.tablets[t] = true }
func (d *FragDag) removeTablet(t *tablet.Tablet) { delete(d.tablets, t) }

// fragmentInUse reports whether any registered tablet's chain still
// references f.
func (d *FragDag) fragmentInUse(f *fragment.Fragment) bool {
	for t := range d.tablets {
		for _, x := range t.Chain() {
			if x == f {
				return true
			}
		}
	}
	return false
}

// choose builds a compaction candidate per tablet whose chain is too
// long or whose adjacent generations are imbalanced.
func (d *FragDag) choose() []CompactionList {
	var lists []CompactionList
	for t := range d.tablets {
		if t.State() != tablet.StateActive {
			continue
		}
		chain := t.Chain()
		if len(chain) < 2 {
			continue
		}
		start := -1
		if len(chain) > maxChainLength {
			start = 0
		} else {
			// A newer fragment within a ratio of its older neighbor
			// means the generations have lost their size taper.
			for i := 0; i+1 < len(chain); i++ {
				if chain[i].DataSize()*sizeRatio >= chain[i+1].DataSize() {
					start = i
					break
				}
			}
		}
		if start < 0 || len(chain)-start < 2 {
			continue
		}
		lists = append(lists, CompactionList{
			Tablet: t,
			Frags:  chain[start:],
			Tail:   true,
		})
	}
	return lists
}

// compactionJob is one or more coalesced lists sharing fragments.
type compactionJob struct {
	lists []CompactionList
	frags []*fragment.Fragment // merge inputs, newest first
}

// coalesce merges lists that share fragments (tablets split from a
// common parent share chain suffixes) into single jobs.
func coalesce(lists []CompactionList) []*compactionJob {
	var jobs []*compactionJob
	for _, l := range lists {
		var owner *compactionJob
		for _, j := range jobs {
			if sharesFragment(j.frags, l.Frags) {
				owner = j
				break
			}
		}
		if owner == nil {
			owner = &compactionJob{}
			jobs = append(jobs, owner)
		}
		owner.lists = append(owner.lists, l)
		for _, f := range l.Frags {
			if !containsFragment(owner.frags, f) {
				owner.frags = append(owner.frags, f)
			}
		}
	}
	return jobs
}

func sharesFragment(a, b []*fragment.Fragment) bool {
	for _, f := range b {
		if containsFragment(a, f) {
			return true
		}
	}
	return false
}

func containsFragment(list []*fragment.Fragment, f *fragment.Fragment) bool {
	for _, x := range list {
		if x == f {
			return true
		}
	}
	return false
}

// rowInJob reports whether row belongs to any participating tablet.
func (j *compactionJob) rowInJob(row string) bool {
	for _, l := range j.lists {
		if l.Tablet.Rows().Contains(row) {
			return true
		}
	}
	return false
}

func (j *compactionJob) dropErasures() bool {
	for _, l := range j.lists {
		if !l.Tail {
			return false
		}
	}
	return true
}

// SharedCompactor runs the server's single compaction loop.
type SharedCompactor struct {
	s *TabletServer

	mu       sync.Mutex
	wake     *sync.Cond
	disabled int
	cancel   bool
	done     chan struct{}

	bucket *ratelimit.Bucket

	// dagMu guards the fragment graph. Splices take the server mutex
	// first, then dagMu.
	dagMu sync.Mutex
	dag   *FragDag
}

// NewSharedCompactor starts the compaction loop for s.
func NewSharedCompactor(s *TabletServer) *SharedCompactor {
	c := &SharedCompactor{
		s:    s,
		dag:  NewFragDag(),
		done: make(chan struct{}),
		bucket: ratelimit.NewBucketWithQuantum(
			time.Millisecond*10, compactWriteRate/100, compactWriteRate),
	}
	c.wake = sync.NewCond(&c.mu)
	go c.compactLoop()
	return c
}

// Register adds a tablet to the fragment graph.
func (c *SharedCompactor) Register(t *tablet.Tablet) {
	c.dagMu.Lock()
	c.dag.addTablet(t)
	c.dagMu.Unlock()
	c.Wakeup()
}

// Unregister removes a tablet from the fragment graph.
func (c *SharedCompactor) Unregister(t *tablet.Tablet) {
	c.dagMu.Lock()
	c.dag.removeTablet(t)
	c.dagMu.Unlock()
}

// Wakeup nudges the compaction loop.
func (c *SharedCompactor) Wakeup() {
	c.wake.Broadcast()
}

// Pause disables new compactions until the returned resume function
// is called. Used around tablet split and load.
func (c *SharedCompactor) Pause() (resume func()) {
	c.mu.Lock()
	c.disabled++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.disabled--
			c.mu.Unlock()
			c.wake.Broadcast()
		})
	}
}

// Shutdown cancels the loop. An in-flight merge polls for cancellation
// every cancelCheckEvery emitted cells, not at block boundaries, and
// deletes its partial output when it stops.
func (c *SharedCompactor) Shutdown() {
	c.mu.Lock()
	if c.cancel {
		c.mu.Unlock()
		return
	}
	c.cancel = true
	c.mu.Unlock()
	c.wake.Broadcast()
	<-c.done
}

func (c *SharedCompactor) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

func (c *SharedCompactor) compactLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for c.disabled > 0 && !c.cancel {
			c.wake.Wait()
		}
		if c.cancel {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.dagMu.Lock()
		lists := c.dag.choose()
		c.dagMu.Unlock()

		if len(lists) == 0 {
			c.mu.Lock()
			if !c.cancel {
				c.wake.Wait()
			}
			c.mu.Unlock()
			continue
		}
		for _, job := range coalesce(lists) {
			if c.cancelled() {
				return
			}
			if err := c.compact(job); err != nil {
				// Compaction errors abort the job, not the server.
				log.Error("[compactor] job failed: %v", err)
			}
		}
	}
}

// compact merges a job's fragments into one new fragment and splices
// every participating chain.
func (c *SharedCompactor) compact(job *compactionJob) error {
	primary := job.lists[0].Tablet
	tableName := primary.Table()
	log.Info("[compactor] merging %d fragments for %s (%d tablets)",
		len(job.frags), tableName, len(job.lists))

	var inputs []iterator.Iterator
	for _, f := range job.frags {
		inputs = append(inputs, f.Scan(scanpred.All()))
	}
	merged := iterator.NewErasureFilter(iterator.NewMerged(inputs), job.dropErasures())

	out, path, err := c.s.bits.FragmentMaker.DataFile(tableName)
	if err != nil {
		return errors.Trace(err)
	}
	tbl := c.s.FindTable(tableName)
	if tbl == nil {
		out.Close()
		fs.Remove(path)
		return &TableNotLoadedError{Table: tableName}
	}
	w := fragment.NewWriter(out, path, tbl.Schema().BlockSize)

	abort := func() {
		out.Close()
		fs.Remove(path)
	}

	n := 0
	for merged.Next() {
		x := merged.Cell()
		if !job.rowInJob(x.Row) {
			continue
		}
		if err := x.Emit(w); err != nil {
			abort()
			return errors.Trace(err)
		}
		c.bucket.Wait(int64(len(x.Row) + len(x.Column) + len(x.Value)))
		n++
		if n%cancelCheckEvery == 0 && c.cancelled() {
			abort()
			return errors.New("compaction cancelled")
		}
	}
	if err := merged.Error(); err != nil {
		abort()
		return errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		fs.Remove(path)
		return errors.Trace(err)
	}

	newFrag, err := fragment.Open(path, c.s.bits.BlockCache)
	if err != nil {
		fs.Remove(path)
		return errors.Trace(err)
	}

	// Splice under server mutex then dagMu, in that order.
	c.s.mu.Lock()
	c.dagMu.Lock()
	for _, l := range job.lists {
		if !l.Tablet.SpliceChain(l.Frags, newFrag) {
			log.Warn("[compactor] chain changed under %v; skipping splice",
				l.Tablet.Name())
			continue
		}
		c.s.gc.AddRef(newFrag)
		for _, f := range l.Frags {
			c.s.gc.Release(f)
		}
	}
	var retired []*fragment.Fragment
	for _, f := range job.frags {
		if !c.dag.fragmentInUse(f) {
			retired = append(retired, f)
		}
	}
	c.dagMu.Unlock()
	c.s.mu.Unlock()

	for _, f := range retired {
		c.s.gc.Retire(f)
	}

	// Persist the new chains.
	for _, l := range job.lists {
		cfg := l.Tablet.Config()
		if err := c.s.bits.ConfigWriter.SaveConfig(tableName, cfg); err != nil {
			return errors.Trace(err)
		}
	}
	if err := c.s.bits.ConfigWriter.Sync(); err != nil {
		return errors.Trace(err)
	}
	log.Info("[compactor] wrote %s (%d cells)", path, n)
	return nil
}
