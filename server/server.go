// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package server implements the tablet server: the asynchronous
// apply/sync write path over a write-ahead log, tablet load/unload,
// mem buffer serialization, and the shared compactor.
package server

import (
	"sync"
	"time"

	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/engine/fragment"
	"tabletdb/engine/fs"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/interval"
	"tabletdb/util/log"
	"tabletdb/util/metrics"
)

// FragmentMaker creates uniquely named fragment files for a table.
type FragmentMaker interface {
	DataFile(table string) (fs.WriteFile, string, error)
}

// Bits wires the server to its external collaborators.
type Bits struct {
	SchemaReader  tablet.SchemaReader
	ConfigReader  tablet.ConfigReader
	ConfigWriter  tablet.ConfigWriter
	FragmentMaker FragmentMaker

	LogDir   string
	Location string

	MaxBufferSize int // apply payload gate
	MemTableSize  int // serialize threshold
	BlockCache    *fragment.BlockCache
	Workers       int
}

const (
	defaultMaxBufferSize = 512 << 20
	defaultMemTableSize  = 4 << 20
	defaultWorkers       = 4
	logBatchMax          = 128
)

type commitRec struct {
	table string
	txn   int64
	cells *cell.Buffer
}

// syncQueue is an unbounded FIFO between appliers and the log loop.
// Pushes never block, so commits enqueue in txn order while the
// server mutex is held.
type syncQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []commitRec
	closed bool
}

func newSyncQueue() *syncQueue {
	q := &syncQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *syncQueue) push(c commitRec) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.cond.Signal()
}

// popBatch blocks until items are available or the queue closes.
func (q *syncQueue) popBatch(max int) ([]commitRec, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	n := len(q.items)
	if n > max {
		n = max
	}
	batch := append([]commitRec(nil), q.items[:n]...)
	q.items = q.items[n:]
	return batch, true
}

func (q *syncQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type syncWaiter struct {
	target int64
	cb     func(int64, error)
}

// TabletServer hosts tablets and drives the write path.
type TabletServer struct {
	bits Bits

	mu         sync.Mutex // the server mutex
	tables     map[string]*Table
	txn        TransactionCounter
	rowCommits map[string]map[string]int64
	pending    map[int64]struct{}
	waiters    []syncWaiter
	failed     error

	logQueue  *syncQueue
	logWriter *LogWriter
	logDone   chan struct{}

	pool      *workerPool
	gc        *LocalFragmentGc
	compactor *SharedCompactor
	meter     *metrics.Meter

	wakeSer  chan struct{}
	serDone  chan struct{}
	closed   chan struct{}
	closeOne sync.Once
}

// NewTabletServer starts a server from bits. The log loop, serializer
// and compactor run until Close.
func NewTabletServer(bits Bits) (*TabletServer, error) {
	if bits.MaxBufferSize == 0 {
		bits.MaxBufferSize = defaultMaxBufferSize
	}
	if bits.MemTableSize == 0 {
		bits.MemTableSize = defaultMemTableSize
	}
	if bits.Workers == 0 {
		bits.Workers = defaultWorkers
	}
	lw, err := NewLogWriter(bits.LogDir)
	if err != nil {
		return nil, errors.Annotatef(err, "open log writer")
	}
	s := &TabletServer{
		bits:       bits,
		tables:     make(map[string]*Table),
		rowCommits: make(map[string]map[string]int64),
		pending:    make(map[int64]struct{}),
		logQueue:   newSyncQueue(),
		logWriter:  lw,
		logDone:    make(chan struct{}),
		pool:       newWorkerPool(bits.Workers),
		gc:         NewLocalFragmentGc(),
		wakeSer:    make(chan struct{}, 1),
		serDone:    make(chan struct{}),
		closed:     make(chan struct{}),
		meter:      metrics.NewMeter("tablet-server", metrics.LogOutput{}),
	}
	s.compactor = NewSharedCompactor(s)
	go s.logLoop()
	go s.serializerLoop()
	return s, nil
}

// Location returns the server's advertised location.
func (s *TabletServer) Location() string { return s.bits.Location }

// LogDir returns the server's log directory.
func (s *TabletServer) LogDir() string { return s.bits.LogDir }

// Compactor returns the shared compactor.
func (s *TabletServer) Compactor() *SharedCompactor { return s.compactor }

// Txn returns the transaction counter.
func (s *TabletServer) Txn() *TransactionCounter { return &s.txn }

// ApplyAsync applies a packed cell buffer to tableName. The cells are
// applied only if no touched row has been modified more recently than
// commitMaxTxn; MaxTxn applies unconditionally. cb receives the
// commit txn, after durability when waitForSync is set. The server
// owns cb until exactly one invocation.
func (s *TabletServer) ApplyAsync(tableName string, packed []byte,
	commitMaxTxn int64, waitForSync bool, cb func(int64, error)) {

	start := time.Now()
	nCells := 0
	inner := cb
	cb = func(txn int64, err error) {
		s.meter.AddApply(nCells, len(packed), time.Since(start),
			IsMutationConflict(err), err != nil && !IsMutationConflict(err))
		inner(txn, err)
	}
	fail := func(err error) { s.pool.submit(func() { cb(0, err) }) }

	if len(packed) > s.bits.MaxBufferSize {
		fail(ErrBufferTooLarge)
		return
	}
	buf, err := cell.Unpack(packed)
	if err != nil {
		fail(errors.Trace(err))
		return
	}
	nCells = len(buf.Cells())

	s.mu.Lock()
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		fail(err)
		return
	}
	tbl, ok := s.tables[tableName]
	if !ok {
		s.mu.Unlock()
		fail(&TableNotLoadedError{Table: tableName})
		return
	}

	rows := buf.Rows()
	// The whole buffer is atomic: validate every row before touching
	// any mem buffer.
	for _, row := range rows {
		tb := tbl.FindTablet(row)
		if tb == nil || !tb.AcceptsApply() {
			s.mu.Unlock()
			fail(&TabletNotLoadedError{Table: tableName, Row: row})
			return
		}
	}
	if commitMaxTxn != MaxTxn {
		for _, row := range rows {
			if last := s.rowCommits[tableName][row]; last > commitMaxTxn {
				s.mu.Unlock()
				fail(&MutationConflictError{
					Table: tableName, Row: row,
					LastCommit: last, CommitMaxTxn: commitMaxTxn,
				})
				return
			}
		}
	}

	txn := s.txn.Advance()
	rc := s.rowCommits[tableName]
	if rc == nil {
		rc = make(map[string]int64)
		s.rowCommits[tableName] = rc
	}
	for _, row := range rows {
		rc[row] = txn
	}
	for _, c := range buf.Cells() {
		tb := tbl.FindTablet(c.Row)
		tb.Mem().Insert(c)
	}
	s.pending[txn] = struct{}{}
	if waitForSync {
		s.waiters = append(s.waiters, syncWaiter{target: txn, cb: cb})
	}
	s.logQueue.push(commitRec{table: tableName, txn: txn, cells: buf})
	s.mu.Unlock()

	if !waitForSync {
		s.pool.submit(func() { cb(txn, nil) })
	}
	s.wakeSerializer()
}

// SyncAsync waits until waitForTxn is durable. A target beyond the
// last assigned commit waits for the last commit instead.
func (s *TabletServer) SyncAsync(waitForTxn int64, cb func(int64, error)) {
	s.mu.Lock()
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		s.pool.submit(func() { cb(0, err) })
		return
	}
	target := waitForTxn
	if last := s.txn.LastCommit(); target > last {
		target = last
	}
	if target <= s.txn.LastDurable() {
		s.mu.Unlock()
		s.pool.submit(func() { cb(target, nil) })
		return
	}
	s.waiters = append(s.waiters, syncWaiter{target: target, cb: cb})
	s.mu.Unlock()
}

// Apply is the synchronous form of ApplyAsync.
func (s *TabletServer) Apply(tableName string, packed []byte,
	commitMaxTxn int64, waitForSync bool) (int64, error) {

	type result struct {
		txn int64
		err error
	}
	ch := make(chan result, 1)
	s.ApplyAsync(tableName, packed, commitMaxTxn, waitForSync,
		func(txn int64, err error) { ch <- result{txn, err} })
	r := <-ch
	return r.txn, r.err
}

// Sync is the synchronous form of SyncAsync.
func (s *TabletServer) Sync(waitForTxn int64) (int64, error) {
	type result struct {
		txn int64
		err error
	}
	ch := make(chan result, 1)
	s.SyncAsync(waitForTxn, func(txn int64, err error) { ch <- result{txn, err} })
	r := <-ch
	return r.txn, r.err
}

// logLoop is the single thread owning the log writer: it batches
// commits, makes them durable, and releases sync waiters.
func (s *TabletServer) logLoop() {
	defer close(s.logDone)
	for {
		batch, ok := s.logQueue.popBatch(logBatchMax)
		if !ok {
			return
		}
		var werr error
		for _, c := range batch {
			if werr = s.logWriter.Append(c.table, c.txn, c.cells.Packed()); werr != nil {
				break
			}
		}
		if werr == nil {
			werr = s.logWriter.Sync()
		}
		if werr != nil {
			log.Error("[log] write failed, shutting down: %v", werr)
			s.failAll(errors.Annotatef(werr, "log write"))
			return
		}

		s.mu.Lock()
		for _, c := range batch {
			s.txn.AdvanceDurable(c.txn)
			delete(s.pending, c.txn)
		}
		durable := s.txn.LastDurable()
		var fire []syncWaiter
		var keep []syncWaiter
		for _, w := range s.waiters {
			if w.target <= durable {
				fire = append(fire, w)
			} else {
				keep = append(keep, w)
			}
		}
		s.waiters = keep
		s.mu.Unlock()

		s.meter.AddCommits(len(batch))
		for _, w := range fire {
			w := w
			s.meter.AddSync()
			s.pool.submit(func() { w.cb(w.target, nil) })
		}
	}
}

// failAll marks the server failed and errors every pending waiter.
func (s *TabletServer) failAll(err error) {
	s.mu.Lock()
	s.failed = err
	fire := s.waiters
	s.waiters = nil
	s.pending = make(map[int64]struct{})
	s.mu.Unlock()
	for _, w := range fire {
		w := w
		s.pool.submit(func() { w.cb(0, err) })
	}
	s.closeOne.Do(func() { close(s.closed) })
}

func (s *TabletServer) wakeSerializer() {
	select {
	case s.wakeSer <- struct{}{}:
	default:
	}
}

// serializerLoop flushes over-threshold mem buffers into fragments.
func (s *TabletServer) serializerLoop() {
	defer close(s.serDone)
	for {
		select {
		case <-s.closed:
			return
		case <-s.wakeSer:
		}
		s.mu.Lock()
		type work struct {
			tbl *Table
			tb  *tablet.Tablet
		}
		var pendingWork []work
		for _, tbl := range s.tables {
			for _, tb := range tbl.Tablets() {
				if tb.State() == tablet.StateActive && tb.Mem().Size() >= s.bits.MemTableSize {
					pendingWork = append(pendingWork, work{tbl, tb})
				}
			}
		}
		s.mu.Unlock()
		for _, w := range pendingWork {
			if err := s.serializeTablet(w.tbl, w.tb); err != nil {
				log.Error("[serializer] %v: %v", w.tb.Name(), err)
			}
		}
	}
}

// serializeTablet freezes the tablet's mem buffer, waits for
// durability of everything in it, and writes it as the newest
// fragment in the chain.
func (s *TabletServer) serializeTablet(tbl *Table, tb *tablet.Tablet) error {
	s.mu.Lock()
	target := s.txn.LastCommit()
	frozen := tb.FreezeMem()
	s.mu.Unlock()

	if frozen.Len() == 0 {
		return nil
	}
	if _, err := s.Sync(target); err != nil {
		return errors.Trace(err)
	}

	f, path, err := s.bits.FragmentMaker.DataFile(tbl.Name())
	if err != nil {
		return errors.Trace(err)
	}
	w := fragment.NewWriter(f, path, tbl.Schema().BlockSize)
	if err := frozen.CopyTo(w); err != nil {
		fs.Remove(path)
		return errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		fs.Remove(path)
		return errors.Trace(err)
	}

	frag, err := fragment.Open(path, s.bits.BlockCache)
	if err != nil {
		return errors.Trace(err)
	}
	s.gc.AddRef(frag)
	tb.PushFragment(frag)
	log.Info("[serializer] %v: wrote fragment %s (%d cells)",
		tb.Name(), path, w.CellCount())

	if err := s.bits.ConfigWriter.SaveConfig(tbl.Name(), tb.Config()); err != nil {
		return errors.Trace(err)
	}
	s.compactor.Wakeup()
	return nil
}

// FindTable returns the loaded table, or nil. Callers hold no lock.
func (s *TabletServer) FindTable(tableName string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[tableName]
}

// GetTable returns the loaded table or TableNotLoadedError.
func (s *TabletServer) GetTable(tableName string) (*Table, error) {
	if t := s.FindTable(tableName); t != nil {
		return t, nil
	}
	return nil, &TableNotLoadedError{Table: tableName}
}

// Scanner streams scan results while holding fragment references.
type Scanner struct {
	inner   iterator.Iterator
	release func()
}

// Next advances the scan.
func (sc *Scanner) Next() bool { return sc.inner.Next() }

// Cell returns the current cell.
func (sc *Scanner) Cell() *cell.Cell { return sc.inner.Cell() }

// Error returns the first scan error.
func (sc *Scanner) Error() error { return sc.inner.Error() }

// Close releases the scan's fragment references.
func (sc *Scanner) Close() {
	if sc.release != nil {
		sc.release()
		sc.release = nil
	}
}

// Scan opens a predicate scan over a hosted table. The scanner pins
// the fragment chain against deletion until Close.
func (s *TabletServer) Scan(tableName string, pred *scanpred.Predicate) (*Scanner, error) {
	tbl, err := s.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	var pinned []*fragment.Fragment
	for _, tb := range tbl.Tablets() {
		for _, f := range tb.Chain() {
			s.gc.AddRef(f)
			pinned = append(pinned, f)
		}
	}
	it := tbl.Scan(pred)
	return &Scanner{
		inner: it,
		release: func() {
			for _, f := range pinned {
				s.gc.Release(f)
			}
		},
	}, nil
}

// LoadAsync loads the named tablets; names are encoded tablet names,
// ideally in sorted order.
func (s *TabletServer) LoadAsync(tabletNames []string, cb func(error)) {
	s.pool.submit(func() { cb(s.loadTablets(tabletNames)) })
}

func (s *TabletServer) loadTablets(tabletNames []string) error {
	for _, encoded := range tabletNames {
		if err := s.loadTablet(encoded); err != nil {
			return errors.Annotatef(err, "load tablet %q", encoded)
		}
	}
	return nil
}

func (s *TabletServer) loadTablet(encoded string) error {
	name, err := tablet.DecodeName(encoded)
	if err != nil {
		return errors.Trace(err)
	}
	schema, err := s.bits.SchemaReader.ReadSchema(name.Table)
	if err != nil {
		return errors.Trace(err)
	}
	cfgs, err := s.bits.ConfigReader.LoadConfigs(name.Table)
	if err != nil {
		return errors.Trace(err)
	}
	var cfg *tablet.Config
	for i := range cfgs {
		if interval.Compare(cfgs[i].Rows.Upper, name.LastRow) == 0 {
			cfg = &cfgs[i]
			break
		}
	}
	if cfg == nil {
		return errors.Errorf("no config for tablet %v", name)
	}

	tb := tablet.New(name.Table, cfg.Rows)

	s.mu.Lock()
	tbl := s.tables[name.Table]
	if tbl == nil {
		tbl = NewTable(name.Table, schema)
		s.tables[name.Table] = tbl
	}
	if existing := tbl.FindTabletByName(name); existing != nil {
		s.mu.Unlock()
		log.Warn("[load] tablet %v already loaded", name)
		return nil
	}
	tbl.AddTablet(tb)
	s.mu.Unlock()

	// Open the fragment chain, newest first per the config order.
	var chain []*fragment.Fragment
	for _, uri := range cfg.TableURIs {
		f, err := fragment.Open(uri, s.bits.BlockCache)
		if err != nil {
			// Corruption leaves the tablet parked in LOADING for an
			// administrator rather than silently dropping data.
			log.Error("[load] tablet %v: fragment %s unreadable: %v", name, uri, err)
			return errors.Trace(err)
		}
		s.gc.AddRef(f)
		chain = append(chain, f)
	}
	tb.SetChain(chain)

	if err := tb.SetState(tablet.StateLogReplaying); err != nil {
		return errors.Trace(err)
	}

	// Replay any logged commits covering this tablet's rows.
	player := NewLogPlayer(s.bits.LogDir)
	var maxTxn int64
	err = player.Replay(name.Table, cfg.Rows, func(c ReplayCommit) error {
		for _, cc := range c.Cells.Cells() {
			if cfg.Rows.Contains(cc.Row) {
				tb.Mem().Insert(cc)
			}
		}
		if c.Txn > maxTxn {
			maxTxn = c.Txn
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	if maxTxn > 0 {
		s.mu.Lock()
		s.txn.AdvanceTo(maxTxn)
		s.mu.Unlock()
	}

	if err := tb.SetState(tablet.StateActive); err != nil {
		return errors.Trace(err)
	}
	s.compactor.Register(tb)
	log.Info("[load] tablet %v active (%d fragments, replay to txn %d)",
		name, len(chain), maxTxn)
	return nil
}

// UnloadAsync unloads the named tablets.
func (s *TabletServer) UnloadAsync(tabletNames []string, cb func(error)) {
	s.pool.submit(func() { cb(s.unloadTablets(tabletNames)) })
}

func (s *TabletServer) unloadTablets(tabletNames []string) error {
	for _, encoded := range tabletNames {
		if err := s.unloadTablet(encoded); err != nil {
			return errors.Annotatef(err, "unload tablet %q", encoded)
		}
	}
	return nil
}

func (s *TabletServer) unloadTablet(encoded string) error {
	name, err := tablet.DecodeName(encoded)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	tbl := s.tables[name.Table]
	s.mu.Unlock()
	if tbl == nil {
		return &TableNotLoadedError{Table: name.Table}
	}
	tb := tbl.FindTabletByName(name)
	if tb == nil {
		return &TabletNotLoadedError{Table: name.Table}
	}

	// Refuse new applies, then drain: wait for every commit assigned
	// so far to become durable.
	if err := tb.SetState(tablet.StateUnloading); err != nil {
		return errors.Trace(err)
	}
	s.compactor.Unregister(tb)
	if _, err := s.Sync(s.txn.LastCommit()); err != nil {
		return errors.Trace(err)
	}
	if err := s.serializeTablet(tbl, tb); err != nil {
		return errors.Trace(err)
	}
	if err := s.bits.ConfigWriter.SaveConfig(name.Table, tb.Config()); err != nil {
		return errors.Trace(err)
	}

	s.mu.Lock()
	empty := tbl.RemoveTablet(tb)
	if empty {
		delete(s.tables, name.Table)
		delete(s.rowCommits, name.Table)
	}
	s.mu.Unlock()

	for _, f := range tb.Chain() {
		s.gc.Release(f)
	}
	if err := tb.SetState(tablet.StateUnloaded); err != nil {
		return errors.Trace(err)
	}
	log.Info("[unload] tablet %v unloaded", name)
	return nil
}

// Close shuts the server down: the log queue drains, workers stop,
// and the compactor cancels cooperatively.
func (s *TabletServer) Close() error {
	s.closeOne.Do(func() { close(s.closed) })
	s.logQueue.close()
	<-s.logDone
	<-s.serDone
	s.compactor.Shutdown()
	s.pool.shutdown()
	s.meter.Stop()
	return s.logWriter.Close()
}
