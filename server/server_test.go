// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"os"
	"path/filepath"
	"testing"

	"tabletdb/engine/cell"
	"tabletdb/engine/scanpred"
	"tabletdb/engine/tablet"
	"tabletdb/util/assert"
	"tabletdb/util/interval"
)

type testSchemaReader struct{}

func (testSchemaReader) ReadSchema(table string) (*tablet.Schema, error) {
	return &tablet.Schema{Name: table, BlockSize: 128}, nil
}

func newTestServer(t *testing.T, root string) *TabletServer {
	t.Helper()
	mgr := tablet.NewFixedConfigManager(root)
	s, err := NewTabletServer(Bits{
		SchemaReader:  testSchemaReader{},
		ConfigReader:  mgr,
		ConfigWriter:  mgr,
		FragmentMaker: mgr,
		LogDir:        filepath.Join(root, "log"),
		Location:      "test-host:0",
		MemTableSize:  1 << 20,
	})
	assert.Nil(t, err)
	return s
}

func loadTestTablet(t *testing.T, s *TabletServer, table string) {
	t.Helper()
	name := tablet.NewName(table, interval.MaxPoint()).Encode()
	ch := make(chan error, 1)
	s.LoadAsync([]string{name}, func(err error) { ch <- err })
	assert.Nil(t, <-ch)
}

func packed(t *testing.T, cells ...cell.Cell) []byte {
	t.Helper()
	buf, err := cell.Pack(cells)
	assert.Nil(t, err)
	return buf.Packed()
}

func scanAll(t *testing.T, s *TabletServer, table string) []string {
	t.Helper()
	sc, err := s.Scan(table, scanpred.All())
	assert.Nil(t, err)
	defer sc.Close()
	var got []string
	for sc.Next() {
		got = append(got, sc.Cell().String())
	}
	assert.Nil(t, sc.Error())
	return got
}

func TestApplyAndScan(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	defer s.Close()
	loadTestTablet(t, s, "users")

	txn, err := s.Apply("users", packed(t,
		cell.Cell{Row: "alice", Column: "f:name", Timestamp: 1, Value: []byte("Alice")},
		cell.Cell{Row: "bob", Column: "f:name", Timestamp: 1, Value: []byte("Bob")},
	), MaxTxn, true)
	assert.Nil(t, err)
	assert.Equal(t, txn, int64(1))

	assert.Equal(t, scanAll(t, s, "users"), []string{
		"(alice,f:name,1,Alice)",
		"(bob,f:name,1,Bob)",
	})
}

func TestApplyUnknownTable(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	defer s.Close()
	_, err := s.Apply("nope", packed(t,
		cell.Cell{Row: "r", Column: "c", Timestamp: 1, Value: []byte("v")},
	), MaxTxn, false)
	if !IsTableNotLoaded(err) {
		t.Fatalf("expected TableNotLoadedError, got %v", err)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	defer s.Close()
	loadTestTablet(t, s, "users")

	mk := func(ts int64) []byte {
		return packed(t, cell.Cell{
			Row: "r", Column: "c", Timestamp: ts, Value: []byte("v")})
	}

	// Unconditional applies to the same row both succeed.
	t1, err := s.Apply("users", mk(1), MaxTxn, false)
	assert.Nil(t, err)
	t2, err := s.Apply("users", mk(2), MaxTxn, false)
	assert.Nil(t, err)
	assert.True(t, t2 > t1)

	_, err = s.Sync(t2)
	assert.Nil(t, err)
	assert.Equal(t, scanAll(t, s, "users"), []string{"(r,c,2,v)", "(r,c,1,v)"})

	// With commitMaxTxn pinned to the pre-apply commit, the row has
	// moved on and the mutation must conflict.
	_, err = s.Apply("users", mk(3), t1, false)
	if !IsMutationConflict(err) {
		t.Fatalf("expected MutationConflictError, got %v", err)
	}

	// Pinning to the current last commit succeeds.
	_, err = s.Apply("users", mk(3), t2, false)
	assert.Nil(t, err)
}

func TestSyncSemantics(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	defer s.Close()
	loadTestTablet(t, s, "users")

	txn, err := s.Apply("users", packed(t,
		cell.Cell{Row: "r", Column: "c", Timestamp: 1, Value: []byte("v")},
	), MaxTxn, false)
	assert.Nil(t, err)

	// Waiting past the last assigned commit waits for the last
	// commit instead.
	syncTxn, err := s.Sync(txn + 100)
	assert.Nil(t, err)
	assert.Equal(t, syncTxn, txn)
	assert.True(t, s.Txn().LastDurable() >= txn)
}

func TestDurableRestartReplay(t *testing.T) {
	root := t.TempDir()

	s1 := newTestServer(t, root)
	loadTestTablet(t, s1, "users")
	_, err := s1.Apply("users", packed(t,
		cell.Cell{Row: "alice", Column: "f:name", Timestamp: 7, Value: []byte("Alice")},
	), MaxTxn, true)
	assert.Nil(t, err)
	assert.Nil(t, s1.Close())

	// A fresh server over the same root replays the log during load.
	s2 := newTestServer(t, root)
	defer s2.Close()
	loadTestTablet(t, s2, "users")
	assert.Equal(t, scanAll(t, s2, "users"), []string{"(alice,f:name,7,Alice)"})

	// Replay advances the txn counter past recovered commits.
	assert.True(t, s2.Txn().LastCommit() >= 1)
}

func TestSerializeToFragment(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root)
	defer s.Close()
	loadTestTablet(t, s, "users")

	_, err := s.Apply("users", packed(t,
		cell.Cell{Row: "a", Column: "c", Timestamp: 1, Value: []byte("v1")},
		cell.Cell{Row: "b", Column: "c", Timestamp: 2, Value: []byte("v2")},
	), MaxTxn, true)
	assert.Nil(t, err)

	tbl := s.FindTable("users")
	tb := tbl.Tablets()[0]
	assert.Nil(t, s.serializeTablet(tbl, tb))

	assert.Equal(t, len(tb.Chain()), 1)
	assert.Equal(t, tb.Mem().Len(), 0)
	assert.Equal(t, scanAll(t, s, "users"), []string{"(a,c,1,v1)", "(b,c,2,v2)"})

	// The chain is persisted in the table's state file.
	mgr := tablet.NewFixedConfigManager(root)
	cfgs, err := mgr.LoadConfigs("users")
	assert.Nil(t, err)
	assert.Equal(t, len(cfgs[0].TableURIs), 1)
}

func TestCompactionMergesChain(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root)
	defer s.Close()
	loadTestTablet(t, s, "users")

	// Keep the background loop out of the way; this test drives the
	// compaction itself.
	resume := s.compactor.Pause()
	defer resume()

	tbl := s.FindTable("users")
	tb := tbl.Tablets()[0]

	flush := func(cells ...cell.Cell) {
		_, err := s.Apply("users", packed(t, cells...), MaxTxn, true)
		assert.Nil(t, err)
		assert.Nil(t, s.serializeTablet(tbl, tb))
	}

	// Oldest fragment: a value that will be shadowed by an erasure.
	flush(
		cell.Cell{Row: "dead", Column: "c", Timestamp: 10, Value: []byte("gone")},
		cell.Cell{Row: "live", Column: "c", Timestamp: 10, Value: []byte("keep")},
	)
	// Newer fragment: the erasure plus an update.
	flush(
		cell.Cell{Row: "dead", Column: "c", Timestamp: 20, Erasure: true},
		cell.Cell{Row: "live", Column: "c", Timestamp: 20, Value: []byte("keep2")},
	)
	assert.Equal(t, len(tb.Chain()), 2)
	oldPaths := []string{tb.Chain()[0].Path(), tb.Chain()[1].Path()}

	job := &compactionJob{
		lists: []CompactionList{{Tablet: tb, Frags: tb.Chain(), Tail: true}},
		frags: tb.Chain(),
	}
	assert.Nil(t, s.compactor.compact(job))

	// One merged fragment; the erasure and everything it shadowed
	// are gone, both versions of the live row survive.
	assert.Equal(t, len(tb.Chain()), 1)
	assert.Equal(t, scanAll(t, s, "users"), []string{
		"(live,c,20,keep2)",
		"(live,c,10,keep)",
	})

	// The old fragment files were collected.
	for _, p := range oldPaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, err=%v", p, err)
		}
	}
}

func TestUnloadFlushesAndForgets(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root)
	defer s.Close()
	loadTestTablet(t, s, "users")

	_, err := s.Apply("users", packed(t,
		cell.Cell{Row: "a", Column: "c", Timestamp: 1, Value: []byte("v")},
	), MaxTxn, true)
	assert.Nil(t, err)

	name := tablet.NewName("users", interval.MaxPoint()).Encode()
	ch := make(chan error, 1)
	s.UnloadAsync([]string{name}, func(err error) { ch <- err })
	assert.Nil(t, <-ch)

	if s.FindTable("users") != nil {
		t.Fatal("table should be forgotten after unload")
	}
	_, err = s.Apply("users", packed(t,
		cell.Cell{Row: "a", Column: "c", Timestamp: 2, Value: []byte("v")},
	), MaxTxn, false)
	if !IsTableNotLoaded(err) {
		t.Fatalf("expected TableNotLoadedError, got %v", err)
	}

	// Reload sees the flushed fragment.
	loadTestTablet(t, s, "users")
	assert.Equal(t, scanAll(t, s, "users"), []string{"(a,c,1,v)"})
}

func TestBufferGate(t *testing.T) {
	root := t.TempDir()
	mgr := tablet.NewFixedConfigManager(root)
	s, err := NewTabletServer(Bits{
		SchemaReader:  testSchemaReader{},
		ConfigReader:  mgr,
		ConfigWriter:  mgr,
		FragmentMaker: mgr,
		LogDir:        filepath.Join(root, "log"),
		MaxBufferSize: 16,
	})
	assert.Nil(t, err)
	defer s.Close()
	loadTestTablet(t, s, "users")

	_, err = s.Apply("users", packed(t, cell.Cell{
		Row: "r", Column: "c", Timestamp: 1,
		Value: []byte("a long value that exceeds the tiny gate"),
	}), MaxTxn, false)
	assert.Equal(t, err, ErrBufferTooLarge)
}
