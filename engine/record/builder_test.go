// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package record

import (
	"encoding/binary"
	"testing"

	"tabletdb/util/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	var b [HeaderLen]byte
	PutHeader(b[:], Header{Type: 0x42436443, Version: 7, Length: 1234})
	h := ParseHeader(b[:])
	assert.Equal(t, h, Header{Type: 0x42436443, Version: 7, Length: 1234})
}

func TestFixupsResolve(t *testing.T) {
	b := NewBuilder(1, 0)
	sub := b.Subblock(4)
	sub.AppendU32(0xdeadbeef)
	strOff := sub.Size()
	sub.AppendU32(3)
	sub.AppendString("abc")

	base := b.Base()
	base.AppendOffset(sub, strOff)
	base.AppendU32(0x11111111)

	rec := b.Finish()
	h := ParseHeader(rec)
	assert.Equal(t, h.Type, uint32(1))

	payload := rec[HeaderLen : HeaderLen+int(h.Length)]
	// Base is 8 bytes; the subblock follows at its 4-byte alignment.
	ref := binary.LittleEndian.Uint32(payload[0:])
	assert.Equal(t, ref, uint32(8+strOff))
	n := binary.LittleEndian.Uint32(payload[ref:])
	assert.Equal(t, n, uint32(3))
	assert.Equal(t, string(payload[ref+4:ref+7]), "abc")

	// Records are padded to 8-byte alignment.
	if len(rec)%8 != 0 {
		t.Fatalf("record length %d not 8-byte aligned", len(rec))
	}
}

func TestNullOffset(t *testing.T) {
	b := NewBuilder(2, 0)
	b.Base().AppendNullOffset()
	rec := b.Finish()
	assert.Equal(t, binary.LittleEndian.Uint32(rec[HeaderLen:]), uint32(0))
}

func TestStringPoolDedup(t *testing.T) {
	b := NewBuilder(3, 0)
	pool := NewStringPool(b)
	o1 := pool.Offset("row")
	o2 := pool.Offset("col")
	o3 := pool.Offset("row")
	assert.Equal(t, o1, o3)
	if o1 == o2 {
		t.Fatal("distinct strings should have distinct offsets")
	}

	base := b.Base()
	base.AppendOffset(pool.Block(), o2)
	rec := b.Finish()
	h := ParseHeader(rec)
	payload := rec[HeaderLen : HeaderLen+int(h.Length)]
	ref := binary.LittleEndian.Uint32(payload[0:])
	n := binary.LittleEndian.Uint32(payload[ref:])
	assert.Equal(t, n, uint32(3))
	assert.Equal(t, string(payload[ref+4:ref+7]), "col")
}
