// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"encoding/binary"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"github.com/juju/errors"

	"tabletdb/engine/cell"
	"tabletdb/util/interval"
	"tabletdb/util/log"
)

// Log record layout (little-endian): u32 compressed length, u32
// adler32 of the compressed payload, then the snappy-compressed
// payload. The payload is u32 table length, table, i64 txn, u32
// buffer length, packed cell buffer.

// LogWriter appends commit records to one log file.
type LogWriter struct {
	f    *os.File
	path string
	err  error
}

// NewLogWriter creates the next log file under logDir.
func NewLogWriter(logDir string) (*LogWriter, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	names, err := listLogFiles(logDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	seq := len(names) + 1
	path := filepath.Join(logDir, logFileName(seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &LogWriter{f: f, path: path}, nil
}

func logFileName(seq int) string {
	return "log_" + pad6(seq) + ".log"
}

func pad6(n int) string {
	const digits = "0123456789"
	b := []byte("000000")
	for i := 5; i >= 0 && n > 0; i-- {
		b[i] = digits[n%10]
		n /= 10
	}
	return string(b)
}

func listLogFiles(logDir string) ([]string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the log file path.
func (w *LogWriter) Path() string { return w.path }

// Append writes one commit record.
func (w *LogWriter) Append(table string, txn int64, packed []byte) error {
	if w.err != nil {
		return w.err
	}
	plain := make([]byte, 0, 4+len(table)+8+4+len(packed))
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(table)))
	plain = append(plain, tmp[:4]...)
	plain = append(plain, table...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(txn))
	plain = append(plain, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(packed)))
	plain = append(plain, tmp[:4]...)
	plain = append(plain, packed...)

	compressed := snappy.Encode(nil, plain)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(hdr[4:], adler32.Checksum(compressed))
	if _, err := w.f.Write(hdr[:]); err != nil {
		w.err = errors.Trace(err)
		return w.err
	}
	if _, err := w.f.Write(compressed); err != nil {
		w.err = errors.Trace(err)
		return w.err
	}
	return nil
}

// Sync makes appended records durable.
func (w *LogWriter) Sync() error {
	if w.err != nil {
		return w.err
	}
	if err := w.f.Sync(); err != nil {
		w.err = errors.Trace(err)
		return w.err
	}
	return nil
}

// Close closes the log file.
func (w *LogWriter) Close() error {
	return w.f.Close()
}

// ReplayCommit is one recovered log record.
type ReplayCommit struct {
	Table string
	Txn   int64
	Cells *cell.Buffer
}

// LogPlayer replays commit records from a log directory.
type LogPlayer struct {
	logDir string
}

// NewLogPlayer returns a player over logDir.
func NewLogPlayer(logDir string) *LogPlayer {
	return &LogPlayer{logDir: logDir}
}

// Replay streams every commit for table whose cells may fall in rows,
// in log order, into sink. Duplicate cell buffers (same content hash)
// are replayed once. A torn record at a file's tail ends that file's
// replay.
func (p *LogPlayer) Replay(table string, rows interval.Interval,
	sink func(ReplayCommit) error) error {

	names, err := listLogFiles(p.logDir)
	if err != nil {
		return errors.Trace(err)
	}
	seen := make(map[uint64]bool)
	for _, name := range names {
		if err := p.replayFile(filepath.Join(p.logDir, name), table, rows, seen, sink); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *LogPlayer) replayFile(path, table string, rows interval.Interval,
	seen map[uint64]bool, sink func(ReplayCommit) error) error {

	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()

	var hdr [8]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.Trace(err)
		}
		n := binary.LittleEndian.Uint32(hdr[:4])
		sum := binary.LittleEndian.Uint32(hdr[4:])
		compressed := make([]byte, n)
		if _, err := io.ReadFull(f, compressed); err != nil {
			log.Warn("[log] torn record at tail of %s", path)
			return nil
		}
		if adler32.Checksum(compressed) != sum {
			log.Warn("[log] checksum mismatch at tail of %s", path)
			return nil
		}
		plain, err := snappy.Decode(nil, compressed)
		if err != nil {
			log.Warn("[log] undecodable record in %s: %v", path, err)
			return nil
		}
		commit, err := decodeLogRecord(plain)
		if err != nil {
			return errors.Trace(err)
		}
		if commit.Table != table {
			continue
		}
		if seen[commit.Cells.Hash()] {
			continue
		}
		if !commitTouches(commit.Cells, rows) {
			continue
		}
		seen[commit.Cells.Hash()] = true
		if err := sink(commit); err != nil {
			return errors.Trace(err)
		}
	}
}

func commitTouches(buf *cell.Buffer, rows interval.Interval) bool {
	for _, row := range buf.Rows() {
		if rows.Contains(row) {
			return true
		}
	}
	return false
}

func decodeLogRecord(plain []byte) (ReplayCommit, error) {
	if len(plain) < 4 {
		return ReplayCommit{}, errors.New("tabletdb/server: short log record")
	}
	tn := binary.LittleEndian.Uint32(plain)
	pos := 4 + int(tn)
	if pos+12 > len(plain) {
		return ReplayCommit{}, errors.New("tabletdb/server: short log record")
	}
	table := string(plain[4:pos])
	txn := int64(binary.LittleEndian.Uint64(plain[pos:]))
	pos += 8
	bn := binary.LittleEndian.Uint32(plain[pos:])
	pos += 4
	if pos+int(bn) != len(plain) {
		return ReplayCommit{}, errors.New("tabletdb/server: bad log record length")
	}
	buf, err := cell.Unpack(plain[pos:])
	if err != nil {
		return ReplayCommit{}, errors.Trace(err)
	}
	return ReplayCommit{Table: table, Txn: txn, Cells: buf}, nil
}
