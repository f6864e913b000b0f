// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tablet

import (
	"github.com/juju/errors"

	"tabletdb/engine/fs"
	"tabletdb/engine/iterator"
	"tabletdb/engine/scanpred"
	"tabletdb/util/interval"
	"tabletdb/util/log"
)

// MetaClient is the handle to the meta table used for config storage.
type MetaClient interface {
	Set(row, column string, timestamp int64, value []byte) error
	Erase(row, column string, timestamp int64) error
	Scan(pred *scanpred.Predicate) (iterator.Iterator, error)
	Sync() error
}

// MetaConfigManager loads and saves tablet configs through the meta
// table. Loading repairs overlaps and gaps left by a mid-split crash.
type MetaConfigManager struct {
	rootDir string
	meta    MetaClient
}

// NewMetaConfigManager returns a manager rooted at rootDir.
func NewMetaConfigManager(rootDir string, meta MetaClient) *MetaConfigManager {
	return &MetaConfigManager{rootDir: rootDir, meta: meta}
}

// RootDir returns the data root.
func (m *MetaConfigManager) RootDir() string { return m.rootDir }

// LoadConfigs scans the meta table for the table's config cells in
// row order, repairing inconsistent rows as it goes.
func (m *MetaConfigManager) LoadConfigs(table string) ([]Config, error) {
	expr := "column = 'config' and row ~= " + scanpred.QuoteString(EncodePrefix(table))
	pred, err := scanpred.Parse(expr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	scan, err := m.meta.Scan(pred)
	if err != nil {
		return nil, errors.Annotatef(err, "scan meta for table %s", table)
	}

	var cfgs []Config
	var prevRows interval.Interval
	var prevRow string
	var prevTs int64
	havePrev := false
	loadedPrev := false
	changedMeta := false

	for scan.Next() {
		x := scan.Cell()
		name, err := DecodeName(x.Row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		cfg, err := DecodeConfig(x.Value, m.rootDir, name.LastRow)
		if err != nil {
			return nil, errors.Trace(err)
		}

		expected := interval.MinPoint()
		if havePrev {
			expected = prevRows.Upper.AdjacentComplement()
		}

		switch {
		case interval.Compare(cfg.Rows.Lower, expected) < 0:
			// Overlap with the previous tablet: only a mid-split
			// partial state is repairable, and there both rows
			// share the same lower bound.
			log.Warn("meta overlap for %s: prev=%q cur=%q", table, prevRow, x.Row)
			if interval.Compare(cfg.Rows.Lower, prevRows.Lower) != 0 {
				return nil, errors.Errorf(
					"uncorrectable overlap in meta table: prev=%q cur=%q", prevRow, x.Row)
			}
			if err := m.meta.Erase(prevRow, "config", prevTs); err != nil {
				return nil, errors.Trace(err)
			}
			changedMeta = true
			if loadedPrev {
				cfgs = cfgs[:len(cfgs)-1]
			}

		case interval.Compare(expected, cfg.Rows.Lower) < 0:
			// Gap before this tablet: expand it backwards to fill.
			log.Warn("meta gap for %s: prev=%q cur=%q", table, prevRow, x.Row)
			cfg.Rows = interval.Make(expected, cfg.Rows.Upper)
			value, err := EncodeConfig(cfg, m.rootDir)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if err := m.meta.Set(x.Row, x.Column, x.Timestamp, value); err != nil {
				return nil, errors.Trace(err)
			}
			changedMeta = true
		}

		cfgs = append(cfgs, cfg)
		loadedPrev = true
		havePrev = true
		prevRows = cfg.Rows
		prevRow = x.Row
		prevTs = x.Timestamp
	}
	if err := scan.Error(); err != nil {
		return nil, errors.Trace(err)
	}

	if changedMeta {
		log.Info("syncing meta corrections for table %s", table)
		if err := m.meta.Sync(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return cfgs, nil
}

// SaveConfig writes the config cell for cfg and syncs the meta table.
func (m *MetaConfigManager) SaveConfig(table string, cfg Config) error {
	name := NewName(table, cfg.Rows.Upper)
	value, err := EncodeConfig(cfg, m.rootDir)
	if err != nil {
		return errors.Trace(err)
	}
	if err := m.meta.Set(name.Encode(), "config", 0, value); err != nil {
		return errors.Trace(err)
	}
	return m.meta.Sync()
}

// Sync flushes pending meta writes.
func (m *MetaConfigManager) Sync() error { return m.meta.Sync() }

// DataFile creates a uniquely named fragment file for the table.
func (m *MetaConfigManager) DataFile(table string) (fs.WriteFile, string, error) {
	return fs.CreateUnique(m.rootDir + "/" + table)
}
