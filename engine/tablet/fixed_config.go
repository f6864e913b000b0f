// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tablet

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"tabletdb/engine/fs"
	"tabletdb/util/interval"
	"tabletdb/util/log"
)

// FixedConfigManager persists single-tablet table configs as local
// state files under <root>/<table>/state. It serves tables that are
// not routed through the meta table, the meta table itself included.
type FixedConfigManager struct {
	rootDir string
}

// NewFixedConfigManager returns a manager rooted at rootDir.
func NewFixedConfigManager(rootDir string) *FixedConfigManager {
	return &FixedConfigManager{rootDir: rootDir}
}

func (m *FixedConfigManager) statePath(table string) string {
	return filepath.Join(m.rootDir, table, "state")
}

// LoadConfigs reads the table's state file. A missing file yields a
// single empty config covering all rows.
func (m *FixedConfigManager) LoadConfigs(table string) ([]Config, error) {
	value, err := os.ReadFile(m.statePath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return []Config{{Rows: interval.Infinite()}}, nil
		}
		return nil, errors.Trace(err)
	}
	cfg, err := DecodeConfig(value, m.rootDir, interval.MaxPoint())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return []Config{cfg}, nil
}

// SaveConfig writes the state file with a temp-file-then-rename
// discipline so a crash never leaves a torn config.
func (m *FixedConfigManager) SaveConfig(table string, cfg Config) error {
	log.Info("save fixed config: %s", NewName(table, cfg.Rows.Upper))
	if !cfg.Rows.IsInfinite() {
		return errors.NotValidf("fixed tablet config with restricted row range")
	}
	value, err := EncodeConfig(cfg, m.rootDir)
	if err != nil {
		return errors.Trace(err)
	}

	dir := filepath.Join(m.rootDir, table)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Trace(err)
	}
	tmp, err := os.CreateTemp(dir, "state_")
	if err != nil {
		return errors.Trace(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Trace(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Trace(err)
	}
	if err := os.Rename(tmpName, m.statePath(table)); err != nil {
		os.Remove(tmpName)
		return errors.Trace(err)
	}
	return nil
}

// Sync is a no-op; SaveConfig is already durable.
func (m *FixedConfigManager) Sync() error { return nil }

// DataFile creates a uniquely named fragment file for the table.
func (m *FixedConfigManager) DataFile(table string) (fs.WriteFile, string, error) {
	return fs.CreateUnique(filepath.Join(m.rootDir, table))
}
