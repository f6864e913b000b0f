// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tablet

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"

	"tabletdb/engine/fs"
	"tabletdb/util/interval"
)

// Config is the persisted per-tablet state: the row range and the
// ordered fragment URI list (newest first).
type Config struct {
	Rows      interval.Interval
	TableURIs []string
}

// configState is the serialized form. A missing minRow means the row
// range extends to negative infinity; a present minRow is an
// exclusive lower bound.
type configState struct {
	Tables []string `json:"tables"`
	MinRow *string  `json:"minRow,omitempty"`
}

// EncodeConfig serializes cfg with URIs unrooted relative to rootDir.
func EncodeConfig(cfg Config, rootDir string) ([]byte, error) {
	state := configState{Tables: []string{}}
	for _, uri := range cfg.TableURIs {
		rel, err := UnrootURI(rootDir, uri)
		if err != nil {
			return nil, err
		}
		state.Tables = append(state.Tables, rel)
	}
	switch cfg.Rows.Lower.Type {
	case interval.InfiniteLower:
	case interval.ExclusiveLower:
		v := cfg.Rows.Lower.Value
		state.MinRow = &v
	default:
		return nil, errors.NotValidf("config lower bound type %d", cfg.Rows.Lower.Type)
	}
	return json.Marshal(&state)
}

// DecodeConfig parses a serialized config, resolving URIs against
// rootDir. lastRow supplies the row range's upper bound.
func DecodeConfig(value []byte, rootDir string, lastRow interval.Point) (Config, error) {
	var state configState
	if err := json.Unmarshal(value, &state); err != nil {
		return Config{}, errors.NotValidf("tablet config: %v", err)
	}
	cfg := Config{}
	for _, rel := range state.Tables {
		cfg.TableURIs = append(cfg.TableURIs, ResolveURI(rootDir, rel))
	}
	lower := interval.MinPoint()
	if state.MinRow != nil {
		lower = interval.LowerExclusive(*state.MinRow)
	}
	cfg.Rows = interval.Make(lower, lastRow)
	return cfg, nil
}

// ResolveURI joins a root-relative URI back onto rootDir, preserving
// any scheme prefix.
func ResolveURI(rootDir, uri string) string {
	scheme, rest := fs.SplitScheme(uri)
	resolved := strings.TrimSuffix(rootDir, "/") + "/" + rest
	if scheme != "" {
		return scheme + ":" + resolved
	}
	return resolved
}

// UnrootURI strips rootDir from a fragment URI. It is an error for
// the URI to fall outside the root.
func UnrootURI(rootDir, uri string) (string, error) {
	if rootDir == "" {
		return "", errors.NotValidf("empty root")
	}
	root := rootDir
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	scheme, rest := fs.SplitScheme(uri)
	if !strings.HasPrefix(rest, root) {
		return "", errors.NotValidf("table URI not under root %q: %s", root, uri)
	}
	rel := rest[len(root):]
	if rel == "" || rel[0] == '/' {
		return "", errors.NotValidf("table URI invalid after removing root %q: %s", root, uri)
	}
	if scheme != "" {
		return scheme + ":" + rel, nil
	}
	return rel, nil
}

// ConfigReader loads the tablet configs for a table.
type ConfigReader interface {
	LoadConfigs(table string) ([]Config, error)
}

// ConfigWriter persists a tablet config.
type ConfigWriter interface {
	SaveConfig(table string, cfg Config) error
	Sync() error
}

// Schema is the per-table schema consumed through the reader port.
type Schema struct {
	Name      string
	BlockSize int
}

// SchemaReader loads table schemas.
type SchemaReader interface {
	ReadSchema(table string) (*Schema, error)
}
