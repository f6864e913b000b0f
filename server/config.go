// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"github.com/juju/errors"
	"github.com/robfig/config"
)

// ServerConfig carries the process-level settings read from an INI
// file, with flag values taking precedence at the binary layer.
type ServerConfig struct {
	Root     string
	LogDir   string
	Location string
	LogLevel string

	MaxBufferSize int
	MemTableSize  int
	BlockCacheCap int
	Workers       int
}

// DefaultServerConfig returns the built-in settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		LogLevel:      "info",
		MaxBufferSize: defaultMaxBufferSize,
		MemTableSize:  defaultMemTableSize,
		BlockCacheCap: 64 << 20,
		Workers:       defaultWorkers,
	}
}

// ReadServerConfig loads settings from an INI file section "server".
// Missing keys keep their defaults.
func ReadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	c, err := config.ReadDefault(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read config %s", path)
	}
	const section = "server"
	if v, err := c.String(section, "root"); err == nil {
		cfg.Root = v
	}
	if v, err := c.String(section, "logdir"); err == nil {
		cfg.LogDir = v
	}
	if v, err := c.String(section, "location"); err == nil {
		cfg.Location = v
	}
	if v, err := c.String(section, "loglevel"); err == nil {
		cfg.LogLevel = v
	}
	if v, err := c.Int(section, "max-buffer-size"); err == nil {
		cfg.MaxBufferSize = v
	}
	if v, err := c.Int(section, "memtable-size"); err == nil {
		cfg.MemTableSize = v
	}
	if v, err := c.Int(section, "block-cache"); err == nil {
		cfg.BlockCacheCap = v
	}
	if v, err := c.Int(section, "workers"); err == nil {
		cfg.Workers = v
	}
	return cfg, nil
}
