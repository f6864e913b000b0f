// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"tabletdb/engine/fragment"
	"tabletdb/engine/tablet"
	"tabletdb/server"
	"tabletdb/util/log"
)

var (
	flagRoot     = flag.String("root", "", "Root directory for tablet data (required)")
	flagPidfile  = flag.String("pidfile", "", "Write PID to file")
	flagNoDaemon = flag.Bool("nodaemon", false, "Log to stderr instead of a file")
	flagConfig   = flag.String("config", "", "Server config file (INI)")
	flagLocation = flag.String("location", "", "Advertised server location")
)

// staticSchemaReader serves a fixed schema per table until the schema
// registry port is wired to a real backend.
type staticSchemaReader struct {
	blockSize int
}

func (r *staticSchemaReader) ReadSchema(table string) (*tablet.Schema, error) {
	return &tablet.Schema{Name: table, BlockSize: r.blockSize}, nil
}

func main() {
	flag.Parse()
	if *flagRoot == "" {
		fmt.Fprintln(os.Stderr, "tablet-server: need --root")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tablet-server: %v\n%s", err, debug.Stack())
		os.Exit(1)
	}
}

func run() error {
	cfg := server.DefaultServerConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = server.ReadServerConfig(*flagConfig)
		if err != nil {
			return err
		}
	}
	cfg.Root = *flagRoot
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.Root, "log")
	}
	if *flagLocation != "" {
		cfg.Location = *flagLocation
	}

	if !*flagNoDaemon {
		if err := log.InitFileLog(cfg.LogDir, "tablet-server"); err != nil {
			return err
		}
	}
	log.SetLevel(cfg.LogLevel)

	if *flagPidfile != "" {
		pid := fmt.Sprintf("%d\n", os.Getpid())
		if err := os.WriteFile(*flagPidfile, []byte(pid), 0644); err != nil {
			return err
		}
	}

	configMgr := tablet.NewFixedConfigManager(cfg.Root)
	bits := server.Bits{
		SchemaReader:  &staticSchemaReader{blockSize: 64 << 10},
		ConfigReader:  configMgr,
		ConfigWriter:  configMgr,
		FragmentMaker: configMgr,
		LogDir:        cfg.LogDir,
		Location:      cfg.Location,
		MaxBufferSize: cfg.MaxBufferSize,
		MemTableSize:  cfg.MemTableSize,
		BlockCache:    fragment.NewBlockCache(cfg.BlockCacheCap),
		Workers:       cfg.Workers,
	}
	srv, err := server.NewTabletServer(bits)
	if err != nil {
		return err
	}
	stats := server.StartStatReporter(time.Minute)

	log.Info("tablet-server started, root=%s location=%s", cfg.Root, cfg.Location)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	stats.Stop()
	if err := srv.Close(); err != nil {
		return err
	}
	log.Info("cleaning up")
	return nil
}
