// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"tabletdb/util/log"
)

// StatReporter periodically logs host and process resource usage.
type StatReporter struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// StartStatReporter begins reporting every interval.
func StartStatReporter(interval time.Duration) *StatReporter {
	r := &StatReporter{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Stop ends reporting.
func (r *StatReporter) Stop() {
	close(r.stop)
	<-r.done
}

func (r *StatReporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	proc, _ := process.NewProcess(int32(os.Getpid()))
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		r.report(proc)
	}
}

func (r *StatReporter) report(proc *process.Process) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("[stat] memory: %v", err)
		return
	}
	avg, _ := load.Avg()
	pct, _ := cpu.Percent(0, false)
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	var rss uint64
	if proc != nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			rss = mi.RSS
		}
	}
	var load1 float64
	if avg != nil {
		load1 = avg.Load1
	}
	log.Info("[stat] mem=%.1f%% rss=%dMB cpu=%.1f%% load1=%.2f",
		vm.UsedPercent, rss>>20, cpuPct, load1)
}
