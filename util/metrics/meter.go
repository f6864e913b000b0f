// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics accumulates write-path counters and reports them on
// a fixed interval.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Output receives one formatted report per interval.
type Output interface {
	Report(line string)
	ReportInterval() time.Duration
}

// Meter counts applies, commits and sync waits for one server.
type Meter struct {
	name   string
	output Output

	mutex     sync.Mutex
	timestamp time.Time
	applies   int64
	conflicts int64
	errored   int64
	cells     int64
	bytes     int64
	commits   int64
	syncs     int64
	lats      []float64

	stop chan struct{}
	done chan struct{}
}

// NewMeter starts a meter reporting through output.
func NewMeter(name string, output Output) *Meter {
	if output == nil {
		return nil
	}
	m := &Meter{
		name:      name,
		output:    output,
		timestamp: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Stop ends reporting. Safe on a nil meter.
func (m *Meter) Stop() {
	if m == nil {
		return
	}
	close(m.stop)
	<-m.done
}

// AddApply records one apply attempt.
func (m *Meter) AddApply(cells, bytes int, delay time.Duration, conflict, errored bool) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	m.applies++
	if conflict {
		m.conflicts++
	}
	if errored {
		m.errored++
	}
	m.cells += int64(cells)
	m.bytes += int64(bytes)
	m.lats = append(m.lats, delay.Seconds())
	m.mutex.Unlock()
}

// AddCommits records txns made durable by one log batch.
func (m *Meter) AddCommits(n int) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	m.commits += int64(n)
	m.mutex.Unlock()
}

// AddSync records one completed sync wait.
func (m *Meter) AddSync() {
	if m == nil {
		return
	}
	m.mutex.Lock()
	m.syncs++
	m.mutex.Unlock()
}

func (m *Meter) run() {
	defer close(m.done)
	interval := m.output.ReportInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reportAndReset()
		}
	}
}

func (m *Meter) reportAndReset() {
	m.mutex.Lock()
	total := time.Since(m.timestamp)
	applies, conflicts, errored := m.applies, m.conflicts, m.errored
	cells, bytes, commits, syncs := m.cells, m.bytes, m.commits, m.syncs
	lats := m.lats
	m.applies, m.conflicts, m.errored = 0, 0, 0
	m.cells, m.bytes, m.commits, m.syncs = 0, 0, 0, 0
	m.lats = nil
	m.timestamp = time.Now()
	m.mutex.Unlock()

	if applies == 0 && commits == 0 && syncs == 0 {
		return
	}
	var avg, p99 float64
	if len(lats) > 0 {
		sort.Float64s(lats)
		for _, l := range lats {
			avg += l
		}
		avg /= float64(len(lats))
		p99 = lats[(len(lats)*99)/100]
	}
	m.output.Report(fmt.Sprintf(
		"%s: applies=%d (conflict=%d err=%d) cells=%d bytes=%d commits=%d syncs=%d rps=%.1f avg=%.4fs p99=%.4fs",
		m.name, applies, conflicts, errored, cells, bytes, commits, syncs,
		float64(applies)/total.Seconds(), avg, p99))
}
