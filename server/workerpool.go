// Copyright (c) 2017, JD FBASE Team <fbase@jd.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package server

import (
	"sync"

	"tabletdb/util/log"
)

// workerPool runs queued callbacks on a fixed set of goroutines so
// slow clients never stall the apply path or the log loop.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: make(chan func(), 256)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *workerPool) loop(id int) {
	defer p.wg.Done()
	defer func() {
		if x := recover(); x != nil {
			log.Error("[worker:%d] panic: %v", id, x)
		}
	}()
	for task := range p.tasks {
		task()
	}
}

// submit enqueues task; it blocks only when the queue is full.
func (p *workerPool) submit(task func()) {
	p.tasks <- task
}

// shutdown drains queued tasks and stops the workers.
func (p *workerPool) shutdown() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
