// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package kinebus

import (
	"sync"
	"time"
)

// backpressureMsPerTask converts queue occupancy into the sleep hint
// handed back to schedulers, capped at one second.
const backpressureMsPerTask = 4

// threadpool runs result callbacks off the I/O goroutines so a slow user
// callback cannot stall a sender or listener.
type threadpool struct {
	tasks chan Task
	quit  chan struct{}
	wg    sync.WaitGroup

	taskTimeout time.Duration

	freeOnce sync.Once
}

func newThreadpool(cfg ThreadpoolConfig) (*threadpool, error) {
	if cfg.MaxThreads < 1 || cfg.MaxQueueDepth < 1 {
		return nil, ErrThreadpoolInit
	}
	tp := &threadpool{
		tasks:       make(chan Task, cfg.MaxQueueDepth),
		quit:        make(chan struct{}),
		taskTimeout: cfg.TaskTimeout,
	}
	for i := 0; i < cfg.MaxThreads; i++ {
		tp.wg.Add(1)
		go tp.worker()
	}
	return tp, nil
}

// schedule enqueues a task. On success it writes a recommended sleep in
// milliseconds, proportional to queue occupancy, into backpressure. A full
// queue is retried with widening spacing until taskTimeout elapses, then
// schedule reports failure synchronously.
func (tp *threadpool) schedule(task Task, backpressure *uint16) bool {
	wait := time.Millisecond
	deadline := time.Now().Add(tp.taskTimeout)
	for {
		select {
		case tp.tasks <- task:
			ms := len(tp.tasks) * backpressureMsPerTask
			if ms > 1000 {
				ms = 1000
			}
			if backpressure != nil {
				*backpressure = uint16(ms)
			}
			return true
		case <-tp.quit:
			return false
		default:
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(wait)
		if wait < 64*time.Millisecond {
			wait *= 2
		}
	}
}

// worker loops popping tasks. A nil Run means cancellation: Cleanup
// releases the udata instead. Exactly one of the two runs per task.
func (tp *threadpool) worker() {
	defer tp.wg.Done()
	for {
		select {
		case task := <-tp.tasks:
			tp.execute(task)
		case <-tp.quit:
			// drain what raced in before quit was observed
			for {
				select {
				case task := <-tp.tasks:
					if task.Cleanup != nil {
						task.Cleanup(task.Udata)
					}
				default:
					return
				}
			}
		}
	}
}

func (tp *threadpool) execute(task Task) {
	if task.Run != nil {
		task.Run(task.Udata)
	} else if task.Cleanup != nil {
		task.Cleanup(task.Udata)
	}
}

// free stops the workers, drains outstanding tasks through their Cleanup
// and joins. Idempotent.
func (tp *threadpool) free() {
	tp.freeOnce.Do(func() {
		close(tp.quit)
		tp.wg.Wait()
		for {
			select {
			case task := <-tp.tasks:
				if task.Cleanup != nil {
					task.Cleanup(task.Udata)
				}
			default:
				return
			}
		}
	})
}
