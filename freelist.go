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
	"sync/atomic"
	"time"
)

// freeList is a bounded Treiber stack over a fixed arena, linked by slot
// index rather than pointer. The head word packs a 32-bit pop counter next
// to the top index so a stale CAS cannot relink a recycled slot.
type freeList struct {
	head  uint64 // (counter << 32) | (index+1), 0 index part = empty
	next  []int32
	inUse int32

	pressureUnit time.Duration
}

const freeListEmpty = 0

func newFreeList(capacity int, pressureUnit time.Duration) *freeList {
	fl := &freeList{
		next:         make([]int32, capacity),
		pressureUnit: pressureUnit,
	}
	// stack them in reverse so slot 0 pops first
	top := int32(freeListEmpty)
	for i := capacity - 1; i >= 0; i-- {
		fl.next[i] = top
		top = int32(i) + 1
	}
	fl.head = uint64(top)
	return fl
}

// get pops a free slot id. It applies counter-pressure before returning:
// the caller sleeps unit*(n/2)^2 where n was the in-use count at claim
// time, not counting this claim, which is zero under integer math while
// n < 2 (at most two slots in use once the claim is counted).
func (fl *freeList) get() (int, bool) {
	for {
		old := atomic.LoadUint64(&fl.head)
		top := int32(old & 0xffffffff)
		if top == freeListEmpty {
			return 0, false
		}
		id := top - 1
		nxt := atomic.LoadInt32(&fl.next[id])
		upd := (old&0xffffffff00000000 + 1<<32) | uint64(uint32(nxt))
		if atomic.CompareAndSwapUint64(&fl.head, old, upd) {
			n := atomic.AddInt32(&fl.inUse, 1) - 1
			if d := counterPressure(n, fl.pressureUnit); d > 0 {
				time.Sleep(d)
			}
			return int(id), true
		}
	}
}

// put returns a slot id to the stack.
func (fl *freeList) put(id int) {
	for {
		old := atomic.LoadUint64(&fl.head)
		atomic.StoreInt32(&fl.next[id], int32(old&0xffffffff))
		upd := (old&0xffffffff00000000 + 1<<32) | uint64(uint32(id+1))
		if atomic.CompareAndSwapUint64(&fl.head, old, upd) {
			atomic.AddInt32(&fl.inUse, -1)
			return
		}
	}
}

func (fl *freeList) used() int32 {
	return atomic.LoadInt32(&fl.inUse)
}

// counterPressure converts freelist occupancy into the sleep imposed on
// the claimant, unit * (n/2)^2.
func counterPressure(n int32, unit time.Duration) time.Duration {
	h := n >> 1
	return unit * time.Duration(h*h)
}

// counterPressureMs is the same quantity as whole milliseconds, the form
// reported back to submitters over completion channels.
func counterPressureMs(n int32, unit time.Duration) uint16 {
	ms := counterPressure(n, unit) / time.Millisecond
	if ms > 0xffff {
		ms = 0xffff
	}
	return uint16(ms)
}
