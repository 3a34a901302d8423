package kinebus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestThreadpoolRejectsBadConfig(t *testing.T) {
	if _, err := newThreadpool(ThreadpoolConfig{MaxThreads: 0, MaxQueueDepth: 1}); err != ErrThreadpoolInit {
		t.Fatalf("zero threads: got %v, want %v", err, ErrThreadpoolInit)
	}
	if _, err := newThreadpool(ThreadpoolConfig{MaxThreads: 1, MaxQueueDepth: 0}); err != ErrThreadpoolInit {
		t.Fatalf("zero depth: got %v, want %v", err, ErrThreadpoolInit)
	}
}

func TestThreadpoolRunsTasks(t *testing.T) {
	tp, err := newThreadpool(ThreadpoolConfig{MaxThreads: 2, MaxQueueDepth: 64, TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("newThreadpool returned error: %v", err)
	}
	defer tp.free()

	var ran uint64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		var backpressure uint16
		ok := tp.schedule(Task{
			Run: func(udata interface{}) {
				atomic.AddUint64(&ran, 1)
				wg.Done()
			},
		}, &backpressure)
		if !ok {
			t.Fatalf("schedule %d rejected", i)
		}
	}
	wg.Wait()
	if n := atomic.LoadUint64(&ran); n != 32 {
		t.Fatalf("ran = %d, want 32", n)
	}
}

// a nil Run means cancellation: Cleanup releases the udata instead, and
// only one of the two ever runs
func TestThreadpoolCleanupExactlyOnce(t *testing.T) {
	tp, err := newThreadpool(ThreadpoolConfig{MaxThreads: 1, MaxQueueDepth: 8, TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("newThreadpool returned error: %v", err)
	}
	defer tp.free()

	var releases uint64
	done := make(chan struct{})
	var backpressure uint16
	ok := tp.schedule(Task{
		Run: nil,
		Cleanup: func(udata interface{}) {
			atomic.AddUint64(&releases, 1)
			close(done)
		},
	}, &backpressure)
	if !ok {
		t.Fatalf("schedule rejected")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cleanup never ran")
	}
	if n := atomic.LoadUint64(&releases); n != 1 {
		t.Fatalf("releases = %d, want 1", n)
	}
}

// backpressure grows with queue occupancy while the single worker is
// wedged
func TestThreadpoolBackpressureGrowsWithOccupancy(t *testing.T) {
	tp, err := newThreadpool(ThreadpoolConfig{MaxThreads: 1, MaxQueueDepth: 256, TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("newThreadpool returned error: %v", err)
	}

	block := make(chan struct{})
	var backpressure uint16
	tp.schedule(Task{Run: func(udata interface{}) { <-block }}, &backpressure)

	for i := 0; i < 100; i++ {
		if !tp.schedule(Task{Run: func(udata interface{}) {}}, &backpressure) {
			t.Fatalf("schedule %d rejected below capacity", i)
		}
	}
	if backpressure == 0 {
		t.Fatalf("no backpressure reported at high occupancy")
	}
	close(block)
	tp.free()
}

// a saturated queue fails synchronously after its retry budget
func TestThreadpoolQueueFull(t *testing.T) {
	tp, err := newThreadpool(ThreadpoolConfig{MaxThreads: 1, MaxQueueDepth: 1, TaskTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("newThreadpool returned error: %v", err)
	}

	block := make(chan struct{})
	var backpressure uint16
	tp.schedule(Task{Run: func(udata interface{}) { <-block }}, &backpressure) // wedge the worker
	tp.schedule(Task{Run: func(udata interface{}) {}}, &backpressure)          // fill the queue

	if tp.schedule(Task{Run: func(udata interface{}) {}}, &backpressure) {
		t.Fatalf("schedule succeeded on a saturated queue")
	}
	close(block)
	tp.free()
}

// free drains queued tasks through Cleanup so every udata is released
func TestThreadpoolFreeDrainsWithCleanup(t *testing.T) {
	tp, err := newThreadpool(ThreadpoolConfig{MaxThreads: 1, MaxQueueDepth: 16, TaskTimeout: time.Second})
	if err != nil {
		t.Fatalf("newThreadpool returned error: %v", err)
	}

	block := make(chan struct{})
	var backpressure uint16
	tp.schedule(Task{Run: func(udata interface{}) { <-block }}, &backpressure)

	var released uint64
	for i := 0; i < 8; i++ {
		ok := tp.schedule(Task{
			Run:     nil,
			Cleanup: func(udata interface{}) { atomic.AddUint64(&released, 1) },
		}, &backpressure)
		if !ok {
			t.Fatalf("schedule %d rejected", i)
		}
	}
	close(block)
	tp.free()
	if n := atomic.LoadUint64(&released); n != 8 {
		t.Fatalf("released = %d, want 8", n)
	}
}
