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
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// tx slot states, advanced by CAS so enqueue needs no lock.
const (
	txFree int32 = iota
	txReserved
	txQueued
	txSending
)

// maxExpectAttempts bounds the retries when a listener refuses an
// expectation because its control freelist is exhausted.
const maxExpectAttempts = 10

type txInfo struct {
	id    int
	state int32 // atomic

	box      *boxedMessage
	offset   int
	deadline time.Time
	done     chan uint16 // completion channel handed back to the submitter
}

// sender owns one goroutine and serially transmits framed messages for
// every socket with fd mod senderCount == id.
type sender struct {
	bus *Bus
	id  int

	slots  []txInfo
	notify chan struct{}

	draining int32
	done     chan struct{}
}

func newSender(b *Bus, id int) (*sender, error) {
	s := &sender{
		bus:    b,
		id:     id,
		slots:  make([]txInfo, maxTxSlots),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i].id = i
	}
	return s, nil
}

// enqueue claims a free slot by CAS and hands back the completion channel
// the submitter blocks on. A full slot array rejects the submission; this
// layer back-pressures by rejection, the listener by sleep.
func (s *sender) enqueue(box *boxedMessage) (chan uint16, bool) {
	if atomic.LoadInt32(&s.draining) == 1 {
		return nil, false
	}
	for i := range s.slots {
		t := &s.slots[i]
		if atomic.CompareAndSwapInt32(&t.state, txFree, txReserved) {
			t.box = box
			t.offset = 0
			t.done = make(chan uint16, 1)
			atomic.StoreInt32(&t.state, txQueued)
			select {
			case s.notify <- struct{}{}:
			default:
			}
			return t.done, true
		}
	}
	s.bus.logf(3, LogSender, "sender %d: queue full", s.id)
	return nil, false
}

func (s *sender) mainloop() {
	defer close(s.done)
	for {
		<-s.notify
		for s.processQueued() > 0 {
		}
		if atomic.LoadInt32(&s.draining) == 1 && s.idle() {
			s.bus.logf(2, LogShutdown, "sender %d: done", s.id)
			return
		}
	}
}

func (s *sender) processQueued() int {
	processed := 0
	for i := range s.slots {
		t := &s.slots[i]
		if atomic.LoadInt32(&t.state) != txQueued {
			continue
		}
		atomic.StoreInt32(&t.state, txSending)
		t.deadline = time.Now().Add(t.box.timeout)
		s.transmit(t)
		processed++
	}
	return processed
}

func (s *sender) idle() bool {
	for i := range s.slots {
		if atomic.LoadInt32(&s.slots[i].state) != txFree {
			return false
		}
	}
	return true
}

// transmit writes the payload fully, commits the expectation with the
// owning listener, signals the submitter with the backpressure hint and
// releases the slot. Failures after this point are asynchronous: the
// result callback carries them, the completion channel is signalled
// either way.
func (s *sender) transmit(t *txInfo) {
	box := t.box
	payload := box.payload

	if err := s.writeAll(t, box.conn, payload); err != nil {
		atomic.AddUint64(&s.bus.snmp.TxErrors, 1)
		s.bus.logf(2, LogSender, "sender %d: write failed on fd %d: %v", s.id, box.fd, err)
		s.fail(t, StatusTxFailure)
		return
	}

	lst := s.bus.listenerForFd(box.fd)
	wait := time.Millisecond
	for attempt := 0; attempt < maxExpectAttempts; attempt++ {
		backpressure, ok := lst.expectResponse(box, t.deadline)
		if ok {
			atomic.AddUint64(&s.bus.snmp.RequestsSent, 1)
			s.bus.logf(5, LogSender, "sender %d: sent (%d, %d)", s.id, box.fd, box.outSeqID)
			t.done <- backpressure
			s.release(t)
			return
		}
		time.Sleep(wait)
		if wait < 16*time.Millisecond {
			wait *= 2
		}
	}
	status := StatusTxFailure
	if atomic.LoadInt32(&s.draining) == 1 {
		status = StatusShutdown
	}
	s.fail(t, status)
}

// writeAll pushes the payload through partial writes, treating timeouts
// the way EAGAIN/EINTR are treated: retry at the same site until the
// per-message deadline has elapsed.
func (s *sender) writeAll(t *txInfo, conn net.Conn, payload []byte) error {
	defer conn.SetWriteDeadline(time.Time{})
	for t.offset < len(payload) {
		if !time.Now().Before(t.deadline) {
			return errors.New("write deadline elapsed")
		}
		conn.SetWriteDeadline(t.deadline)
		n, err := conn.Write(payload[t.offset:])
		if n > 0 {
			t.offset += n
			atomic.AddUint64(&s.bus.snmp.BytesSent, uint64(n))
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "socket write")
		}
	}
	return nil
}

// fail resolves the slot without an expectation: the terminal status is
// reported through the result callback, and the submitter is released.
func (s *sender) fail(t *txInfo, status Status) {
	box := t.box
	box.result = Result{Status: status, SeqID: box.outSeqID}
	var backpressure uint16
	if !s.bus.processBoxedMessage(box, &backpressure) {
		res := box.result
		if box.cb != nil {
			box.cb(&res, box.udata)
		}
	}
	t.done <- 0
	s.release(t)
}

func (s *sender) release(t *txInfo) {
	t.box = nil
	t.offset = 0
	t.done = nil
	atomic.StoreInt32(&t.state, txFree)
}

// shutdownRequest flags the drain and reports whether the mainloop has
// exited; callers poll until it has.
func (s *sender) shutdownRequest() bool {
	atomic.StoreInt32(&s.draining, 1)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
