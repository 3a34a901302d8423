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

// getFreeMsg claims a control-message slot. The freelist applies
// counter-pressure between claimants and the listener inside get.
func (l *listener) getFreeMsg() *listenerMsg {
	id, ok := l.msgFree.get()
	if !ok {
		l.bus.logf(3, LogListener, "listener %d: no free messages", l.id)
		return nil
	}
	m := &l.msgs[id]
	m.ci = nil
	m.fd = 0
	m.deadline = time.Time{}
	m.box = nil
	m.reply = nil
	return m
}

// push commits a filled message to the listener by writing its slot id to
// the commit channel. On a dead listener the slot is released and push
// reports failure.
func (l *listener) push(m *listenerMsg) bool {
	select {
	case <-l.die:
		l.releaseMsg(m)
		return false
	default:
	}
	select {
	case l.commitCh <- uint16(m.id):
		return true
	case <-l.die:
		l.releaseMsg(m)
		return false
	}
}

func (l *listener) releaseMsg(m *listenerMsg) {
	m.kind = msgNone
	m.ci = nil
	m.box = nil
	m.reply = nil
	l.msgFree.put(m.id)
}

// findHold scans the live prefix of the reservation table for a held
// response. Linear, but bounded by the high-water mark of a small table.
func (l *listener) findHold(fd int, seqID int64) *rxInfo {
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		if info.state == rxHold && info.fd == fd && info.seqID == seqID {
			return info
		}
	}
	return nil
}

// expectResponse is the sender-facing commit of an expectation after a
// completed write. The returned milliseconds are the counter-pressure to
// relay to the submitter; ok is false when the control freelist is
// exhausted or the listener is gone, and the caller retries.
func (l *listener) expectResponse(box *boxedMessage, deadline time.Time) (uint16, bool) {
	inUse := l.msgFree.used()
	m := l.getFreeMsg()
	if m == nil {
		return 0, false
	}
	m.kind = msgExpectResponse
	m.box = box
	m.deadline = deadline
	if !l.push(m) {
		return 0, false
	}
	return counterPressureMs(inUse, l.bus.counterPressureUnit), true
}

// addSocketRequest posts an ADD_SOCKET command. The reply channel is
// buffered so a caller that gave up waiting never wedges the listener.
func (l *listener) addSocketRequest(ci *connectionInfo) (chan socketReply, bool) {
	m := l.getFreeMsg()
	if m == nil {
		return nil, false
	}
	reply := make(chan socketReply, 1)
	m.kind = msgAddSocket
	m.ci = ci
	m.reply = reply
	if !l.push(m) {
		return nil, false
	}
	return reply, true
}

// removeSocketRequest posts a REMOVE_SOCKET command.
func (l *listener) removeSocketRequest(fd int) (chan socketReply, bool) {
	m := l.getFreeMsg()
	if m == nil {
		return nil, false
	}
	reply := make(chan socketReply, 1)
	m.kind = msgRemoveSocket
	m.fd = fd
	m.reply = reply
	if !l.push(m) {
		return nil, false
	}
	return reply, true
}

// shutdownRequest asks the listener to drain. Returns true once the
// mainloop has exited; callers poll until then.
func (l *listener) shutdownRequest() bool {
	if atomic.CompareAndSwapInt32(&l.shutdownSent, 0, 1) {
		m := l.getFreeMsg()
		if m == nil {
			atomic.StoreInt32(&l.shutdownSent, 0)
			return false
		}
		m.kind = msgShutdown
		if !l.push(m) {
			return true // already dead
		}
	}
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
