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
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type listenerMsgType int

const (
	msgNone listenerMsgType = iota
	msgAddSocket
	msgRemoveSocket
	msgHoldResponse // reserved for self-posted holds
	msgExpectResponse
	msgShutdown
)

// listenerMsg is a control command posted to a listener by another
// goroutine. Instances live in a fixed arena; the commit channel carries
// only the slot id.
type listenerMsg struct {
	id   int
	kind listenerMsgType

	ci       *connectionInfo
	fd       int
	deadline time.Time
	box      *boxedMessage
	reply    chan socketReply
}

type socketReply struct {
	conn  net.Conn
	udata interface{}
	err   error
}

type rxState int

const (
	rxInactive rxState = iota
	rxExpect
	rxHold
)

// rxInfo is a reservation slot: either an expectation awaiting a matching
// frame, or a frame that arrived before its expectation. For any
// (fd, seqID) at most one entry is live across both states.
type rxInfo struct {
	id    int
	state rxState

	fd       int
	seqID    int64
	deadline time.Time

	box      *boxedMessage // rxExpect
	response interface{}   // rxHold
	udata    interface{}   // socket udata captured for hold expiry
}

// connectionInfo is per-registered-socket state. Only the owning listener
// goroutine touches the parser fields.
type connectionInfo struct {
	fd    int
	kind  SocketKind
	conn  net.Conn
	udata interface{}

	rbuf      []byte
	wantTotal int // total frame size once unpack announced it
	toRead    int // bytes still missing for that frame

	stop chan struct{}
}

type readEvent struct {
	fd   int
	data []byte
	err  error
	done chan struct{}
}

// listener owns one goroutine, its registered sockets, incremental frame
// parsing and the in-flight expectation table.
type listener struct {
	bus *Bus
	id  int

	msgs     []listenerMsg
	msgFree  *freeList
	commitCh chan uint16

	rxInfo    []rxInfo
	rxFree    *freeList
	rxMaxUsed int

	conns  map[int]*connectionInfo
	events chan readEvent

	draining     bool
	shutdownSent int32
	die          chan struct{}
	done         chan struct{}
}

func newListener(b *Bus, id int) (*listener, error) {
	l := &listener{
		bus:      b,
		id:       id,
		msgs:     make([]listenerMsg, maxQueueMessages),
		msgFree:  newFreeList(maxQueueMessages, b.counterPressureUnit),
		commitCh: make(chan uint16, maxQueueMessages),
		rxInfo:   make([]rxInfo, maxPendingMessages),
		rxFree:   newFreeList(maxPendingMessages, 0),
		conns:    make(map[int]*connectionInfo),
		events:   make(chan readEvent),
		die:      make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range l.msgs {
		l.msgs[i].id = i
	}
	for i := range l.rxInfo {
		l.rxInfo[i].id = i
	}
	return l, nil
}

func (l *listener) mainloop() {
	defer close(l.done)
	timer := time.NewTimer(l.bus.listenerTick)
	defer timer.Stop()
	for {
		select {
		case id := <-l.commitCh:
			l.handleMsg(&l.msgs[id])
		case ev := <-l.events:
			l.handleRead(ev)
		case <-timer.C:
		}
		l.sweep(time.Now())
		if l.draining && len(l.commitCh) == 0 {
			l.cleanup()
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.pollTimeout(time.Now()))
	}
}

// pollTimeout is min(next deadline - now, tick) so the sweep never lags a
// deadline by more than one tick.
func (l *listener) pollTimeout(now time.Time) time.Duration {
	d := l.bus.listenerTick
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		if info.state == rxInactive {
			continue
		}
		if until := info.deadline.Sub(now); until < d {
			d = until
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (l *listener) handleMsg(m *listenerMsg) {
	switch m.kind {
	case msgAddSocket:
		l.addSocket(m)
	case msgRemoveSocket:
		l.removeSocket(m)
	case msgExpectResponse:
		l.attachExpect(m.box, m.deadline)
	case msgShutdown:
		l.beginDrain()
	}
	l.releaseMsg(m)
}

func (l *listener) addSocket(m *listenerMsg) {
	ci := m.ci
	var err error
	if _, dup := l.conns[ci.fd]; dup {
		err = ErrSocketRegistered
	} else if ci.kind == SocketTLS {
		err = l.handshake(ci)
	}
	if err != nil {
		l.bus.logf(1, LogSocketRegistered, "listener %d: fd %d rejected: %v", l.id, ci.fd, err)
		m.reply <- socketReply{err: err}
		return
	}
	l.conns[ci.fd] = ci
	go l.readLoop(ci)
	atomic.AddUint64(&l.bus.snmp.SocketsRegistered, 1)
	l.bus.logf(2, LogSocketRegistered, "listener %d: added socket %d", l.id, ci.fd)
	m.reply <- socketReply{conn: ci.conn}
}

// handshake completes the TLS handshake before the registration ack, so a
// registered TLS socket is ready to carry requests.
func (l *listener) handshake(ci *connectionInfo) error {
	tc, ok := ci.conn.(*tls.Conn)
	if !ok {
		if l.bus.tlsClient == nil {
			return errors.New("bus: TLS socket registered without a TLS client config")
		}
		tc = tls.Client(ci.conn, l.bus.tlsClient)
	}
	tc.SetDeadline(time.Now().Add(l.bus.completionTimeout))
	err := tc.Handshake()
	tc.SetDeadline(time.Time{})
	if err != nil {
		return errors.Wrap(err, "tls handshake")
	}
	ci.conn = tc
	return nil
}

func (l *listener) removeSocket(m *listenerMsg) {
	ci := l.conns[m.fd]
	if ci == nil {
		m.reply <- socketReply{err: ErrSocketUnknown}
		return
	}
	// a recycled fd must not inherit stale matches
	l.failSocket(m.fd, StatusShutdown)
	close(ci.stop)
	delete(l.conns, m.fd)
	atomic.AddUint64(&l.bus.snmp.SocketsReleased, 1)
	l.bus.logf(2, LogSocketRegistered, "listener %d: removed socket %d", l.id, m.fd)
	m.reply <- socketReply{udata: ci.udata}
}

// attachExpect merges with a held early response if one exists, otherwise
// files the expectation for the matcher and the timeout sweep.
func (l *listener) attachExpect(box *boxedMessage, deadline time.Time) {
	if info := l.findHold(box.fd, box.outSeqID); info != nil {
		resp := info.response
		l.releaseRx(info)
		box.result = Result{Status: StatusSuccess, SeqID: box.outSeqID, Response: resp}
		atomic.AddUint64(&l.bus.snmp.HoldsMerged, 1)
		l.dispatch(box)
		return
	}
	if l.draining {
		box.result = Result{Status: StatusShutdown, SeqID: box.outSeqID}
		l.dispatch(box)
		return
	}
	if _, live := l.conns[box.fd]; !live {
		// the socket died between the write and this commit
		box.result = Result{Status: StatusRxFailure, SeqID: box.outSeqID}
		l.dispatch(box)
		return
	}
	id, ok := l.rxFree.get()
	if !ok {
		l.bus.logf(1, LogListener, "listener %d: no rx_info cells left", l.id)
		box.result = Result{Status: StatusRxFailure, SeqID: box.outSeqID}
		l.dispatch(box)
		return
	}
	info := &l.rxInfo[id]
	info.state = rxExpect
	info.fd = box.fd
	info.seqID = box.outSeqID
	info.deadline = deadline
	info.box = box
	if id > l.rxMaxUsed {
		l.rxMaxUsed = id
	}
	l.bus.logf(5, LogListener, "listener %d: expecting (%d, %d)", l.id, box.fd, box.outSeqID)
}

func (l *listener) beginDrain() {
	l.draining = true
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		switch info.state {
		case rxExpect:
			box := info.box
			l.releaseRx(info)
			box.result = Result{Status: StatusShutdown, SeqID: box.outSeqID}
			l.dispatch(box)
		case rxHold:
			l.releaseRx(info)
		}
	}
	for fd, ci := range l.conns {
		close(ci.stop)
		delete(l.conns, fd)
	}
	l.bus.logf(2, LogShutdown, "listener %d: draining", l.id)
}

func (l *listener) handleRead(ev readEvent) {
	defer close(ev.done)
	ci := l.conns[ev.fd]
	if ci == nil { // raced with removal
		return
	}
	if ev.err != nil {
		atomic.AddUint64(&l.bus.snmp.RxErrors, 1)
		l.bus.errorCB(errors.Wrap(ev.err, "socket read"), ci.udata)
		l.failSocket(ci.fd, StatusRxFailure)
		close(ci.stop)
		delete(l.conns, ci.fd)
		return
	}
	atomic.AddUint64(&l.bus.snmp.BytesReceived, uint64(len(ev.data)))
	data := ev.data
	if skip := l.bus.sinkCB(data, ci.udata); skip > 0 {
		if skip > len(data) {
			skip = len(data)
		}
		data = data[skip:]
	}
	ci.rbuf = append(ci.rbuf, data...)
	l.parse(ci)
}

// parse carves as many frames as the buffer holds, maintaining the
// incremental state between reads.
func (l *listener) parse(ci *connectionInfo) {
	for len(ci.rbuf) > 0 {
		if ci.wantTotal > 0 && len(ci.rbuf) < ci.wantTotal {
			ci.toRead = ci.wantTotal - len(ci.rbuf)
			return
		}
		res := l.bus.unpackCB(ci.rbuf, ci.udata)
		switch res.Kind {
		case UnpackSuccess:
			consumed := res.Consumed
			if consumed <= 0 || consumed > len(ci.rbuf) {
				consumed = len(ci.rbuf)
			}
			ci.rbuf = append(ci.rbuf[:0], ci.rbuf[consumed:]...)
			ci.wantTotal, ci.toRead = 0, 0
			l.matchResponse(ci, res.SeqID, res.Response)
		case UnpackNeedMore:
			if res.Expected > len(ci.rbuf) {
				ci.wantTotal = res.Expected
				ci.toRead = res.Expected - len(ci.rbuf)
			} else {
				ci.wantTotal, ci.toRead = 0, 0
			}
			return
		case UnpackError:
			err := res.Err
			if err == nil {
				err = errors.New("bus: unpack failed")
			}
			l.bus.errorCB(err, ci.udata)
			// drop buffered bytes to resync on the next frame boundary
			ci.rbuf = ci.rbuf[:0]
			ci.wantTotal, ci.toRead = 0, 0
			return
		}
	}
}

func (l *listener) matchResponse(ci *connectionInfo, seqID int64, resp interface{}) {
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		if info.state == rxExpect && info.fd == ci.fd && info.seqID == seqID {
			box := info.box
			l.releaseRx(info)
			box.result = Result{Status: StatusSuccess, SeqID: seqID, Response: resp}
			atomic.AddUint64(&l.bus.snmp.ResponsesMatched, 1)
			l.dispatch(box)
			return
		}
	}
	// response beat its expectation: hold it for the merge window
	if id, ok := l.rxFree.get(); ok {
		info := &l.rxInfo[id]
		info.state = rxHold
		info.fd = ci.fd
		info.seqID = seqID
		info.response = resp
		info.udata = ci.udata
		info.deadline = time.Now().Add(l.bus.holdTimeout)
		if id > l.rxMaxUsed {
			l.rxMaxUsed = id
		}
		l.bus.logf(4, LogListener, "listener %d: holding (%d, %d)", l.id, ci.fd, seqID)
		return
	}
	atomic.AddUint64(&l.bus.snmp.Unexpected, 1)
	l.bus.unexpectedCB(resp, seqID, ci.udata)
}

// sweep expires deadlines. Runs on every loop pass so a timeout and a
// late response can never both complete the same box.
func (l *listener) sweep(now time.Time) {
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		switch info.state {
		case rxExpect:
			if now.After(info.deadline) {
				box := info.box
				l.releaseRx(info)
				box.result = Result{Status: StatusTimedOut, SeqID: box.outSeqID}
				atomic.AddUint64(&l.bus.snmp.Timeouts, 1)
				l.dispatch(box)
			}
		case rxHold:
			if now.After(info.deadline) {
				resp, seqID, udata := info.response, info.seqID, info.udata
				l.releaseRx(info)
				atomic.AddUint64(&l.bus.snmp.HoldsExpired, 1)
				l.bus.unexpectedCB(resp, seqID, udata)
			}
		}
	}
}

// failSocket completes every live expectation on fd with status and drops
// its holds.
func (l *listener) failSocket(fd int, status Status) {
	for i := 0; i <= l.rxMaxUsed; i++ {
		info := &l.rxInfo[i]
		if info.fd != fd {
			continue
		}
		switch info.state {
		case rxExpect:
			box := info.box
			l.releaseRx(info)
			box.result = Result{Status: status, SeqID: box.outSeqID}
			l.dispatch(box)
		case rxHold:
			l.releaseRx(info)
		}
	}
}

func (l *listener) releaseRx(info *rxInfo) {
	info.state = rxInactive
	info.fd = 0
	info.seqID = 0
	info.box = nil
	info.response = nil
	info.udata = nil
	l.rxFree.put(info.id)
}

func (l *listener) dispatch(box *boxedMessage) {
	var backpressure uint16
	if !l.bus.processBoxedMessage(box, &backpressure) {
		// pool saturated beyond its retry budget; degrade to inline
		// delivery rather than lose the completion
		l.bus.logf(1, LogListener, "listener %d: threadpool full, inline callback", l.id)
		res := box.result
		if box.cb != nil {
			box.cb(&res, box.udata)
		}
		return
	}
	l.bus.backpressureDelay(backpressure, listenerBackpressureShift)
}

// readLoop performs the blocking reads for one socket and hands chunks to
// the listener goroutine in lockstep, so parser state stays single-owner.
func (l *listener) readLoop(ci *connectionInfo) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ci.stop:
			return
		case <-l.die:
			return
		default:
		}
		ci.conn.SetReadDeadline(time.Now().Add(readSlice))
		n, err := ci.conn.Read(buf)
		if n > 0 {
			ev := readEvent{fd: ci.fd, data: buf[:n], done: make(chan struct{})}
			select {
			case l.events <- ev:
				<-ev.done
			case <-ci.stop:
				return
			case <-l.die:
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // resumable, same as EAGAIN/EINTR
			}
			ev := readEvent{fd: ci.fd, err: err, done: make(chan struct{})}
			select {
			case l.events <- ev:
				<-ev.done
			case <-ci.stop:
			case <-l.die:
			}
			return
		}
	}
}

// readSlice is how long a reader blocks before re-checking its stop
// channels.
const readSlice = 250 * time.Millisecond

// cleanup runs after the drain completes: late commits get terminal
// replies so no caller is left blocked and no box goes unanswered.
func (l *listener) cleanup() {
	close(l.die)
	grace := time.NewTimer(10 * time.Millisecond)
	defer grace.Stop()
	for {
		select {
		case id := <-l.commitCh:
			m := &l.msgs[id]
			switch m.kind {
			case msgAddSocket, msgRemoveSocket:
				m.reply <- socketReply{err: ErrShuttingDown}
			case msgExpectResponse:
				box := m.box
				box.result = Result{Status: StatusShutdown, SeqID: box.outSeqID}
				l.dispatch(box)
			}
			l.releaseMsg(m)
		case <-grace.C:
			l.bus.logf(2, LogShutdown, "listener %d: done", l.id)
			return
		}
	}
}
