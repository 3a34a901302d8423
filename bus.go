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

// Package kinebus is a socket-multiplexing message bus. It carries
// length-prefixed request/response messages between a client process and
// remote storage endpoints over many concurrent TCP or TLS connections,
// matching responses to waiting requesters by (fd, sequence id) and
// running completion callbacks on a worker pool.
package kinebus

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// listenerBackpressureShift scales down threadpool backpressure before
// the listener sleeps on it; the listener is hotter than submitters.
const listenerBackpressureShift = 2

// shutdownPollInterval spaces the polite-stop retries during Shutdown.
const shutdownPollInterval = 10 * time.Millisecond

type socketEntry struct {
	conn  net.Conn
	udata interface{}
}

// Bus is the façade over the sender pool, the listener pool and the
// threadpool. All global mutable state lives in the Bus value.
type Bus struct {
	sinkCB       SinkCB
	unpackCB     UnpackCB
	unexpectedCB UnexpectedCB
	errorCB      ErrorCB
	logCB        LogCB
	logLevel     int
	udata        interface{}
	tlsClient    *tls.Config

	completionTimeout   time.Duration
	holdTimeout         time.Duration
	listenerTick        time.Duration
	counterPressureUnit time.Duration

	senders   []*sender
	listeners []*listener
	pool      *threadpool

	mu    sync.RWMutex
	socks map[int]*socketEntry

	logMu      sync.Mutex
	shutdownMu sync.Mutex
	joined     []bool

	snmp *Snmp
}

// New constructs a bus from config and starts its goroutines.
func New(config *Config) (*Bus, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	if config.SinkCB == nil {
		return nil, ErrMissingSinkCB
	}
	if config.UnpackCB == nil {
		return nil, ErrMissingUnpackCB
	}
	cfg := config.withDefaults()

	b := &Bus{
		sinkCB:              cfg.SinkCB,
		unpackCB:            cfg.UnpackCB,
		unexpectedCB:        cfg.UnexpectedCB,
		errorCB:             cfg.ErrorCB,
		logCB:               cfg.LogCB,
		logLevel:            cfg.LogLevel,
		udata:               cfg.Udata,
		tlsClient:           cfg.TLSClient,
		completionTimeout:   cfg.CompletionTimeout,
		holdTimeout:         cfg.HoldTimeout,
		listenerTick:        cfg.ListenerTick,
		counterPressureUnit: cfg.CounterPressureUnit,
		socks:               make(map[int]*socketEntry),
		snmp:                newSnmp(),
	}
	if b.logCB == nil {
		b.logCB = noopLogCB
		b.logLevel = logLevelOff
	}
	if b.errorCB == nil {
		b.errorCB = noopErrorCB
	}
	if b.unexpectedCB == nil {
		b.unexpectedCB = func(response interface{}, seqID int64, socketUdata interface{}) {}
	}

	b.logf(3, LogInitialization, "initializing bus: %d senders, %d listeners",
		cfg.SenderCount, cfg.ListenerCount)

	for i := 0; i < cfg.SenderCount; i++ {
		s, err := newSender(b, i)
		if err != nil {
			return nil, ErrSenderInit
		}
		b.senders = append(b.senders, s)
	}
	for i := 0; i < cfg.ListenerCount; i++ {
		l, err := newListener(b, i)
		if err != nil {
			return nil, ErrListenerInit
		}
		b.listeners = append(b.listeners, l)
	}
	pool, err := newThreadpool(cfg.Threadpool)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	b.joined = make([]bool, cfg.SenderCount+cfg.ListenerCount)

	for _, s := range b.senders {
		go s.mainloop()
	}
	for _, l := range b.listeners {
		go l.mainloop()
	}

	b.logf(1, LogInitialization, "initialized")
	return b, nil
}

// RegisterSocket hands a connected socket to the bus under fd, which must
// be nonzero and unique among live registrations. A SocketTLS kind blocks
// until the handshake has completed. The fd decides the owning sender and
// listener for the life of the socket.
func (b *Bus) RegisterSocket(fd int, conn net.Conn, kind SocketKind, udata interface{}) error {
	if conn == nil || fd == 0 {
		return errors.New("bus: invalid socket registration")
	}
	b.mu.RLock()
	_, dup := b.socks[fd]
	b.mu.RUnlock()
	if dup {
		return ErrSocketRegistered
	}

	b.logf(2, LogSocketRegistered, "registering socket %d", fd)
	ci := &connectionInfo{
		fd:    fd,
		kind:  kind,
		conn:  conn,
		udata: udata,
		stop:  make(chan struct{}),
	}
	l := b.listenerForFd(fd)
	reply, ok := l.addSocketRequest(ci)
	if !ok {
		return ErrShuttingDown
	}
	select {
	case r := <-reply:
		if r.err != nil {
			b.logf(2, LogSocketRegistered, "failed to add socket %d: %v", fd, r.err)
			return r.err
		}
		b.mu.Lock()
		b.socks[fd] = &socketEntry{conn: r.conn, udata: udata}
		b.mu.Unlock()
		b.logf(2, LogSocketRegistered, "successfully added socket %d", fd)
		return nil
	case <-time.After(b.completionTimeout):
		return errors.Errorf("bus: registration of socket %d timed out", fd)
	}
}

// ReleaseSocket evicts fd and returns the udata supplied at registration.
// Pending expectations for the fd resolve as Shutdown first, so a reused
// fd cannot match stale responses. The connection itself stays open; it
// belongs to the caller.
func (b *Bus) ReleaseSocket(fd int) (interface{}, error) {
	b.mu.Lock()
	entry := b.socks[fd]
	delete(b.socks, fd)
	b.mu.Unlock()
	if entry == nil {
		return nil, ErrSocketUnknown
	}

	l := b.listenerForFd(fd)
	reply, ok := l.removeSocketRequest(fd)
	if !ok {
		return entry.udata, ErrShuttingDown
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return entry.udata, r.err
		}
		return r.udata, nil
	case <-time.After(b.completionTimeout):
		return entry.udata, errors.Errorf("bus: release of socket %d timed out", fd)
	}
}

// SendRequest submits a request and blocks until it has been transmitted
// and its expectation filed (or rejected). True means the bus has taken
// responsibility: exactly one result callback will follow, success or
// not. False means either the submission was rejected outright, and no
// callback will fire, or the completion wait timed out; in the latter
// case the request stays queued with its sender and its callback can
// still fire.
func (b *Bus) SendRequest(msg *UserMessage) bool {
	if b == nil || msg == nil || msg.Fd == 0 {
		return false
	}
	b.mu.RLock()
	entry := b.socks[msg.Fd]
	b.mu.RUnlock()
	if entry == nil {
		b.logf(3, LogSendingRequest, "send on unregistered fd %d", msg.Fd)
		return false
	}

	timeout := time.Duration(msg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = b.completionTimeout
	}
	box := &boxedMessage{
		fd:       msg.Fd,
		conn:     entry.conn,
		outSeqID: msg.SeqID,
		payload:  msg.Payload,
		cb:       msg.Cb,
		udata:    msg.Udata,
		timeout:  timeout,
	}

	s := b.senderForFd(msg.Fd)
	ch, ok := s.enqueue(box)
	if !ok {
		b.logf(3, LogSendingRequest, "sender enqueue failed for fd %d", msg.Fd)
		return false
	}
	b.logf(3, LogSendingRequest, "sending request (%d, %d)", msg.Fd, msg.SeqID)
	return b.waitOnCompletion(ch)
}

// waitOnCompletion blocks on a completion channel in one-second ticks up
// to the completion timeout. The payload is backpressure in milliseconds;
// the submitter honors it by sleeping before returning success.
func (b *Bus) waitOnCompletion(ch chan uint16) bool {
	ticks := int(b.completionTimeout / time.Second)
	if ticks < 1 {
		ticks = 1
	}
	tick := time.NewTimer(time.Second)
	defer tick.Stop()
	for i := 0; i < ticks; i++ {
		b.logf(5, LogSendingRequest, "polling on completion...tick...")
		select {
		case ms := <-ch:
			if ms > 0 {
				b.logf(5, LogSendingRequest, " -- backpressure of %d msec", ms)
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
			b.logf(3, LogSendingRequest, "sent!")
			return true
		case <-tick.C:
			tick.Reset(time.Second)
		}
	}
	b.logf(2, LogSendingRequest, "failed to send (timeout)")
	return false
}

// ScheduleTask forwards a task to the bus threadpool.
func (b *Bus) ScheduleTask(task Task, backpressure *uint16) bool {
	return b.pool.schedule(task, backpressure)
}

// processBoxedMessage hands a resolved box to the threadpool, which owns
// it from here: exactly one of Run or Cleanup delivers the callback.
func (b *Bus) processBoxedMessage(box *boxedMessage, backpressure *uint16) bool {
	b.logf(3, LogMemory, "scheduling boxed message (%d, %d) status %v",
		box.fd, box.outSeqID, box.result.Status)
	task := Task{Run: runBoxCB, Cleanup: cleanupBoxCB, Udata: box}
	return b.pool.schedule(task, backpressure)
}

func runBoxCB(udata interface{}) {
	box := udata.(*boxedMessage)
	res := box.result
	if box.cb != nil {
		box.cb(&res, box.udata)
	}
}

// cleanupBoxCB runs when the pool drains a box instead of executing it.
// The submitter is still owed exactly one callback.
func cleanupBoxCB(udata interface{}) {
	box := udata.(*boxedMessage)
	res := box.result
	if res.Status == StatusUndefined {
		res.Status = StatusShutdown
	}
	if box.cb != nil {
		box.cb(&res, box.udata)
	}
}

// backpressureDelay sleeps for backpressure>>shift milliseconds.
func (b *Bus) backpressureDelay(backpressure uint16, shift uint) {
	ms := backpressure >> shift
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// Shutdown politely stops every sender, then every listener, and joins
// them. Outstanding requests resolve as Shutdown through their callbacks.
// Idempotent; the threadpool keeps running until Free so late completions
// still execute.
func (b *Bus) Shutdown() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()

	b.logf(2, LogShutdown, "shutting down sender threads")
	for i, s := range b.senders {
		if b.joined[i] {
			continue
		}
		for !s.shutdownRequest() {
			time.Sleep(shutdownPollInterval)
		}
		b.joined[i] = true
	}

	b.logf(2, LogShutdown, "shutting down listener threads")
	off := len(b.senders)
	for i, l := range b.listeners {
		if b.joined[i+off] {
			continue
		}
		for !l.shutdownRequest() {
			time.Sleep(shutdownPollInterval)
		}
		b.joined[i+off] = true
	}

	b.logf(2, LogShutdown, "done with shutdown")
	return true
}

// Free shuts the bus down and releases the threadpool, draining queued
// callbacks.
func (b *Bus) Free() {
	b.Shutdown()
	b.pool.free()
}

// Stats exposes the bus counters.
func (b *Bus) Stats() *Snmp {
	return b.snmp
}

func (b *Bus) senderForFd(fd int) *sender {
	// evenly divide sockets between senders by descriptor
	return b.senders[fd%len(b.senders)]
}

func (b *Bus) listenerForFd(fd int) *listener {
	return b.listeners[fd%len(b.listeners)]
}
