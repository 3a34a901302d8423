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
	"time"

	"github.com/pkg/errors"
)

const (
	// maxPendingMessages is the per-listener rx reservation table size,
	// must be a power of two.
	maxPendingMessages = 1024
	// maxQueueMessages bounds control messages in flight to a listener.
	maxQueueMessages = 64
	// maxTxSlots bounds messages queued to a single sender.
	maxTxSlots = 64
)

// Status classifies the outcome delivered to a request's result callback.
type Status int32

const (
	// StatusUndefined is a programming-error sentinel and must never
	// reach a user callback.
	StatusUndefined Status = iota
	StatusSuccess
	StatusTxFailure
	StatusTimedOut
	StatusShutdown
	StatusRxFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusTxFailure:
		return "TX_FAILURE"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusShutdown:
		return "SHUTDOWN"
	case StatusRxFailure:
		return "RX_FAILURE"
	default:
		return "UNDEFINED"
	}
}

// SocketKind selects how a registered socket is driven.
type SocketKind int

const (
	SocketPlain SocketKind = iota
	SocketTLS
)

// Result is what a request resolves to, success or not.
type Result struct {
	Status   Status
	SeqID    int64
	Response interface{}
}

// ResultCB runs on a threadpool worker once per accepted request.
type ResultCB func(res *Result, udata interface{})

// UnpackKind tags an UnpackResult.
type UnpackKind int

const (
	UnpackSuccess UnpackKind = iota
	UnpackNeedMore
	UnpackError
)

// UnpackResult is returned by the user framing callback.
//
// Success carries the sequence id, an opaque response handle and how many
// bytes of the input were consumed. NeedMore carries the total frame size
// once known (0 if still unknown). Error carries the parse error.
type UnpackResult struct {
	Kind     UnpackKind
	SeqID    int64
	Response interface{}
	Consumed int
	Expected int
	Err      error
}

// UnpackCB carves framed messages out of buf. It must not retain buf.
type UnpackCB func(buf []byte, socketUdata interface{}) UnpackResult

// SinkCB observes every raw read before framing and returns how many
// leading bytes it consumed out of band (0 for pass-through).
type SinkCB func(buf []byte, socketUdata interface{}) int

// UnexpectedCB receives responses no expectation was registered for.
type UnexpectedCB func(response interface{}, seqID int64, socketUdata interface{})

// ErrorCB receives unpack and socket errors. After an unpack error the
// socket stays in service; after a read error its listener stops reading
// it and fails its pending requests as RxFailure. The bus never closes
// the connection itself.
type ErrorCB func(err error, socketUdata interface{})

// LogCB receives log lines. Multi-line records are serialized by the
// bus log gate.
type LogCB func(event LogEvent, level int, msg string, busUdata interface{})

// ThreadpoolConfig sizes the callback execution pool.
type ThreadpoolConfig struct {
	MaxThreads    int
	MaxQueueDepth int
	// TaskTimeout bounds how long a full queue is retried before
	// scheduling gives up.
	TaskTimeout time.Duration
}

// Config carries everything New needs. Zero values select defaults.
type Config struct {
	SenderCount   int
	ListenerCount int
	Threadpool    ThreadpoolConfig

	SinkCB       SinkCB
	UnpackCB     UnpackCB
	UnexpectedCB UnexpectedCB
	ErrorCB      ErrorCB
	LogCB        LogCB
	LogLevel     int
	Udata        interface{}

	// TLSClient is applied to sockets registered as SocketTLS that are
	// not already *tls.Conn.
	TLSClient *tls.Config

	// CompletionTimeout bounds the blocking wait inside SendRequest and
	// RegisterSocket. Consumed in one-second ticks. Default 10s.
	CompletionTimeout time.Duration
	// HoldTimeout bounds how long an early response is held waiting for
	// its expectation. Default 1s.
	HoldTimeout time.Duration
	// ListenerTick caps the listener's poll interval so the timeout
	// sweep runs even on an idle socket set. Default 100ms.
	ListenerTick time.Duration
	// CounterPressureUnit scales the freelist occupancy sleep,
	// unit * (n/2)^2. Default 10µs.
	CounterPressureUnit time.Duration
}

// Initialization failures, testable by identity.
var (
	ErrNilConfig        = errors.New("bus: nil config")
	ErrMissingSinkCB    = errors.New("bus: missing sink callback")
	ErrMissingUnpackCB  = errors.New("bus: missing unpack callback")
	ErrSenderInit       = errors.New("bus: sender init failed")
	ErrListenerInit     = errors.New("bus: listener init failed")
	ErrThreadpoolInit   = errors.New("bus: threadpool init failed")
	ErrSocketRegistered = errors.New("bus: socket already registered")
	ErrSocketUnknown    = errors.New("bus: socket not registered")
	ErrShuttingDown     = errors.New("bus: shutting down")
)

// UserMessage is a request submission. Fd must match a registered socket.
// The caller owns Payload until SendRequest returns or the result callback
// fires, whichever is later.
type UserMessage struct {
	Fd         int
	SeqID      int64
	Payload    []byte
	Cb         ResultCB
	Udata      interface{}
	TimeoutSec int
}

// boxedMessage is the envelope tracking one request through the pipeline.
// It is referenced by exactly one subsystem at a time: caller, sender
// queue, sender in-flight, listener in-flight, threadpool, callback.
type boxedMessage struct {
	fd       int
	conn     net.Conn
	outSeqID int64
	payload  []byte
	cb       ResultCB
	udata    interface{}
	timeout  time.Duration

	result Result
}

// Task is a unit of work for the bus threadpool. Exactly one of Run or
// Cleanup releases Udata: Run on normal execution, Cleanup on cancellation
// or drain.
type Task struct {
	Run     func(udata interface{})
	Cleanup func(udata interface{})
	Udata   interface{}
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.SenderCount < 1 {
		cfg.SenderCount = 1
	}
	if cfg.ListenerCount < 1 {
		cfg.ListenerCount = 1
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 10 * time.Second
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = time.Second
	}
	if cfg.ListenerTick <= 0 {
		cfg.ListenerTick = 100 * time.Millisecond
	}
	if cfg.CounterPressureUnit <= 0 {
		cfg.CounterPressureUnit = 10 * time.Microsecond
	}
	if cfg.Threadpool.MaxThreads < 1 {
		cfg.Threadpool.MaxThreads = 4
	}
	if cfg.Threadpool.MaxQueueDepth < 1 {
		cfg.Threadpool.MaxQueueDepth = 1024
	}
	if cfg.Threadpool.TaskTimeout <= 0 {
		cfg.Threadpool.TaskTimeout = time.Second
	}
	return cfg
}
