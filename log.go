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
	"fmt"
	"math"
)

// LogEvent keys a log line to the subsystem that produced it.
type LogEvent int

const (
	LogInitialization LogEvent = iota
	LogNewClient
	LogSocketRegistered
	LogSendingRequest
	LogShutdown
	LogSender
	LogListener
	LogMemory
)

// LogEventString returns the stable textual tag for a log event.
func LogEventString(event LogEvent) string {
	switch event {
	case LogInitialization:
		return "INITIALIZATION"
	case LogNewClient:
		return "NEW_CLIENT"
	case LogSocketRegistered:
		return "SOCKET_REGISTERED"
	case LogSendingRequest:
		return "SEND_REQUEST"
	case LogShutdown:
		return "SHUTDOWN"
	case LogSender:
		return "SENDER"
	case LogListener:
		return "LISTENER"
	case LogMemory:
		return "MEMORY"
	default:
		return "UNKNOWN"
	}
}

// LockLog acquires the process-wide log gate so multi-line records stay
// contiguous across sender, listener and worker goroutines.
func (b *Bus) LockLog() { b.logMu.Lock() }

// UnlockLog releases the log gate.
func (b *Bus) UnlockLog() { b.logMu.Unlock() }

func noopLogCB(event LogEvent, level int, msg string, udata interface{}) {}

func noopErrorCB(err error, socketUdata interface{}) {}

func (b *Bus) logf(level int, event LogEvent, format string, args ...interface{}) {
	if level > b.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	b.logMu.Lock()
	b.logCB(event, level, msg, b.udata)
	b.logMu.Unlock()
}

const logLevelOff = math.MinInt32
