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
	"sync/atomic"
)

// Snmp aggregates per-bus transfer and matching counters. All fields are
// updated atomically; read a consistent view through Copy.
type Snmp struct {
	BytesSent         uint64
	BytesReceived     uint64
	RequestsSent      uint64
	ResponsesMatched  uint64
	HoldsMerged       uint64 // responses that arrived before their expectation
	HoldsExpired      uint64
	Timeouts          uint64
	Unexpected        uint64
	TxErrors          uint64
	RxErrors          uint64
	SocketsRegistered uint64
	SocketsReleased   uint64
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns the field names, aligned with ToSlice.
func (s *Snmp) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"RequestsSent",
		"ResponsesMatched",
		"HoldsMerged",
		"HoldsExpired",
		"Timeouts",
		"Unexpected",
		"TxErrors",
		"RxErrors",
		"SocketsRegistered",
		"SocketsReleased",
	}
}

// ToSlice returns the current values as strings, aligned with Header.
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.BytesSent),
		fmt.Sprint(snmp.BytesReceived),
		fmt.Sprint(snmp.RequestsSent),
		fmt.Sprint(snmp.ResponsesMatched),
		fmt.Sprint(snmp.HoldsMerged),
		fmt.Sprint(snmp.HoldsExpired),
		fmt.Sprint(snmp.Timeouts),
		fmt.Sprint(snmp.Unexpected),
		fmt.Sprint(snmp.TxErrors),
		fmt.Sprint(snmp.RxErrors),
		fmt.Sprint(snmp.SocketsRegistered),
		fmt.Sprint(snmp.SocketsReleased),
	}
}

// Copy makes a point-in-time snapshot.
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.RequestsSent = atomic.LoadUint64(&s.RequestsSent)
	d.ResponsesMatched = atomic.LoadUint64(&s.ResponsesMatched)
	d.HoldsMerged = atomic.LoadUint64(&s.HoldsMerged)
	d.HoldsExpired = atomic.LoadUint64(&s.HoldsExpired)
	d.Timeouts = atomic.LoadUint64(&s.Timeouts)
	d.Unexpected = atomic.LoadUint64(&s.Unexpected)
	d.TxErrors = atomic.LoadUint64(&s.TxErrors)
	d.RxErrors = atomic.LoadUint64(&s.RxErrors)
	d.SocketsRegistered = atomic.LoadUint64(&s.SocketsRegistered)
	d.SocketsReleased = atomic.LoadUint64(&s.SocketsReleased)
	return d
}

// Reset zeroes all counters.
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.RequestsSent, 0)
	atomic.StoreUint64(&s.ResponsesMatched, 0)
	atomic.StoreUint64(&s.HoldsMerged, 0)
	atomic.StoreUint64(&s.HoldsExpired, 0)
	atomic.StoreUint64(&s.Timeouts, 0)
	atomic.StoreUint64(&s.Unexpected, 0)
	atomic.StoreUint64(&s.TxErrors, 0)
	atomic.StoreUint64(&s.RxErrors, 0)
	atomic.StoreUint64(&s.SocketsRegistered, 0)
	atomic.StoreUint64(&s.SocketsReleased, 0)
}
