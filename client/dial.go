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

package main

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/kinebus/generic"
	"github.com/xtaci/kinebus/std"
	"github.com/xtaci/qpp"
)

// dial connects one bus socket: transport first, then the optional QPP
// and compression layers. The server peels them in the same order.
func dial(config *Config, transport *generic.Transport, addr string, pad *qpp.QuantumPermutationPad) (net.Conn, error) {
	conn, err := transport.Dial(addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial()")
	}
	if tc, ok := conn.(*tls.Conn); ok {
		// handshake now so a dead endpoint fails at dial time, not on
		// the first request
		if err := tc.Handshake(); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "tls handshake")
		}
	}
	if pad != nil {
		conn = std.NewQPPConn(conn, pad, []byte(config.Key))
	}
	if !config.NoComp {
		conn = std.NewCompStream(conn)
	}
	return conn, nil
}
