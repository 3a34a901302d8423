package generic

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
)

// Transport selects how bus sockets reach a peer. The zero Kind is plain
// TCP; "tls" and "kcp" carry their respective parameters. Both the client
// and the server drive their sockets through the same Transport value.
type Transport struct {
	Kind string // "tcp", "tls", "kcp"
	TLS  *tls.Config

	// kcp session parameters
	Block        kcp.BlockCrypt
	DataShard    int
	ParityShard  int
	SockBuf      int
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
	SndWnd       int
	RcvWnd       int
	MTU          int
	TCPEmu       bool // emulate a TCP connection(linux)
}

// Dial connects to addr over the selected transport.
func (t *Transport) Dial(addr string) (net.Conn, error) {
	switch t.Kind {
	case "", "tcp":
		conn, err := net.Dial("tcp", addr)
		return conn, errors.Wrap(err, "net.Dial()")
	case "tls":
		conn, err := tls.Dial("tcp", addr, t.TLS)
		return conn, errors.Wrap(err, "tls.Dial()")
	case "kcp":
		conn, err := t.dialKCP(addr)
		if err != nil {
			return nil, errors.Wrap(err, "dialKCP()")
		}
		t.Tune(conn)
		return conn, nil
	}
	return nil, errors.Errorf("unknown transport: %v", t.Kind)
}

// Listen binds addr over the selected transport.
func (t *Transport) Listen(addr string) (net.Listener, error) {
	switch t.Kind {
	case "", "tcp":
		ln, err := net.Listen("tcp", addr)
		return ln, errors.Wrap(err, "net.Listen()")
	case "tls":
		ln, err := tls.Listen("tcp", addr, t.TLS)
		return ln, errors.Wrap(err, "tls.Listen()")
	case "kcp":
		ln, err := t.listenKCP(addr)
		return ln, errors.Wrap(err, "listenKCP()")
	}
	return nil, errors.Errorf("unknown transport: %v", t.Kind)
}

// Tune applies the kcp session parameters when conn is a kcp session;
// other conns pass through untouched. Accepted conns go through here too.
func (t *Transport) Tune(conn net.Conn) {
	sess, ok := conn.(*kcp.UDPSession)
	if !ok {
		return
	}
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(t.NoDelay, t.Interval, t.Resend, t.NoCongestion)
	if t.SndWnd > 0 || t.RcvWnd > 0 {
		sess.SetWindowSize(t.SndWnd, t.RcvWnd)
	}
	if t.MTU > 0 {
		sess.SetMtu(t.MTU)
	}
	if t.SockBuf > 0 {
		sess.SetReadBuffer(t.SockBuf)
		sess.SetWriteBuffer(t.SockBuf)
	}
}
