package kinebus

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// trickleConn admits at most one byte per Write, forcing the partial
// write path.
type trickleConn struct {
	net.Conn
	writes int32
}

func (c *trickleConn) Write(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	atomic.AddInt32(&c.writes, 1)
	return c.Conn.Write(p)
}

// brokenConn fails every write outright.
type brokenConn struct {
	net.Conn
}

func (c *brokenConn) Write(p []byte) (int, error) {
	return 0, errors.New("wire cut")
}

// a payload pushed through one-byte writes still arrives whole
func TestPartialWrites(t *testing.T) {
	b := newTestBus(t, nil)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		for {
			seqID, value, err := readTestFrame(remote)
			if err != nil {
				return
			}
			writeTestFrame(remote, seqID, value)
		}
	}()

	trickle := &trickleConn{Conn: local}
	if err := b.RegisterSocket(4, trickle, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	payload := testFrame(13, []byte("0123456789"))
	results := make(chan Result, 1)
	ok := b.SendRequest(&UserMessage{
		Fd: 4, SeqID: 13, Payload: payload,
		TimeoutSec: 5,
		Cb:         func(res *Result, udata interface{}) { results <- *res },
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}

	select {
	case res := <-results:
		if res.Status != StatusSuccess {
			t.Fatalf("status = %v, want success", res.Status)
		}
		if string(res.Response.([]byte)) != "0123456789" {
			t.Fatalf("echo mismatch: %q", res.Response)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion")
	}
	if n := atomic.LoadInt32(&trickle.writes); int(n) < len(payload) {
		t.Fatalf("write cycles = %d, want at least %d", n, len(payload))
	}
}

// a dead wire resolves asynchronously as TX_FAILURE; the submission is
// still accepted
func TestWriteFailureReportsTxFailure(t *testing.T) {
	b := newTestBus(t, nil)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	if err := b.RegisterSocket(6, &brokenConn{Conn: local}, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	results := make(chan Result, 1)
	ok := b.SendRequest(&UserMessage{
		Fd: 6, SeqID: 21, Payload: testFrame(21, []byte("x")),
		TimeoutSec: 2,
		Cb:         func(res *Result, udata interface{}) { results <- *res },
	})
	if !ok {
		t.Fatalf("partial failures must report asynchronously, not reject")
	}
	select {
	case res := <-results:
		if res.Status != StatusTxFailure {
			t.Fatalf("status = %v, want tx failure", res.Status)
		}
		if res.SeqID != 21 {
			t.Fatalf("seq id = %d, want 21", res.SeqID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no failure callback")
	}
	if n := b.Stats().Copy().TxErrors; n != 1 {
		t.Fatalf("TxErrors = %d, want 1", n)
	}
}

// the slot array back-pressures by rejection once it is full
func TestEnqueueRejectsWhenFull(t *testing.T) {
	b := newTestBus(t, nil)
	// a detached sender: no mainloop is draining its slots
	s, err := newSender(b, 0)
	if err != nil {
		t.Fatalf("newSender returned error: %v", err)
	}

	for i := 0; i < maxTxSlots; i++ {
		if _, ok := s.enqueue(&boxedMessage{fd: 1, outSeqID: int64(i)}); !ok {
			t.Fatalf("enqueue %d rejected early", i)
		}
	}
	if _, ok := s.enqueue(&boxedMessage{fd: 1, outSeqID: 999}); ok {
		t.Fatalf("enqueue accepted past capacity")
	}

	// draining senders reject outright
	atomic.StoreInt32(&s.draining, 1)
	if _, ok := s.enqueue(&boxedMessage{fd: 1, outSeqID: 1000}); ok {
		t.Fatalf("enqueue accepted while draining")
	}
}
