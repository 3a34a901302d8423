package std

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// a frame written through the compressor comes out identical on the other
// side
func TestCompStreamRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	a := NewCompStream(local)
	b := NewCompStream(remote)

	frame := PackPDU(&PDU{SeqID: 5, Op: OpEcho, Value: bytes.Repeat([]byte("payload "), 64)})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Write(frame)
		errc <- err
	}()

	got := make([]byte, len(frame))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame corrupted through compression")
	}
}

// each write flushes: a single small frame must be readable immediately,
// without waiting for more data
func TestCompStreamFlushesPerWrite(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	a := NewCompStream(local)
	b := NewCompStream(remote)

	go a.Write([]byte("tiny"))

	b.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, 4)
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("small write was not flushed: %v", err)
	}
	if string(got) != "tiny" {
		t.Fatalf("got %q", got)
	}
}

func TestCompStreamAddrsAndDeadlines(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	c := NewCompStream(local)
	if c.LocalAddr() != local.LocalAddr() || c.RemoteAddr() != local.RemoteAddr() {
		t.Fatalf("addresses not forwarded")
	}
	if err := c.SetDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetDeadline returned error: %v", err)
	}
	if err := c.SetWriteDeadline(time.Time{}); err != nil {
		t.Fatalf("SetWriteDeadline returned error: %v", err)
	}
}
