package kinebus

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// test framing: one prefix byte, a big-endian value length, a big-endian
// sequence id, then the value.
const (
	testPrefix    = 'T'
	testHeaderLen = 1 + 4 + 8
)

func testFrame(seqID int64, value []byte) []byte {
	buf := make([]byte, testHeaderLen+len(value))
	buf[0] = testPrefix
	binary.BigEndian.PutUint32(buf[1:], uint32(len(value)))
	binary.BigEndian.PutUint64(buf[5:], uint64(seqID))
	copy(buf[testHeaderLen:], value)
	return buf
}

func testUnpack(buf []byte, _ interface{}) UnpackResult {
	if len(buf) < testHeaderLen {
		return UnpackResult{Kind: UnpackNeedMore, Expected: testHeaderLen}
	}
	if buf[0] != testPrefix {
		return UnpackResult{Kind: UnpackError, Err: errors.New("bad prefix")}
	}
	valueLen := int(binary.BigEndian.Uint32(buf[1:]))
	total := testHeaderLen + valueLen
	if len(buf) < total {
		return UnpackResult{Kind: UnpackNeedMore, Expected: total}
	}
	value := make([]byte, valueLen)
	copy(value, buf[testHeaderLen:total])
	return UnpackResult{
		Kind:     UnpackSuccess,
		SeqID:    int64(binary.BigEndian.Uint64(buf[5:])),
		Response: value,
		Consumed: total,
	}
}

func testSink(buf []byte, _ interface{}) int { return 0 }

func newTestBus(t *testing.T, mutate func(*Config)) *Bus {
	t.Helper()
	cfg := &Config{
		SenderCount:   1,
		ListenerCount: 1,
		SinkCB:        testSink,
		UnpackCB:      testUnpack,
	}
	if mutate != nil {
		mutate(cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(b.Free)
	return b
}

// readTestFrame blocks until one full frame is available on conn.
func readTestFrame(conn net.Conn) (int64, []byte, error) {
	hdr := make([]byte, testHeaderLen)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	if hdr[0] != testPrefix {
		return 0, nil, errors.New("bad prefix")
	}
	value := make([]byte, binary.BigEndian.Uint32(hdr[1:]))
	if _, err := io.ReadFull(conn, value); err != nil {
		return 0, nil, err
	}
	return int64(binary.BigEndian.Uint64(hdr[5:])), value, nil
}

func writeTestFrame(conn net.Conn, seqID int64, value []byte) error {
	_, err := conn.Write(testFrame(seqID, value))
	return err
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(nil); err != ErrNilConfig {
		t.Fatalf("nil config: got %v, want %v", err, ErrNilConfig)
	}
	if _, err := New(&Config{UnpackCB: testUnpack}); err != ErrMissingSinkCB {
		t.Fatalf("missing sink: got %v, want %v", err, ErrMissingSinkCB)
	}
	if _, err := New(&Config{SinkCB: testSink}); err != ErrMissingUnpackCB {
		t.Fatalf("missing unpack: got %v, want %v", err, ErrMissingUnpackCB)
	}
}

func TestLogEventStrings(t *testing.T) {
	events := map[LogEvent]string{
		LogInitialization:   "INITIALIZATION",
		LogNewClient:        "NEW_CLIENT",
		LogSocketRegistered: "SOCKET_REGISTERED",
		LogSendingRequest:   "SEND_REQUEST",
		LogShutdown:         "SHUTDOWN",
		LogSender:           "SENDER",
		LogListener:         "LISTENER",
		LogMemory:           "MEMORY",
	}
	for ev, want := range events {
		if got := LogEventString(ev); got != want {
			t.Fatalf("LogEventString(%d) = %q, want %q", ev, got, want)
		}
	}
	if got := LogEventString(LogEvent(99)); got != "UNKNOWN" {
		t.Fatalf("unknown event: got %q", got)
	}
}

func TestRegisterAndReleaseSocket(t *testing.T) {
	b := newTestBus(t, nil)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	if err := b.RegisterSocket(7, local, SocketPlain, "udata-7"); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}
	if err := b.RegisterSocket(7, local, SocketPlain, nil); err != ErrSocketRegistered {
		t.Fatalf("duplicate registration: got %v, want %v", err, ErrSocketRegistered)
	}

	udata, err := b.ReleaseSocket(7)
	if err != nil {
		t.Fatalf("ReleaseSocket returned error: %v", err)
	}
	if udata != "udata-7" {
		t.Fatalf("ReleaseSocket udata = %v, want udata-7", udata)
	}
	if _, err := b.ReleaseSocket(7); err != ErrSocketUnknown {
		t.Fatalf("double release: got %v, want %v", err, ErrSocketUnknown)
	}
}

func TestSendRequestRejectsBadSubmission(t *testing.T) {
	b := newTestBus(t, nil)
	if b.SendRequest(nil) {
		t.Fatalf("nil message accepted")
	}
	if b.SendRequest(&UserMessage{Fd: 0, SeqID: 1}) {
		t.Fatalf("zero fd accepted")
	}
	if b.SendRequest(&UserMessage{Fd: 99, SeqID: 1, Payload: []byte("x")}) {
		t.Fatalf("unregistered fd accepted")
	}
}

// single round-trip against a loopback echo peer
func TestSingleRoundTrip(t *testing.T) {
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

	if err := b.RegisterSocket(7, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	results := make(chan Result, 1)
	ok := b.SendRequest(&UserMessage{
		Fd:         7,
		SeqID:      42,
		Payload:    testFrame(42, []byte("ping")),
		TimeoutSec: 5,
		Cb: func(res *Result, udata interface{}) {
			results <- *res
		},
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}

	select {
	case res := <-results:
		if res.Status != StatusSuccess {
			t.Fatalf("status = %v, want success", res.Status)
		}
		if res.SeqID != 42 {
			t.Fatalf("seq id = %d, want 42", res.SeqID)
		}
		if string(res.Response.([]byte)) != "ping" {
			t.Fatalf("unexpected response payload: %q", res.Response)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("no callback within 100ms")
	}
}

// out-of-order responses: the peer answers seq 2 first, then seq 1; both
// must succeed, delivered in reply order
func TestOutOfOrderResponses(t *testing.T) {
	b := newTestBus(t, func(cfg *Config) {
		cfg.Threadpool.MaxThreads = 1 // keep callback order observable
	})
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		seq1, v1, err := readTestFrame(remote)
		if err != nil {
			return
		}
		seq2, v2, err := readTestFrame(remote)
		if err != nil {
			return
		}
		writeTestFrame(remote, seq2, v2)
		writeTestFrame(remote, seq1, v1)
	}()

	if err := b.RegisterSocket(3, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	order := make(chan Result, 2)
	cb := func(res *Result, udata interface{}) {
		order <- *res
	}
	for _, seq := range []int64{1, 2} {
		ok := b.SendRequest(&UserMessage{
			Fd: 3, SeqID: seq, Payload: testFrame(seq, []byte("req")),
			TimeoutSec: 5, Cb: cb,
		})
		if !ok {
			t.Fatalf("SendRequest(%d) rejected", seq)
		}
	}

	var got []Result
	for i := 0; i < 2; i++ {
		select {
		case res := <-order:
			got = append(got, res)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing callback %d", i)
		}
	}
	if got[0].SeqID != 2 || got[1].SeqID != 1 {
		t.Fatalf("callback order = %d, %d; want 2, 1", got[0].SeqID, got[1].SeqID)
	}
	for _, res := range got {
		if res.Status != StatusSuccess {
			t.Fatalf("seq %d status = %v, want success", res.SeqID, res.Status)
		}
	}
}

// a response arriving before its expectation is held and merged
func TestEarlyResponseHeldAndMerged(t *testing.T) {
	var unexpected uint64
	b := newTestBus(t, func(cfg *Config) {
		cfg.UnexpectedCB = func(response interface{}, seqID int64, udata interface{}) {
			atomic.AddUint64(&unexpected, 1)
		}
	})
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	if err := b.RegisterSocket(5, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	// the response leaves before the request is even submitted
	if err := writeTestFrame(remote, 42, []byte("early")); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the listener park it in HOLD

	go func() {
		// absorb the request without answering; the held response
		// completes it
		readTestFrame(remote)
	}()

	results := make(chan Result, 1)
	ok := b.SendRequest(&UserMessage{
		Fd: 5, SeqID: 42, Payload: testFrame(42, []byte("late")),
		TimeoutSec: 5,
		Cb: func(res *Result, udata interface{}) {
			results <- *res
		},
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}

	select {
	case res := <-results:
		if res.Status != StatusSuccess {
			t.Fatalf("status = %v, want success", res.Status)
		}
		if string(res.Response.([]byte)) != "early" {
			t.Fatalf("response = %q, want the held payload", res.Response)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("merge never completed")
	}
	if n := atomic.LoadUint64(&unexpected); n != 0 {
		t.Fatalf("unexpected callback fired %d times", n)
	}
	if n := b.Stats().Copy().HoldsMerged; n != 1 {
		t.Fatalf("HoldsMerged = %d, want 1", n)
	}
}

// a peer that never answers: the callback reports TIMED_OUT once, between
// the deadline and deadline plus one listener tick
func TestRequestTimeout(t *testing.T) {
	b := newTestBus(t, nil)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		// swallow the request, never reply
		readTestFrame(remote)
	}()

	if err := b.RegisterSocket(9, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	results := make(chan Result, 2)
	start := time.Now()
	ok := b.SendRequest(&UserMessage{
		Fd: 9, SeqID: 9, Payload: testFrame(9, []byte("void")),
		TimeoutSec: 1,
		Cb: func(res *Result, udata interface{}) {
			results <- *res
		},
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}

	select {
	case res := <-results:
		elapsed := time.Since(start)
		if res.Status != StatusTimedOut {
			t.Fatalf("status = %v, want timed out", res.Status)
		}
		if elapsed < time.Second || elapsed > 1500*time.Millisecond {
			t.Fatalf("timeout after %v, want between 1s and 1.5s", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout callback never fired")
	}

	// the deadline must resolve to a single completion
	select {
	case res := <-results:
		t.Fatalf("second completion: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}
}

// counter-pressure is zero while fewer than two control slots are already
// in use at claim time, then grows quadratically
func TestCounterPressureLaw(t *testing.T) {
	unit := 10 * time.Microsecond
	for n, want := range map[int32]time.Duration{
		0:  0,
		1:  0,
		2:  unit,
		40: 4 * time.Millisecond,
	} {
		if got := counterPressure(n, unit); got != want {
			t.Fatalf("counterPressure(%d) = %v, want %v", n, got, want)
		}
	}
	if got := counterPressureMs(40, unit); got != 4 {
		t.Fatalf("counterPressureMs(40) = %d, want 4", got)
	}
	if got := counterPressureMs(1, unit); got != 0 {
		t.Fatalf("counterPressureMs(1) = %d, want 0", got)
	}
}

// a submission under heavy control-slot occupancy observes a non-zero
// backpressure payload and still completes
func TestCounterPressureOnSubmission(t *testing.T) {
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

	if err := b.RegisterSocket(1, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	// hold 40 control slots so the next claim sees heavy occupancy
	l := b.listenerForFd(1)
	var held []int
	for i := 0; i < 40; i++ {
		id, ok := l.msgFree.get()
		if !ok {
			t.Fatalf("freelist exhausted at %d", i)
		}
		held = append(held, id)
	}
	defer func() {
		for _, id := range held {
			l.msgFree.put(id)
		}
	}()

	if got := counterPressureMs(l.msgFree.used(), b.counterPressureUnit); got == 0 {
		t.Fatalf("expected non-zero backpressure at %d slots in use", l.msgFree.used())
	}

	results := make(chan Result, 1)
	start := time.Now()
	ok := b.SendRequest(&UserMessage{
		Fd: 1, SeqID: 7, Payload: testFrame(7, []byte("pressure")),
		TimeoutSec: 5,
		Cb:         func(res *Result, udata interface{}) { results <- *res },
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}
	if elapsed := time.Since(start); elapsed < 4*time.Millisecond {
		t.Fatalf("submitter returned in %v, expected the backpressure sleep", elapsed)
	}
	select {
	case res := <-results:
		if res.Status != StatusSuccess {
			t.Fatalf("status = %v, want success", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no callback")
	}
}

// shutdown while requests are in flight: every accepted submission still
// resolves exactly once, as success or shutdown
func TestShutdownWhileInFlight(t *testing.T) {
	const requests = 100

	b := newTestBus(t, func(cfg *Config) {
		cfg.SenderCount = 2
		cfg.ListenerCount = 2
	})
	conns := make([]net.Conn, 4)
	for i := range conns {
		local, remote := net.Pipe()
		defer local.Close()
		defer remote.Close()
		conns[i] = local
		go func(remote net.Conn) {
			for {
				seqID, value, err := readTestFrame(remote)
				if err != nil {
					return
				}
				writeTestFrame(remote, seqID, value)
			}
		}(remote)
		if err := b.RegisterSocket(i+1, local, SocketPlain, nil); err != nil {
			t.Fatalf("RegisterSocket(%d) returned error: %v", i+1, err)
		}
	}

	var accepted, completed uint64
	var badStatus uint64
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := b.SendRequest(&UserMessage{
				Fd:         i%4 + 1,
				SeqID:      int64(i + 1),
				Payload:    testFrame(int64(i+1), []byte("inflight")),
				TimeoutSec: 30,
				Cb: func(res *Result, udata interface{}) {
					atomic.AddUint64(&completed, 1)
					if res.Status != StatusSuccess && res.Status != StatusShutdown {
						atomic.AddUint64(&badStatus, 1)
					}
				},
			})
			if ok {
				atomic.AddUint64(&accepted, 1)
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	if !b.Shutdown() {
		t.Fatalf("Shutdown returned false")
	}
	wg.Wait()
	b.Free() // drain any callbacks still queued

	if got, want := atomic.LoadUint64(&completed), atomic.LoadUint64(&accepted); got != want {
		t.Fatalf("completions = %d, accepted = %d", got, want)
	}
	if n := atomic.LoadUint64(&badStatus); n != 0 {
		t.Fatalf("%d completions outside {success, shutdown}", n)
	}
	if !b.Shutdown() {
		t.Fatalf("Shutdown is not idempotent")
	}
}

// enqueue-then-shutdown with a silent peer must deliver SHUTDOWN for every
// accepted submission
func TestShutdownDeliversShutdownStatus(t *testing.T) {
	b := newTestBus(t, nil)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		for {
			if _, _, err := readTestFrame(remote); err != nil {
				return
			}
		}
	}()

	if err := b.RegisterSocket(2, local, SocketPlain, nil); err != nil {
		t.Fatalf("RegisterSocket returned error: %v", err)
	}

	results := make(chan Result, 1)
	ok := b.SendRequest(&UserMessage{
		Fd: 2, SeqID: 11, Payload: testFrame(11, []byte("doomed")),
		TimeoutSec: 30,
		Cb:         func(res *Result, udata interface{}) { results <- *res },
	})
	if !ok {
		t.Fatalf("SendRequest rejected")
	}

	if !b.Shutdown() {
		t.Fatalf("Shutdown returned false")
	}
	select {
	case res := <-results:
		if res.Status != StatusShutdown {
			t.Fatalf("status = %v, want shutdown", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no shutdown completion")
	}
}

func TestSocketAffinityIsStable(t *testing.T) {
	b := newTestBus(t, func(cfg *Config) {
		cfg.SenderCount = 3
		cfg.ListenerCount = 2
	})
	for fd := 1; fd < 100; fd++ {
		if got, want := b.senderForFd(fd), b.senders[fd%3]; got != want {
			t.Fatalf("sender for fd %d moved", fd)
		}
		if got, want := b.listenerForFd(fd), b.listeners[fd%2]; got != want {
			t.Fatalf("listener for fd %d moved", fd)
		}
	}
}
