package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"
)

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a.(*net.TCPConn), b.(*net.TCPConn)
}

// tcpStream presents a TCP connection as a tunnel stream.
type tcpStream struct {
	*net.TCPConn
	readPanic bool
}

func (s *tcpStream) ID() uint64 { return 7 }

func (s *tcpStream) Read(p []byte) (int, error) {
	if s.readPanic {
		panic("boom")
	}
	return s.TCPConn.Read(p)
}

// failingWriter accepts reads from its TCP conn but refuses every write.
type failingWriter struct {
	*net.TCPConn
}

func (w failingWriter) Write([]byte) (int, error) { return 0, errors.New("write refused") }

func quietSplicer() *Splicer {
	return NewSplicer(SplicerOptions{Logger: slog.New(slog.DiscardHandler)})
}

func runSplice(ctx context.Context, s *Splicer, st Stream, c HalfConn) <-chan SpliceResult {
	out := make(chan SpliceResult, 1)
	go func() { out <- s.Splice(ctx, st, c) }()
	return out
}

func waitResult(t *testing.T, ch <-chan SpliceResult) SpliceResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not return")
		return SpliceResult{}
	}
}

func TestSplice_HalfCloseDrainsOtherDirection(t *testing.T) {
	streamPeer, streamEnd := tcpPair(t)
	connEnd, connPeer := tcpPair(t)

	done := runSplice(context.Background(), quietSplicer(), &tcpStream{TCPConn: streamEnd}, connEnd)

	// Stream side sends and half-closes.
	if _, err := streamPeer.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := streamPeer.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	_ = connPeer.SetDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(connPeer)
	if err != nil {
		t.Fatalf("read conn side: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("conn side got %q", got)
	}

	// The reverse direction is still open after the half-close.
	if _, err := connPeer.Write([]byte("still here")); err != nil {
		t.Fatalf("reverse write: %v", err)
	}
	_ = connPeer.Close()

	_ = streamPeer.SetDeadline(time.Now().Add(5 * time.Second))
	back, err := io.ReadAll(streamPeer)
	if err != nil {
		t.Fatalf("read stream side: %v", err)
	}
	if string(back) != "still here" {
		t.Fatalf("stream side got %q", back)
	}

	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("splice err: %v", res.Err)
	}
	if res.StreamToConn != 10 || res.ConnToStream != 10 {
		t.Fatalf("counts = %d / %d, want 10 / 10", res.StreamToConn, res.ConnToStream)
	}
}

func TestSplice_ContextCancelUnblocks(t *testing.T) {
	_, streamEnd := tcpPair(t)
	connEnd, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runSplice(ctx, quietSplicer(), &tcpStream{TCPConn: streamEnd}, connEnd)
	cancel()

	res := waitResult(t, done)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.Err)
	}
}

func TestSplice_PanicClosesBothSides(t *testing.T) {
	_, streamEnd := tcpPair(t)
	connEnd, connPeer := tcpPair(t)

	done := runSplice(context.Background(), quietSplicer(), &tcpStream{TCPConn: streamEnd, readPanic: true}, connEnd)

	res := waitResult(t, done)
	if !errors.Is(res.Err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", res.Err)
	}
	_ = connPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := connPeer.Read(make([]byte, 1)); err == nil {
		t.Fatal("conn side still open after panic")
	}
}

func TestSplice_WriteFailureStopsDirection(t *testing.T) {
	streamPeer, streamEnd := tcpPair(t)
	connEnd, connPeer := tcpPair(t)

	done := runSplice(context.Background(), quietSplicer(), &tcpStream{TCPConn: streamEnd}, failingWriter{connEnd})

	if _, err := streamPeer.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Let the other direction finish normally.
	_ = connPeer.Close()

	res := waitResult(t, done)
	if !errors.Is(res.Err, ErrCopy) {
		t.Fatalf("err = %v, want ErrCopy", res.Err)
	}
	if KindOf(res.Err) != ErrCopy.Error() {
		t.Fatalf("KindOf = %q", KindOf(res.Err))
	}
}

type countingMetrics struct{ in, out int64 }

func (m *countingMetrics) AddIngress(n int64) { m.in += n }
func (m *countingMetrics) AddEgress(n int64)  { m.out += n }

func TestSplice_ReportsBytes(t *testing.T) {
	streamPeer, streamEnd := tcpPair(t)
	connEnd, connPeer := tcpPair(t)

	m := &countingMetrics{}
	s := NewSplicer(SplicerOptions{Metrics: m, Logger: slog.New(slog.DiscardHandler)})
	done := runSplice(context.Background(), s, &tcpStream{TCPConn: streamEnd}, connEnd)

	_, _ = connPeer.Write([]byte("abc"))
	_ = connPeer.CloseWrite()
	_ = streamPeer.SetDeadline(time.Now().Add(5 * time.Second))
	if got, _ := io.ReadAll(streamPeer); string(got) != "abc" {
		t.Fatalf("stream side got %q", got)
	}
	_ = streamPeer.Close()

	waitResult(t, done)
	if m.in != 3 || m.out != 0 {
		t.Fatalf("metrics = %d in / %d out, want 3 / 0", m.in, m.out)
	}
}

// callLog records the shutdown calls made on scriptedEnd values.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(c string) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// scriptedEnd serves data once, then EOF. Every close step is logged and
// returns closeErr.
type scriptedEnd struct {
	name     string
	log      *callLog
	data     []byte
	closeErr error
}

func (e *scriptedEnd) Read(p []byte) (int, error) {
	if len(e.data) > 0 {
		n := copy(p, e.data)
		e.data = e.data[n:]
		return n, nil
	}
	e.log.add(e.name + ".Read EOF")
	return 0, io.EOF
}

func (e *scriptedEnd) Write(p []byte) (int, error) { return len(p), nil }
func (e *scriptedEnd) ID() uint64                  { return 1 }

func (e *scriptedEnd) CloseWrite() error {
	e.log.add(e.name + ".CloseWrite")
	return e.closeErr
}

func (e *scriptedEnd) CloseRead() error {
	e.log.add(e.name + ".CloseRead")
	return e.closeErr
}

func (e *scriptedEnd) Close() error {
	e.log.add(e.name + ".Close")
	return e.closeErr
}

func TestSplice_ShutdownOrder(t *testing.T) {
	for _, tc := range []struct {
		name     string
		closeErr error
	}{
		{"clean", nil},
		{"every step fails", errors.New("close failed")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			log := &callLog{}
			st := &scriptedEnd{name: "stream", log: log, data: []byte("to conn"), closeErr: tc.closeErr}
			c := &scriptedEnd{name: "conn", log: log, data: []byte("to stream!"), closeErr: tc.closeErr}

			res := waitResult(t, runSplice(context.Background(), quietSplicer(), st, c))
			if res.Err != nil {
				t.Fatalf("err = %v, want nil (shutdown errors are not reported)", res.Err)
			}
			if res.StreamToConn != 7 || res.ConnToStream != 10 {
				t.Fatalf("bytes = %d/%d, want 7/10", res.StreamToConn, res.ConnToStream)
			}

			calls := log.list()
			// Each pump: source EOF, then half-close of its destination.
			// Then the four shutdown steps, none skipped.
			if len(calls) != 8 {
				t.Fatalf("calls = %v, want 8 entries", calls)
			}
			want := []string{"conn.CloseWrite", "conn.Close", "stream.CloseWrite", "stream.Close"}
			if tail := calls[4:]; !slices.Equal(tail, want) {
				t.Fatalf("shutdown = %v, want %v", tail, want)
			}
			for _, eof := range []string{"stream.Read EOF", "conn.Read EOF"} {
				if i := slices.Index(calls, eof); i < 0 || i >= 4 {
					t.Fatalf("%s at %d in %v, want before shutdown", eof, i, calls)
				}
			}
		})
	}
}
