package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// stubTransport hands out in-memory sessions without touching the network.
type stubTransport struct {
	dialed    chan struct{}
	openPanic bool
}

func (*stubTransport) Name() string    { return "stub" }
func (*stubTransport) Network() string { return "udp" }

func (*stubTransport) Listen(Socket, ListenOptions) (Listener, error) {
	return nil, errors.New("stub: no listener")
}

func (t *stubTransport) NewDialer(Socket, DialOptions) (SessionDialer, error) {
	return stubDialer{t}, nil
}

type stubDialer struct{ t *stubTransport }

func (d stubDialer) Dial(context.Context) (Session, error) {
	s := &stubSession{done: make(chan struct{}), openPanic: d.t.openPanic}
	if d.t.dialed != nil {
		select {
		case d.t.dialed <- struct{}{}:
		default:
		}
	}
	return s, nil
}

func (stubDialer) Close() error { return nil }

type stubSession struct {
	done      chan struct{}
	once      sync.Once
	openPanic bool
}

func (s *stubSession) OpenStream(context.Context) (Stream, error) {
	if s.openPanic {
		panic("open stream exploded")
	}
	return nil, errors.New("stub: no streams")
}

func (s *stubSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, net.ErrClosed
	}
}

func (s *stubSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stubSession) Done() <-chan struct{} { return s.done }
func (s *stubSession) RemoteAddr() net.Addr  { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (s *stubSession) LocalAddr() net.Addr   { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }

func newStubFrontend(t *testing.T, tr *stubTransport) *Frontend {
	t.Helper()
	f, err := NewFrontend(FrontendOptions{
		ListenAddr: "127.0.0.1:0",
		Remote:     "127.0.0.1:1",
		ServerName: "localhost",
		Transport:  tr,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewFrontend: %v", err)
	}
	return f
}

func TestFrontend_CloseDuringStartup(t *testing.T) {
	// Close lands anywhere between the session dial and the TCP bind; Listen
	// must return in every case instead of serving on.
	for i := 0; i < 50; i++ {
		tr := &stubTransport{dialed: make(chan struct{}, 1)}
		f := newStubFrontend(t, tr)

		done := make(chan error, 1)
		go func() { done <- f.Listen(context.Background()) }()
		select {
		case <-tr.dialed:
		case <-time.After(5 * time.Second):
			t.Fatal("session never dialed")
		}
		_ = f.Close()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrSession) {
				t.Fatalf("iteration %d: Listen = %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Listen kept serving after Close", i)
		}
	}
}

func TestFrontend_OpenStreamPanicClosesConnection(t *testing.T) {
	f := newStubFrontend(t, &stubTransport{openPanic: true})
	done := make(chan error, 1)
	go func() { done <- f.Listen(context.Background()) }()
	select {
	case <-f.Listening():
	case err := <-done:
		t.Fatalf("Listen exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("frontend did not start")
	}

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", f.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Fatalf("connection %d: read err = %v, want EOF", i, err)
		}
		_ = c.Close()
	}

	_ = f.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after Close")
	}
}
