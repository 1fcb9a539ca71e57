package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type counter struct {
	active, total atomic.Int64
}

func (c *counter) IncActive() { c.active.Add(1); c.total.Add(1) }
func (c *counter) DecActive() { c.active.Add(-1) }

func TestTCPServer_ServeAndShutdown(t *testing.T) {
	m := &counter{}
	h := ConnectionHandlerFunc(func(_ context.Context, c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
	s, err := Listen("127.0.0.1:0", h, m, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
	_ = c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
	if m.total.Load() != 1 || m.active.Load() != 0 {
		t.Fatalf("metrics = %d total / %d active", m.total.Load(), m.active.Load())
	}
}

func TestTCPServer_ContextCancelStops(t *testing.T) {
	s, err := Listen("127.0.0.1:0", ConnectionHandlerFunc(func(context.Context, net.Conn) {}), nil, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
}

type flakyListener struct {
	net.Listener
	fails atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.fails.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestTCPServer_RetriesTransientErrors(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &flakyListener{Listener: raw}
	ln.fails.Store(3)

	got := make(chan struct{}, 1)
	s := NewTCPServer(ln, ConnectionHandlerFunc(func(_ context.Context, c net.Conn) {
		_ = c.Close()
		got <- struct{}{}
	}), nil, slog.New(slog.DiscardHandler))
	go func() { _ = s.Serve(context.Background()) }()
	defer s.Close()

	c, err := net.Dial("tcp", raw.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("connection not handled after transient accept errors")
	}
}
