package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type ConnectionHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

type ConnectionHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnectionHandlerFunc) Handle(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// ActiveTracker counts connections while their handler runs.
type ActiveTracker interface {
	IncActive()
	DecActive()
}

// TCPServer runs an accept loop over a bound listener and hands every
// connection to its handler on a new goroutine.
type TCPServer struct {
	ln      net.Listener
	h       ConnectionHandler
	logger  *slog.Logger
	metrics ActiveTracker

	closing atomic.Bool
	errLog  rate.Sometimes

	wg sync.WaitGroup
}

// NewTCPServer serves an already bound listener. metrics may be nil.
func NewTCPServer(ln net.Listener, h ConnectionHandler, metrics ActiveTracker, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		ln:      ln,
		h:       h,
		logger:  logger,
		metrics: metrics,
		errLog:  rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// Listen binds addr and wraps it in a TCPServer.
func Listen(addr string, h ConnectionHandler, metrics ActiveTracker, logger *slog.Logger) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPServer(ln, h, metrics, logger), nil
}

func (s *TCPServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts until the listener is closed or ctx is done, then returns nil.
// Other accept errors (fd exhaustion, aborted handshakes) are logged and
// retried after a short pause.
func (s *TCPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closing.Load() {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.errLog.Do(func() {
				s.logger.Warn("server: accept failed; retrying", "addr", s.ln.Addr().String(), "err", err, "delay", delay)
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			if s.metrics != nil {
				s.metrics.IncActive()
				defer s.metrics.DecActive()
			}
			s.h.Handle(ctx, c)
		}(conn)
	}
}

// Close stops accepting. Connections already handed out are not touched.
func (s *TCPServer) Close() error {
	s.closing.Store(true)
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown closes the listener and waits for running handlers.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	_ = s.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
