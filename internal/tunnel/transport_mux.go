package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
)

// The kcp and tcp transports have no native streams: they run TLS over a
// single reliable byte stream and multiplex it with yamux.

const defaultHandshakeTimeout = 10 * time.Second

func yamuxConfig(logger *slog.Logger, opts QUICOptions) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer()
	if opts.KeepAlivePeriod > 0 {
		cfg.KeepAliveInterval = opts.KeepAlivePeriod
	}
	if opts.MaxIncomingStreams > 0 {
		cfg.AcceptBacklog = int(opts.MaxIncomingStreams)
	}
	return cfg
}

func handshakeTimeout(opts QUICOptions) time.Duration {
	if opts.HandshakeTimeout > 0 {
		return opts.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

// muxListener accepts raw connections in the background, performs the TLS
// handshake and hands out yamux server sessions.
type muxListener struct {
	accept  func() (net.Conn, error)
	closeFn func() error
	addr    net.Addr
	tls     *tls.Config
	mux     *yamux.Config
	hsTime  time.Duration
	logger  *slog.Logger

	sessions  chan Session
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newMuxListener(accept func() (net.Conn, error), closeFn func() error, addr net.Addr, opts ListenOptions, logger *slog.Logger) *muxListener {
	l := &muxListener{
		accept:   accept,
		closeFn:  closeFn,
		addr:     addr,
		tls:      opts.TLS,
		mux:      yamuxConfig(logger, opts.QUIC),
		hsTime:   handshakeTimeout(opts.QUIC),
		logger:   logger,
		sessions: make(chan Session),
		done:     make(chan struct{}),
	}
	go l.loop()
	return l
}

func (l *muxListener) loop() {
	for {
		raw, err := l.accept()
		if err != nil {
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			l.shutdown()
			return
		}
		go l.handshake(raw)
	}
}

func (l *muxListener) handshake(raw net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.hsTime)
	defer cancel()

	tc := tls.Server(raw, l.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		l.logger.Debug("tunnel: tls handshake failed", "peer", raw.RemoteAddr().String(), "err", err)
		_ = raw.Close()
		return
	}
	ys, err := yamux.Server(tc, l.mux)
	if err != nil {
		_ = tc.Close()
		return
	}
	sess := &yamuxSession{sess: ys, raw: raw}
	select {
	case l.sessions <- sess:
	case <-l.done:
		_ = sess.Close()
	}
}

func (l *muxListener) Accept(ctx context.Context) (Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-l.sessions:
		return s, nil
	case <-l.done:
		l.errMu.Lock()
		err := l.err
		l.errMu.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, err
	}
}

func (l *muxListener) shutdown() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *muxListener) Close() error {
	l.shutdown()
	err := l.closeFn()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *muxListener) Addr() net.Addr { return l.addr }

// dialMux runs the client half of the TLS + yamux setup over raw.
func dialMux(ctx context.Context, raw net.Conn, opts DialOptions, logger *slog.Logger) (Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(opts.QUIC))
	defer cancel()

	tc := tls.Client(raw, opts.TLS)
	if err := tc.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	ys, err := yamux.Client(tc, yamuxConfig(logger, opts.QUIC))
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	return &yamuxSession{sess: ys, raw: raw}, nil
}

type yamuxSession struct {
	sess *yamux.Session
	raw  net.Conn
}

func (s *yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	ch := make(chan streamResult, 1)
	go func() {
		st, err := s.sess.OpenStream()
		ch <- streamResult{st: st, err: err}
	}()
	select {
	case <-ctx.Done():
		go drainStream(ch)
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &yamuxStream{st: r.st}, nil
	}
}

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	ch := make(chan streamResult, 1)
	go func() {
		st, err := s.sess.AcceptStream()
		ch <- streamResult{st: st, err: err}
	}()
	select {
	case <-ctx.Done():
		go drainStream(ch)
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &yamuxStream{st: r.st}, nil
	}
}

type streamResult struct {
	st  *yamux.Stream
	err error
}

// drainStream closes a stream that was produced after its caller gave up.
func drainStream(ch <-chan streamResult) {
	if r := <-ch; r.st != nil {
		_ = r.st.Close()
	}
}

func (s *yamuxSession) Close() error {
	// Close session first to unblock Open/Accept.
	err := s.sess.Close()
	// Ensure underlying conn is closed too.
	if s.raw != nil {
		err2 := s.raw.Close()
		if err == nil {
			err = err2
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *yamuxSession) Done() <-chan struct{} { return s.sess.CloseChan() }
func (s *yamuxSession) RemoteAddr() net.Addr  { return s.raw.RemoteAddr() }
func (s *yamuxSession) LocalAddr() net.Addr   { return s.raw.LocalAddr() }

// yamuxStream: Close on a yamux stream sends FIN and keeps the receive side
// open, which is exactly CloseWrite. yamux has no STOP_SENDING, so CloseRead
// only unblocks local readers.
type yamuxStream struct {
	st *yamux.Stream
}

func (s *yamuxStream) Read(p []byte) (int, error)  { return s.st.Read(p) }
func (s *yamuxStream) Write(p []byte) (int, error) { return s.st.Write(p) }
func (s *yamuxStream) ID() uint64                  { return uint64(s.st.StreamID()) }
func (s *yamuxStream) CloseWrite() error           { return s.st.Close() }

func (s *yamuxStream) CloseRead() error {
	return s.st.SetReadDeadline(time.Now())
}

func (s *yamuxStream) Close() error {
	_ = s.CloseRead()
	return s.st.Close()
}

var _ Stream = (*yamuxStream)(nil)
