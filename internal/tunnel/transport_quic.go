package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

type quicTransport struct{}

func NewQUICTransport() Transport { return quicTransport{} }

func (quicTransport) Name() string    { return "quic" }
func (quicTransport) Network() string { return "udp" }

func (quicTransport) Listen(sock Socket, opts ListenOptions) (Listener, error) {
	if sock.Packet == nil {
		return nil, errors.New("tunnel: quic needs a udp socket")
	}
	tr := &quic.Transport{Conn: sock.Packet}
	ln, err := tr.Listen(opts.TLS, opts.QUIC.config())
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return &quicListener{tr: tr, ln: ln, pc: sock.Packet}, nil
}

func (quicTransport) NewDialer(sock Socket, opts DialOptions) (SessionDialer, error) {
	if sock.Packet == nil {
		return nil, errors.New("tunnel: quic needs a udp socket")
	}
	raddr, err := net.ResolveUDPAddr("udp", opts.Remote)
	if err != nil {
		return nil, err
	}
	return &quicDialer{
		tr:    &quic.Transport{Conn: sock.Packet},
		pc:    sock.Packet,
		raddr: raddr,
		opts:  opts,
	}, nil
}

type quicListener struct {
	tr *quic.Transport
	ln *quic.Listener
	pc net.PacketConn
}

func (l *quicListener) Accept(ctx context.Context) (Session, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{c: c}, nil
}

func (l *quicListener) Close() error {
	err := l.ln.Close()
	_ = l.tr.Close()
	_ = l.pc.Close()
	if errors.Is(err, quic.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

type quicDialer struct {
	tr    *quic.Transport
	pc    net.PacketConn
	raddr *net.UDPAddr
	opts  DialOptions
}

func (d *quicDialer) Dial(ctx context.Context) (Session, error) {
	c, err := d.tr.Dial(ctx, d.raddr, d.opts.TLS, d.opts.QUIC.config())
	if err != nil {
		return nil, err
	}
	return &quicSession{c: c}, nil
}

func (d *quicDialer) Close() error {
	err := d.tr.Close()
	_ = d.pc.Close()
	return err
}

type quicSession struct {
	c *quic.Conn
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (s *quicSession) Close() error {
	// CloseWithError is recommended to unblock stream operations.
	err := s.c.CloseWithError(codeShutdown, "shutting down")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *quicSession) Done() <-chan struct{} { return s.c.Context().Done() }
func (s *quicSession) RemoteAddr() net.Addr  { return s.c.RemoteAddr() }
func (s *quicSession) LocalAddr() net.Addr   { return s.c.LocalAddr() }

// quicStream maps the half-close vocabulary onto a quic-go stream: Close on
// the library stream only finishes the send direction (FIN), CancelRead
// aborts the receive direction with STOP_SENDING.
type quicStream struct {
	st *quic.Stream

	finOnce sync.Once
	finErr  error
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.st.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.st.Write(p) }
func (s *quicStream) ID() uint64                  { return uint64(s.st.StreamID()) }

func (s *quicStream) CloseWrite() error {
	s.finOnce.Do(func() { s.finErr = s.st.Close() })
	return s.finErr
}

func (s *quicStream) CloseRead() error {
	// No-op once the peer's FIN has been consumed.
	s.st.CancelRead(codeStreamAborted)
	return nil
}

func (s *quicStream) Close() error {
	_ = s.CloseRead()
	return s.CloseWrite()
}

var _ Stream = (*quicStream)(nil)
