package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
)

type tcpTransport struct {
	logger *slog.Logger
}

func NewTCPTransport(logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return tcpTransport{logger: logger}
}

func (tcpTransport) Name() string    { return "tcp" }
func (tcpTransport) Network() string { return "tcp" }

func (t tcpTransport) Listen(sock Socket, opts ListenOptions) (Listener, error) {
	if sock.Stream == nil {
		return nil, errors.New("tunnel: tcp needs a tcp listener")
	}
	ln := sock.Stream
	return newMuxListener(ln.Accept, ln.Close, ln.Addr(), opts, t.logger), nil
}

func (t tcpTransport) NewDialer(sock Socket, opts DialOptions) (SessionDialer, error) {
	if _, _, err := net.SplitHostPort(opts.Remote); err != nil {
		return nil, err
	}
	return &tcpDialer{d: net.Dialer{LocalAddr: sock.Local}, opts: opts, logger: t.logger}, nil
}

type tcpDialer struct {
	d      net.Dialer
	opts   DialOptions
	logger *slog.Logger
}

func (d *tcpDialer) Dial(ctx context.Context) (Session, error) {
	c, err := d.d.DialContext(ctx, "tcp", d.opts.Remote)
	if err != nil {
		return nil, err
	}
	return dialMux(ctx, c, d.opts, d.logger)
}

func (d *tcpDialer) Close() error { return nil }
