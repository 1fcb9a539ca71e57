package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/xtaci/kcp-go/v5"
)

// KCP (reliable UDP) carries the same TLS + yamux stack as the tcp transport,
// on the same pre-bound UDP socket the quic transport would use.

const (
	kcpDataShards   = 10
	kcpParityShards = 3
)

type kcpTransport struct {
	logger *slog.Logger
}

func NewKCPTransport(logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return kcpTransport{logger: logger}
}

func (kcpTransport) Name() string    { return "kcp" }
func (kcpTransport) Network() string { return "udp" }

func (t kcpTransport) Listen(sock Socket, opts ListenOptions) (Listener, error) {
	if sock.Packet == nil {
		return nil, errors.New("tunnel: kcp needs a udp socket")
	}
	ln, err := kcp.ServeConn(nil, kcpDataShards, kcpParityShards, sock.Packet)
	if err != nil {
		return nil, err
	}
	accept := func() (net.Conn, error) {
		c, err := ln.AcceptKCP()
		if err != nil {
			return nil, err
		}
		tuneKCP(c)
		return c, nil
	}
	closeFn := func() error {
		err := ln.Close()
		// ServeConn does not own the socket.
		_ = sock.Packet.Close()
		return err
	}
	return newMuxListener(accept, closeFn, sock.Packet.LocalAddr(), opts, t.logger), nil
}

func (t kcpTransport) NewDialer(sock Socket, opts DialOptions) (SessionDialer, error) {
	if sock.Packet == nil {
		return nil, errors.New("tunnel: kcp needs a udp socket")
	}
	raddr, err := net.ResolveUDPAddr("udp", opts.Remote)
	if err != nil {
		return nil, err
	}
	return &kcpDialer{pc: sock.Packet, raddr: raddr, opts: opts, logger: t.logger}, nil
}

type kcpDialer struct {
	pc     net.PacketConn
	raddr  *net.UDPAddr
	opts   DialOptions
	logger *slog.Logger
}

func (d *kcpDialer) Dial(ctx context.Context) (Session, error) {
	// KCP has no handshake of its own; the TLS handshake in dialMux is what
	// proves the backend is there.
	c, err := kcp.NewConn2(d.raddr, nil, kcpDataShards, kcpParityShards, d.pc)
	if err != nil {
		return nil, err
	}
	tuneKCP(c)
	return dialMux(ctx, c, d.opts, d.logger)
}

func (d *kcpDialer) Close() error { return d.pc.Close() }

func tuneKCP(c *kcp.UDPSession) {
	c.SetStreamMode(true)
	c.SetNoDelay(1, 20, 2, 1)
	c.SetWindowSize(1024, 1024)
}
