package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
)

// Transport is the session layer between the frontend and the backend.
//
// It only has to turn a pre-bound socket into either a listener of sessions
// (backend) or a dialer that produces sessions (frontend). Sessions carry
// independent bidirectional streams.
//
// Implementations:
// - quic: QUIC native streams (default)
// - kcp: KCP (reliable UDP) + TLS + yamux
// - tcp: TCP + TLS + yamux
type Transport interface {
	Name() string
	// Network is the socket family the boundary must bind for this
	// transport: "udp" or "tcp".
	Network() string
	Listen(sock Socket, opts ListenOptions) (Listener, error)
	NewDialer(sock Socket, opts DialOptions) (SessionDialer, error)
}

type ListenOptions struct {
	TLS  *tls.Config
	QUIC QUICOptions
}

type DialOptions struct {
	// Remote is the backend address (RemoteQuicAddr).
	Remote string
	TLS    *tls.Config
	QUIC   QUICOptions
}

type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
	Addr() net.Addr
}

// SessionDialer owns the frontend socket and may dial more than once on it
// (the reconnect supervisor does).
type SessionDialer interface {
	Dial(ctx context.Context) (Session, error)
	Close() error
}

type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
	// Done is closed once the session is no longer usable.
	Done() <-chan struct{}
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// HalfConn is a duplex byte stream whose directions can be shut down
// independently. *net.TCPConn satisfies it.
type HalfConn interface {
	io.Reader
	io.Writer
	// CloseWrite signals EOF to the peer; reads continue to work.
	CloseWrite() error
	// CloseRead stops receiving; writes continue to work.
	CloseRead() error
	Close() error
}

// Stream is one tunneled TCP connection.
type Stream interface {
	HalfConn
	ID() uint64
}

// Socket is a pre-bound endpoint socket. Ownership moves into the Listener
// or SessionDialer built on top of it.
type Socket struct {
	// Packet is set for udp transports.
	Packet net.PacketConn
	// Stream is set for tcp transports on the listening side.
	Stream net.Listener
	// Local is the local address tcp dialers bind to (may be nil).
	Local net.Addr
}

func (s Socket) Close() error {
	switch {
	case s.Packet != nil:
		return s.Packet.Close()
	case s.Stream != nil:
		return s.Stream.Close()
	}
	return nil
}

func (s Socket) Addr() net.Addr {
	switch {
	case s.Packet != nil:
		return s.Packet.LocalAddr()
	case s.Stream != nil:
		return s.Stream.Addr()
	}
	return s.Local
}

// ListenSocket binds the backend socket for tr on addr.
func ListenSocket(tr Transport, addr string) (Socket, error) {
	switch tr.Network() {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return Socket{}, wrap(ErrBind, "listen udp "+addr, err)
		}
		return Socket{Packet: pc}, nil
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return Socket{}, wrap(ErrBind, "listen tcp "+addr, err)
		}
		return Socket{Stream: ln}, nil
	default:
		return Socket{}, fmt.Errorf("%w: transport %s: unknown network %q", ErrConfig, tr.Name(), tr.Network())
	}
}

// DialSocket binds the frontend socket for tr on the local address addr.
//
// The UDP socket is bound but not connected: quic-go and kcp-go write with an
// explicit destination, which Go refuses on a connected socket.
func DialSocket(tr Transport, addr string) (Socket, error) {
	switch tr.Network() {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return Socket{}, wrap(ErrBind, "bind udp "+addr, err)
		}
		return Socket{Packet: pc}, nil
	case "tcp":
		if addr == "" {
			return Socket{}, nil
		}
		la, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return Socket{}, wrap(ErrBind, "resolve tcp "+addr, err)
		}
		return Socket{Local: la}, nil
	default:
		return Socket{}, fmt.Errorf("%w: transport %s: unknown network %q", ErrConfig, tr.Name(), tr.Network())
	}
}

func ParseTransport(name string) (string, error) {
	n := strings.TrimSpace(strings.ToLower(name))
	if n == "" {
		n = "quic"
	}
	switch n {
	case "quic", "kcp", "tcp":
		return n, nil
	default:
		return "", fmt.Errorf("%w: unknown transport %q (expected quic|kcp|tcp)", ErrConfig, name)
	}
}
