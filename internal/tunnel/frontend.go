package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"quicproxy/internal/proxy"
	"quicproxy/internal/server"
	"quicproxy/internal/telemetry"
)

const defaultConnectTimeout = 10 * time.Second

type ReconnectOptions struct {
	Enabled    bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type FrontendOptions struct {
	// ListenAddr is the local TCP address accepting plain connections.
	ListenAddr string
	// Remote is the backend address; ServerName is sent as SNI and verified.
	Remote     string
	ServerName string
	Trust      ClientTrust

	Transport Transport
	// Socket is the pre-bound local socket; the frontend takes ownership.
	Socket Socket
	ALPN   []string
	QUIC   QUICOptions

	// ConnectTimeout bounds each session establishment attempt.
	ConnectTimeout time.Duration
	Reconnect      ReconnectOptions

	Splicer *Splicer
	Metrics *telemetry.Counters
	Flows   *proxy.FlowRegistry
	Logger  *slog.Logger
}

// Frontend keeps one tunnel session to the backend and opens a stream on it
// for every accepted TCP connection.
type Frontend struct {
	opts   FrontendOptions
	dialer SessionDialer
	slot   *sessionSlot

	tcp       atomic.Pointer[server.TCPServer]
	listening chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewFrontend(opts FrontendOptions) (*Frontend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = NewQUICTransport()
	}
	fail := func(err error) (*Frontend, error) {
		_ = opts.Socket.Close()
		return nil, err
	}
	if _, _, err := net.SplitHostPort(opts.ListenAddr); err != nil {
		return fail(fmt.Errorf("%w: listen %q: %w", ErrConfig, opts.ListenAddr, err))
	}
	if _, _, err := net.SplitHostPort(opts.Remote); err != nil {
		return fail(fmt.Errorf("%w: remote %q: %w", ErrConfig, opts.Remote, err))
	}
	if opts.ServerName == "" {
		return fail(fmt.Errorf("%w: server_name is required", ErrConfig))
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Reconnect.MinBackoff <= 0 {
		opts.Reconnect.MinBackoff = 200 * time.Millisecond
	}
	if opts.Reconnect.MaxBackoff < opts.Reconnect.MinBackoff {
		opts.Reconnect.MaxBackoff = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewCounters()
	}
	if opts.Flows == nil {
		opts.Flows = proxy.NewFlowRegistry()
	}
	if opts.Splicer == nil {
		opts.Splicer = NewSplicer(SplicerOptions{Metrics: opts.Metrics, Logger: opts.Logger})
	}

	d, err := opts.Transport.NewDialer(opts.Socket, DialOptions{
		Remote: opts.Remote,
		TLS:    opts.Trust.ClientTLSConfig(opts.ServerName, opts.ALPN),
		QUIC:   opts.QUIC,
	})
	if err != nil {
		return fail(wrap(ErrConfig, "wrap frontend socket", err))
	}
	return &Frontend{
		opts:      opts,
		dialer:    d,
		slot:      newSessionSlot(),
		listening: make(chan struct{}),
	}, nil
}

func (f *Frontend) State() SessionState { return f.slot.State() }

// Addr is the bound TCP address, or nil before Listen has bound it.
func (f *Frontend) Addr() net.Addr {
	if s := f.tcp.Load(); s != nil {
		return s.Addr()
	}
	return nil
}

// Listening is closed once the TCP listener is bound.
func (f *Frontend) Listening() <-chan struct{} { return f.listening }

func (f *Frontend) Flows() *proxy.FlowRegistry { return f.opts.Flows }

func (f *Frontend) Metrics() *telemetry.Counters { return f.opts.Metrics }

// Listen establishes the session, binds the TCP listener and serves until
// ctx is done or Close is called. Failing to establish the first session or
// to bind is fatal.
func (f *Frontend) Listen(ctx context.Context) error {
	defer f.Close()

	sess, err := f.connect(ctx)
	if err != nil {
		f.slot.set(nil, StateClosed)
		return wrap(ErrSession, "connect "+f.opts.Remote, err)
	}
	if !f.slot.set(sess, StateReady) {
		_ = sess.Close()
		return wrap(ErrSession, "connect "+f.opts.Remote, net.ErrClosed)
	}
	f.opts.Logger.Info("frontend: session established",
		"remote", f.opts.Remote,
		"local", sess.LocalAddr().String(),
		"server_name", f.opts.ServerName,
		"transport", f.opts.Transport.Name(),
	)

	srv, err := server.Listen(f.opts.ListenAddr, server.ConnectionHandlerFunc(f.handle), f.opts.Metrics, f.opts.Logger)
	if err != nil {
		return wrap(ErrBind, "listen tcp "+f.opts.ListenAddr, err)
	}
	f.tcp.Store(srv)
	if f.closed.Load() {
		// Close ran before the server was published and could not stop it.
		_ = srv.Close()
	}
	close(f.listening)
	f.opts.Logger.Info("frontend: listening", "addr", srv.Addr().String())

	supCtx, stopSup := context.WithCancel(ctx)
	defer stopSup()
	go f.supervise(supCtx, sess)

	if err := srv.Serve(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Frontend) connect(ctx context.Context) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
	defer cancel()
	sess, err := f.dialer.Dial(dialCtx)
	if err != nil {
		return nil, err
	}
	f.opts.Metrics.IncSession()
	return sess, nil
}

// supervise watches the live session. Without reconnect a lost session is
// terminal; otherwise it is redialed with capped exponential backoff.
// Connections accepted meanwhile are refused.
func (f *Frontend) supervise(ctx context.Context, sess Session) {
	b := &backoff.Backoff{
		Min:    f.opts.Reconnect.MinBackoff,
		Max:    f.opts.Reconnect.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
		}
		_ = sess.Close()
		if !f.opts.Reconnect.Enabled {
			f.slot.set(nil, StateClosed)
			f.opts.Logger.Warn("frontend: session closed; new connections will be refused", "remote", f.opts.Remote)
			return
		}
		if !f.slot.set(nil, StateConnecting) {
			return
		}
		f.opts.Logger.Warn("frontend: session closed; reconnecting", "remote", f.opts.Remote)

		for {
			next, err := f.connect(ctx)
			if err == nil {
				sess = next
				break
			}
			if ctx.Err() != nil {
				return
			}
			d := b.Duration()
			f.opts.Logger.Warn("frontend: reconnect failed",
				"remote", f.opts.Remote,
				"attempt", int(b.Attempt()),
				"backoff", d.String(),
				"err", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
		b.Reset()
		if !f.slot.set(sess, StateReady) {
			_ = sess.Close()
			return
		}
		f.opts.Logger.Info("frontend: session re-established", "remote", f.opts.Remote, "local", sess.LocalAddr().String())
	}
}

func (f *Frontend) handle(ctx context.Context, c net.Conn) {
	peer := c.RemoteAddr().String()
	logger := f.opts.Logger.With("peer", peer)

	var st Stream
	defer func() {
		if r := recover(); r != nil {
			logger.Error("frontend: connection handler panicked", "panic", r)
			if st != nil {
				_ = st.Close()
			}
			_ = c.Close()
		}
	}()

	sess, state := f.slot.get()
	if sess == nil {
		f.opts.Metrics.IncRefused()
		logger.Warn("frontend: no session; refusing connection", "state", state.String())
		_ = c.Close()
		return
	}
	st, err := sess.OpenStream(ctx)
	if err != nil {
		f.opts.Metrics.IncStreamFailure()
		logger.Warn("frontend: open stream failed", "err", wrap(ErrStream, "open stream", err))
		_ = c.Close()
		return
	}
	f.opts.Metrics.IncStreamOpened()
	logger = logger.With("stream", st.ID())

	id := f.opts.Flows.Add(proxy.FlowInfo{Side: "frontend", Peer: peer, Stream: st.ID()})
	defer f.opts.Flows.Remove(id)

	res := f.opts.Splicer.Splice(ctx, st, AsHalfConn(c))
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		logger.Debug("frontend: splice ended with error", "err", res.Err)
	}
}

// Close stops accepting, closes the session and releases the socket.
func (f *Frontend) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		if srv := f.tcp.Load(); srv != nil {
			_ = srv.Close()
		}
		if sess := f.slot.close(); sess != nil {
			_ = sess.Close()
		}
		err = f.dialer.Close()
	})
	return err
}

// Shutdown closes the frontend and waits for connection handlers to return.
func (f *Frontend) Shutdown(ctx context.Context) error {
	err := f.Close()
	if srv := f.tcp.Load(); srv != nil {
		if serr := srv.Shutdown(ctx); serr != nil {
			return serr
		}
	}
	return err
}
