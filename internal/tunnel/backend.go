package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"quicproxy/internal/proxy"
	"quicproxy/internal/telemetry"
)

const defaultDialTimeout = 5 * time.Second

type BackendOptions struct {
	// Upstream is the fixed TCP address dialed once per accepted stream.
	Upstream string

	Transport Transport
	// Socket is the pre-bound endpoint socket; the backend takes ownership.
	Socket   Socket
	Identity ServerIdentity
	ALPN     []string
	QUIC     QUICOptions

	Dialer      proxy.Dialer
	DialTimeout time.Duration

	Splicer *Splicer
	Metrics *telemetry.Counters
	Flows   *proxy.FlowRegistry
	Logger  *slog.Logger
}

// Backend terminates tunnel sessions and bridges every accepted stream to
// the upstream.
type Backend struct {
	opts BackendOptions
	ln   Listener

	mu       sync.Mutex
	sessions map[Session]struct{}
	closed   bool

	wg sync.WaitGroup
}

func NewBackend(opts BackendOptions) (*Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = NewQUICTransport()
	}
	if _, _, err := net.SplitHostPort(opts.Upstream); err != nil {
		_ = opts.Socket.Close()
		return nil, fmt.Errorf("%w: proxy_pass %q: %w", ErrConfig, opts.Upstream, err)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = proxy.NewNetDialer(&proxy.NetDialerOptions{Timeout: opts.DialTimeout})
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

	ln, err := opts.Transport.Listen(opts.Socket, ListenOptions{
		TLS:  opts.Identity.ServerTLSConfig(opts.ALPN),
		QUIC: opts.QUIC,
	})
	if err != nil {
		_ = opts.Socket.Close()
		return nil, wrap(ErrConfig, "wrap backend socket", err)
	}
	return &Backend{opts: opts, ln: ln, sessions: map[Session]struct{}{}}, nil
}

func (b *Backend) Addr() net.Addr { return b.ln.Addr() }

func (b *Backend) Flows() *proxy.FlowRegistry { return b.opts.Flows }

func (b *Backend) Metrics() *telemetry.Counters { return b.opts.Metrics }

// Listen accepts sessions until the endpoint is closed (nil) or ctx is done
// (ctx.Err()). Every session gets its own stream-accept loop.
func (b *Backend) Listen(ctx context.Context) error {
	b.opts.Logger.Info("backend: listening",
		"addr", b.ln.Addr().String(),
		"transport", b.opts.Transport.Name(),
		"upstream", b.opts.Upstream,
	)
	defer b.Close()

	for {
		sess, err := b.ln.Accept(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if isClosed(err) {
				return nil
			}
			return wrap(ErrSession, "accept session", err)
		}
		if !b.track(sess) {
			_ = sess.Close()
			return nil
		}
		b.opts.Metrics.IncSession()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.untrack(sess)
			b.serveSession(ctx, sess)
		}()
	}
}

func (b *Backend) serveSession(ctx context.Context, sess Session) {
	peer := sess.RemoteAddr().String()
	logger := b.opts.Logger.With("peer", peer)
	logger.Info("backend: session established", "local", sess.LocalAddr().String())
	defer sess.Close()

	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				logger.Info("backend: session closed", "err", err)
			} else {
				logger.Warn("backend: accept stream failed", "err", wrap(ErrStream, "accept stream", err))
			}
			return
		}
		b.opts.Metrics.IncStreamAccepted()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveStream(ctx, peer, st, logger)
		}()
	}
}

func (b *Backend) serveStream(ctx context.Context, peer string, st Stream, logger *slog.Logger) {
	logger = logger.With("stream", st.ID())
	defer func() {
		if r := recover(); r != nil {
			logger.Error("backend: stream handler panicked", "panic", r)
			_ = st.Close()
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	up, err := b.opts.Dialer.DialContext(dialCtx, "tcp", b.opts.Upstream)
	cancel()
	b.opts.Metrics.IncUpstreamDial(err != nil)
	if err != nil {
		logger.Warn("backend: upstream dial failed",
			"upstream", b.opts.Upstream,
			"err", wrap(ErrUpstream, "dial "+b.opts.Upstream, err),
		)
		_ = st.Close()
		return
	}

	id := b.opts.Flows.Add(proxy.FlowInfo{Side: "backend", Peer: peer, Stream: st.ID(), Upstream: b.opts.Upstream})
	defer b.opts.Flows.Remove(id)

	res := b.opts.Splicer.Splice(ctx, st, AsHalfConn(up))
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		logger.Debug("backend: splice ended with error", "err", res.Err)
	}
}

func (b *Backend) track(sess Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[sess] = struct{}{}
	return true
}

func (b *Backend) untrack(sess Session) {
	b.mu.Lock()
	delete(b.sessions, sess)
	b.mu.Unlock()
}

// Close closes the endpoint and every live session. Running splices see
// their streams fail and wind down on their own.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	live := make([]Session, 0, len(b.sessions))
	for s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()

	err := b.ln.Close()
	for _, s := range live {
		_ = s.Close()
	}
	return err
}

// Shutdown closes the backend and waits for session and stream goroutines.
func (b *Backend) Shutdown(ctx context.Context) error {
	_ = b.Close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
