package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"

	"quicproxy/internal/proxy"
)

type SpliceMetrics interface {
	// AddIngress counts bytes copied from the TCP side into the stream.
	AddIngress(n int64)
	// AddEgress counts bytes copied from the stream to the TCP side.
	AddEgress(n int64)
}

type SplicerOptions struct {
	BufferPool proxy.BufferPool
	Metrics    SpliceMetrics
	Logger     *slog.Logger
}

// Splicer bridges a tunnel stream and a TCP connection.
//
// Both directions run concurrently and Splice returns only after both have
// finished. A direction that reaches EOF (or any read error) half-closes its
// destination so the other direction keeps draining; a direction whose
// write fails stops reading its source.
type Splicer struct {
	opts SplicerOptions
}

func NewSplicer(opts SplicerOptions) *Splicer {
	if opts.BufferPool == nil {
		opts.BufferPool = proxy.NewSyncPoolBufferPool(proxy.DefaultBufferSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Splicer{opts: opts}
}

type SpliceResult struct {
	StreamToConn int64
	ConnToStream int64
	// Err is the first copy failure, or the context error if the splice was
	// cancelled. Read errors are not failures.
	Err error
}

func (s *Splicer) Splice(ctx context.Context, stream Stream, conn HalfConn) SpliceResult {
	logger := s.opts.Logger.With("stream", stream.ID())

	var abortOnce sync.Once
	abort := func() {
		abortOnce.Do(func() {
			_ = conn.Close()
			_ = stream.Close()
		})
	}
	stop := context.AfterFunc(ctx, abort)
	defer stop()

	var (
		res SpliceResult
		g   errgroup.Group
	)
	g.Go(func() error {
		n, err := s.pump(conn, stream, "stream->conn", abort, logger)
		res.StreamToConn = n
		if s.opts.Metrics != nil {
			s.opts.Metrics.AddEgress(n)
		}
		return err
	})
	g.Go(func() error {
		n, err := s.pump(stream, conn, "conn->stream", abort, logger)
		res.ConnToStream = n
		if s.opts.Metrics != nil {
			s.opts.Metrics.AddIngress(n)
		}
		return err
	})
	res.Err = g.Wait()
	if res.Err == nil && ctx.Err() != nil {
		res.Err = ctx.Err()
	}

	// TCP first: write side, then the whole socket.
	logClose(logger, "tcp close-write", conn.CloseWrite())
	logClose(logger, "tcp close", conn.Close())
	// Stream writes are handed to the transport synchronously, so the FIN
	// queues behind everything already written.
	logClose(logger, "stream finish", stream.CloseWrite())
	logClose(logger, "stream close", stream.Close())

	logger.Debug("tunnel: splice done",
		"to_conn", sizestr.ToString(res.StreamToConn),
		"to_stream", sizestr.ToString(res.ConnToStream),
		"err", res.Err,
	)
	return res
}

// pump copies src to dst until src is exhausted or dst fails.
func (s *Splicer) pump(dst, src HalfConn, dir string, abort func(), logger *slog.Logger) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrCopy, dir, r)
			logger.Error("tunnel: splice direction panicked", "dir", dir, "panic", r)
			// Tear both sides down so the other direction cannot hang.
			abort()
		}
	}()

	buf := s.opts.BufferPool.Get()
	defer s.opts.BufferPool.Put(buf)

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				n += int64(nw)
			}
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				_ = src.CloseRead()
				logger.Debug("tunnel: splice write failed", "dir", dir, "err", werr)
				return n, wrap(ErrCopy, dir+": write", werr)
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				logger.Debug("tunnel: splice read ended", "dir", dir, "err", rerr)
			}
			// Forward the half-close; the other direction keeps running.
			_ = dst.CloseWrite()
			return n, nil
		}
	}
}

func logClose(logger *slog.Logger, what string, err error) {
	if err != nil && !isClosed(err) {
		logger.Debug("tunnel: splice shutdown", "step", what, "err", err)
	}
}

// AsHalfConn returns c as a HalfConn. Connections without independent
// shutdown (unusual for TCP) fall back to a full close for both halves.
func AsHalfConn(c net.Conn) HalfConn {
	if hc, ok := c.(HalfConn); ok {
		return hc
	}
	return fullCloseConn{c}
}

type fullCloseConn struct{ net.Conn }

func (c fullCloseConn) CloseWrite() error { return c.Conn.Close() }
func (c fullCloseConn) CloseRead() error  { return c.Conn.Close() }
