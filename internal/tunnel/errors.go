package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/yamux"
	"github.com/quic-go/quic-go"
)

// Error kinds. Every error leaving a tunnel component wraps exactly one of
// these so callers can branch with errors.Is.
var (
	// ErrConfig: missing or malformed certificate, key, address or trust material.
	ErrConfig = errors.New("config error")
	// ErrBind: a UDP or TCP socket could not be bound.
	ErrBind = errors.New("bind error")
	// ErrSession: handshake failure or the session went away.
	ErrSession = errors.New("session error")
	// ErrStream: opening or accepting a stream failed.
	ErrStream = errors.New("stream error")
	// ErrUpstream: the backend could not reach its upstream.
	ErrUpstream = errors.New("upstream error")
	// ErrCopy: a splice direction failed mid-stream.
	ErrCopy = errors.New("copy error")
)

var kinds = []error{ErrConfig, ErrBind, ErrSession, ErrStream, ErrUpstream, ErrCopy}

// KindOf returns the name of the error kind wrapped by err, or "" if none.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

func wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

// Application and stream error codes sent to the peer.
const (
	codeShutdown      quic.ApplicationErrorCode = 1
	codeStreamAborted quic.StreamErrorCode      = 1
)

// isClosed reports whether err just means "this endpoint or session is gone"
// rather than something worth a warning.
func isClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, quic.ErrServerClosed) ||
		errors.Is(err, quic.ErrTransportClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &idleErr)
}
