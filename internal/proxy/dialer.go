package proxy

import (
	"context"
	"net"
	"time"
)

// Dialer opens upstream connections. The backend dials through it so tests
// can observe or fail dials.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type NetDialerOptions struct {
	// Timeout bounds a single dial, on top of the caller's context.
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewNetDialer returns a net.Dialer configured from opts. A nil opts keeps
// the net package defaults.
func NewNetDialer(opts *NetDialerOptions) Dialer {
	d := &net.Dialer{}
	if opts != nil {
		d.Timeout = opts.Timeout
		d.KeepAlive = opts.KeepAlive
	}
	return d
}
