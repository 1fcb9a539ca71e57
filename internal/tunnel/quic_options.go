package tunnel

import (
	"time"

	"github.com/quic-go/quic-go"
)

// QUICOptions are the session settings shared by both endpoints.
//
// Zero values leave the library defaults in place. The stream-related
// limits are honoured by every transport; the rest only by quic.
type QUICOptions struct {
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration

	// MaxIncomingStreams caps concurrent bidirectional streams a peer may
	// open on one session.
	MaxIncomingStreams int64
}

func (o QUICOptions) config() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       o.MaxIdleTimeout,
		KeepAlivePeriod:      o.KeepAlivePeriod,
		HandshakeIdleTimeout: o.HandshakeTimeout,
		MaxIncomingStreams:   o.MaxIncomingStreams,
		// Unidirectional streams are not part of the protocol: advertise a
		// limit of zero so the peer cannot open one.
		MaxIncomingUniStreams: -1,
	}
}
