package tunnel

import (
	"fmt"
	"log/slog"
)

func TransportByName(name string, logger *slog.Logger) (Transport, error) {
	n, err := ParseTransport(name)
	if err != nil {
		return nil, err
	}
	switch n {
	case "quic":
		return NewQUICTransport(), nil
	case "kcp":
		return NewKCPTransport(logger), nil
	case "tcp":
		return NewTCPTransport(logger), nil
	default:
		return nil, fmt.Errorf("%w: transport not implemented: %s", ErrConfig, n)
	}
}
