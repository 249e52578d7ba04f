package network

import (
	"context"
	"net"
	"time"

	"github.com/c360studio/dossiersync/transport"
)

// Probe reports whether connectivity is currently available.
type Probe func(ctx context.Context) bool

// DialProbe reports online when a TCP connection to addr succeeds within
// timeout.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// TransportProbe reports the connection state of ch.
func TransportProbe(ch transport.Channel) Probe {
	return func(context.Context) bool {
		return ch.IsConnected()
	}
}

// AnyProbe is online when at least one probe is.
func AnyProbe(probes ...Probe) Probe {
	return func(ctx context.Context) bool {
		for _, p := range probes {
			if p(ctx) {
				return true
			}
		}
		return false
	}
}
