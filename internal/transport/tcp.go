package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"time"
)

// TCP dials plain TCP connections.
func TCP(timeout time.Duration) DialFunc {
	return func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", address)
	}
}

// Auto picks the websocket dialer for ws:// URLs and TCP for everything else.
func Auto(timeout time.Duration) DialFunc {
	tcp, ws := TCP(timeout), Websocket(timeout)
	return func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
		if strings.HasPrefix(address, "ws://") {
			return ws(ctx, address)
		}
		return tcp(ctx, address)
	}
}
