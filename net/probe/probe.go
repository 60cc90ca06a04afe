// Package probe implements the reachability check used by the monitor: a single bounded TCP connect.
package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Prober attempts a transport-level connection to address:port within timeout.
// A nil error means the peer is reachable.
type Prober interface {
	Probe(ctx context.Context, address string, port uint16, timeout time.Duration) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string, port uint16, timeout time.Duration) error

func (f ProberFunc) Probe(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	return f(ctx, address, port, timeout)
}

// TCPProber dials the peer and immediately closes the connection.
type TCPProber struct {
	Network string // defaults to "tcp"
}

var _ Prober = TCPProber{}

func (p TCPProber) Probe(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	network := p.Network
	if network == "" {
		network = "tcp"
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	return conn.Close()
}
