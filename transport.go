package apnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// Dialer opens the raw byte stream to a gateway endpoint. The default dialer
// performs a mutually authenticated TLS handshake; tests substitute their
// own carrier via WithDialer. Reads may return short and writes are not
// message-atomic: all framing discipline lives above this seam.
type Dialer interface {
	DialContext(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	return f(ctx, addr, cfg)
}

// tlsDialer is the production Dialer: a TCP connect followed by the TLS
// handshake, both bounded by the context deadline.
type tlsDialer struct{}

func (tlsDialer) DialContext(ctx context.Context, addr string, cfg *tls.Config) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return conn, nil
}

// countingConn feeds byte counts into Metrics as traffic passes through.
type countingConn struct {
	net.Conn
	m Metrics
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.m.IncrementBytesReceived(int64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.m.IncrementBytesSent(int64(n))
	}
	return n, err
}

// dial opens a connection to addr under the given identity, bounded by the
// configured connect timeout, and wraps it for metrics collection.
func (s *Service) dial(ctx context.Context, addr, host string, identity Identity) (net.Conn, error) {
	if s.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.connectTimeout)
		defer cancel()
	}
	conn, err := s.cfg.dialer.DialContext(ctx, addr, identity.tlsConfig(host, s.cfg.insecure))
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, err
	}
	s.metrics.IncrementConnects()
	return &countingConn{Conn: conn, m: s.metrics}, nil
}
