package apnet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeGateway stands in for the push gateway behind the Dialer seam. Every
// dial hands back the client half of an in-memory pipe; the server half is
// wrapped so tests can inspect received bytes and script responses.
type fakeGateway struct {
	mu    sync.Mutex
	conns []*fakeGatewayConn
	dials map[string]int
	fail  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{dials: make(map[string]int)}
}

func (g *fakeGateway) DialContext(_ context.Context, addr string, _ *tls.Config) (net.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dials[addr]++
	if g.fail != nil {
		return nil, g.fail
	}
	client, server := net.Pipe()
	c := newFakeGatewayConn(addr, server)
	g.conns = append(g.conns, c)
	return client, nil
}

func (g *fakeGateway) setFail(err error) {
	g.mu.Lock()
	g.fail = err
	g.mu.Unlock()
}

func (g *fakeGateway) dialCount(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials[addr]
}

// conn waits for the i-th accepted connection.
func (g *fakeGateway) conn(t *testing.T, i int) *fakeGatewayConn {
	t.Helper()
	var c *fakeGatewayConn
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.conns) > i {
			c = g.conns[i]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "connection %d never arrived", i)
	return c
}

type fakeGatewayConn struct {
	addr   string
	server net.Conn

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newFakeGatewayConn(addr string, server net.Conn) *fakeGatewayConn {
	c := &fakeGatewayConn{addr: addr, server: server}
	go c.readLoop()
	return c
}

func (c *fakeGatewayConn) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := c.server.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.buf.Write(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
	}
}

func (c *fakeGatewayConn) received() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *fakeGatewayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reject sends the gateway's error-close handshake: one response frame, then
// the connection drops.
func (c *fakeGatewayConn) reject(status Status, identifier uint32) {
	frame := make([]byte, responseFrameSize)
	frame[0] = commandResponse
	frame[1] = byte(status)
	binary.BigEndian.PutUint32(frame[2:], identifier)
	_, _ = c.server.Write(frame)
	_ = c.server.Close()
}

func (c *fakeGatewayConn) close() {
	_ = c.server.Close()
}

// sentNotification is one notification frame parsed off the fake gateway's
// receive buffer.
type sentNotification struct {
	identifier uint32
	expiry     uint32
	token      DeviceToken
	payload    []byte
}

// waitNotifications blocks until exactly n complete frames have arrived and
// returns them in wire order.
func (c *fakeGatewayConn) waitNotifications(t *testing.T, n int) []sentNotification {
	t.Helper()
	var parsed []sentNotification
	require.Eventually(t, func() bool {
		var ok bool
		parsed, ok = parseNotifications(t, c.received())
		return ok && len(parsed) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d notifications", n)
	require.Len(t, parsed, n)
	return parsed
}

// parseNotifications splits a byte stream into notification frames. The
// second result is false while the stream ends mid-frame.
func parseNotifications(t *testing.T, data []byte) ([]sentNotification, bool) {
	t.Helper()
	var out []sentNotification
	for len(data) > 0 {
		if len(data) < notificationHeaderSize+TokenSize+2 {
			return out, false
		}
		require.Equal(t, commandNotification, data[0], "unexpected command byte")
		require.Equal(t, uint16(TokenSize), binary.BigEndian.Uint16(data[9:11]), "unexpected token length")
		payloadLen := int(binary.BigEndian.Uint16(data[43:45]))
		total := notificationHeaderSize + TokenSize + 2 + payloadLen
		if len(data) < total {
			return out, false
		}
		var n sentNotification
		n.identifier = binary.BigEndian.Uint32(data[1:5])
		n.expiry = binary.BigEndian.Uint32(data[5:9])
		copy(n.token[:], data[11:43])
		n.payload = append([]byte(nil), data[45:total]...)
		out = append(out, n)
		data = data[total:]
	}
	return out, true
}

// newTestService wires a Service to the fake gateway with timeouts scaled
// for tests.
func newTestService(t *testing.T, g *fakeGateway, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithDialer(g),
		WithEndpoints(Endpoints{Name: "test", Push: "push.test:2195", Feedback: "feedback.test:2196"}),
		WithLogger(zerolog.Nop()),
		WithIdentifierSupplier(SequentialIdentifiers()),
		WithRedialPacing(5*time.Millisecond, 20*time.Millisecond),
		WithConnectTimeout(time.Second),
	}
	svc, err := New(Identity{}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

// newTestIdentity generates a self-signed certificate trusted for both
// server and client authentication, standing in for a dev-mode gateway CA
// and push certificate at once.
func newTestIdentity(t *testing.T) (Identity, tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "apnet-dev"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(crand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return Identity{Certificate: cert, Roots: pool}, cert, pool
}
