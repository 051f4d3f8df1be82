package apnet

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/pkcs12"
)

// Identity is the TLS client identity presented to the gateway: the
// per-application push certificate and key, plus the trust anchors used to
// verify the peer. A nil Roots falls back to the system pool.
type Identity struct {
	Certificate tls.Certificate
	Roots       *x509.CertPool
}

// LoadIdentity builds an Identity from a PEM-encoded certificate and key.
func LoadIdentity(certPEM, keyPEM []byte) (Identity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return Identity{Certificate: cert}, nil
}

// LoadIdentityPKCS12 builds an Identity from a PKCS#12 bundle, the format
// push certificates are usually exported in by keychain tooling.
func LoadIdentityPKCS12(data []byte, password string) (Identity, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return Identity{Certificate: tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}}, nil
}

// tlsConfig derives the client TLS configuration for a session to host.
func (id Identity) tlsConfig(host string, insecure bool) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{id.Certificate},
		RootCAs:            id.Roots,
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
}
