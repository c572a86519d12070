package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"
)

const alpnProtocol = "netsync"

// DevelopmentTLS returns a server config with a fresh self-signed
// certificate for localhost. Not for production peers.
func DevelopmentTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"netsync"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// serverTLS returns the configured TLS or a development one.
func serverTLS(cfg *tls.Config) (*tls.Config, error) {
	if cfg != nil {
		return withALPN(cfg), nil
	}
	return DevelopmentTLS()
}

// clientTLS returns the configured TLS or one that trusts any certificate,
// matching the development server setup.
func clientTLS(cfg *tls.Config, addr string) *tls.Config {
	if cfg == nil {
		return &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // development default, see DevelopmentTLS
			NextProtos:         []string{alpnProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	}
	out := withALPN(cfg)
	if out.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			out.ServerName = host
		} else {
			out.ServerName = addr
		}
	}
	return out
}

func withALPN(cfg *tls.Config) *tls.Config {
	out := cfg.Clone()
	if len(out.NextProtos) == 0 {
		out.NextProtos = []string{alpnProtocol}
	}
	return out
}
