// Package hosttls builds the TLS configuration for the servers and clients nodes use to talk to each other.
package hosttls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go/http3"
)

const (
	minTLSVersion = tls.VersionTLS13

	selfSignedValidity = 180 * 24 * time.Hour
)

// HostTLSOptions contains the options for the node's TLS configuration.
// All fields are optional
type HostTLSOptions struct {
	// CA certificate, used by all nodes in the cluster
	CACertificate *x509.Certificate
	// TLS certificate and key for the server
	// If empty, uses a self-signed certificate
	ServerCertificate *tls.Certificate
	// If true, skips validating TLS certificates presented by other nodes
	// This is required when using self-signed certificates
	InsecureSkipTLSValidation bool
}

// GetTLSConfig returns the TLS configuration for the server and for the client.
func (opts HostTLSOptions) GetTLSConfig() (serverConfig *tls.Config, clientConfig *tls.Config, err error) {
	serverConfig = &tls.Config{
		MinVersion: minTLSVersion,
	}
	clientConfig = &tls.Config{
		MinVersion: minTLSVersion,
		NextProtos: []string{http3.NextProtoH3},
	}

	if opts.CACertificate != nil {
		pool := x509.NewCertPool()
		pool.AddCert(opts.CACertificate)
		clientConfig.RootCAs = pool
	}

	if opts.InsecureSkipTLSValidation {
		clientConfig.InsecureSkipVerify = true
	}

	if opts.ServerCertificate != nil {
		if len(opts.ServerCertificate.Certificate) == 0 || opts.ServerCertificate.PrivateKey == nil {
			return nil, nil, errors.New("server certificate is not valid: must contain both a certificate and private key")
		}
		serverConfig.Certificates = []tls.Certificate{*opts.ServerCertificate}
		return serverConfig, clientConfig, nil
	}

	cert, err := GenerateSelfSignedCert(time.Now())
	if err != nil {
		return nil, nil, err
	}
	serverConfig.Certificates = []tls.Certificate{cert}

	return serverConfig, clientConfig, nil
}

// GenerateSelfSignedCert returns a new self-signed ECDSA certificate valid for localhost and loopback addresses.
func GenerateSelfSignedCert(now time.Time) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key for the self-signed certificate: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Orbit Node"},
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create self-signed certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse self-signed certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
