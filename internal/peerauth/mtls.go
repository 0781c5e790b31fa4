package peerauth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
)

// PeerAuthenticationMTLS configures peer authentication to use mTLS.
// Each node presents its certificate both as server and as client, and it only accepts certificates signed by the CA.
type PeerAuthenticationMTLS struct {
	// Certification Authority certificate, PEM-encoded
	CA []byte
	// Certificate, PEM-encoded
	Certificate []byte
	// Private key, PEM-encoded
	Key []byte

	// Parsed objects
	caPool  *x509.CertPool
	keyPair tls.Certificate
}

func (p *PeerAuthenticationMTLS) Validate() error {
	ca, err := parsePEMCert(p.CA)
	if err != nil {
		return fmt.Errorf("invalid CA certificate: %w", err)
	}
	p.caPool = x509.NewCertPool()
	p.caPool.AddCert(ca)

	cert, err := parsePEMCert(p.Certificate)
	if err != nil {
		return err
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     p.caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate is not signed by the CA: %w", err)
	}

	// Parses the key too, and checks it matches the certificate
	p.keyPair, err = tls.X509KeyPair(p.Certificate, p.Key)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	return nil
}

func (p *PeerAuthenticationMTLS) ConfigureTLS(serverConfig *tls.Config, clientConfig *tls.Config) {
	serverConfig.Certificates = []tls.Certificate{p.keyPair}
	serverConfig.ClientCAs = p.caPool
	serverConfig.ClientAuth = tls.RequireAndVerifyClientCert

	clientConfig.Certificates = []tls.Certificate{p.keyPair}
	clientConfig.RootCAs = p.caPool
}

func (p *PeerAuthenticationMTLS) UpdateRequest(r *http.Request) error {
	// The client certificate is presented during the handshake
	return nil
}

func (p *PeerAuthenticationMTLS) ValidateIncomingRequest(r *http.Request) (bool, error) {
	// Certificates were verified during the handshake already
	return r.TLS != nil && len(r.TLS.PeerCertificates) > 0, nil
}

func parsePEMCert(data []byte) (cert *x509.Certificate, err error) {
	certBlock, _ := pem.Decode(data)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("invalid certificate PEM")
	}
	cert, err = x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	return cert, nil
}
