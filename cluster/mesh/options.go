package mesh

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/italypaleale/orbit/internal/hosttls"
	"github.com/italypaleale/orbit/internal/peerauth"
)

const (
	// DefaultBindAddress is the default address the HTTP/3 server listens on.
	DefaultBindAddress = "0.0.0.0:7571"
	// DefaultPollInterval is the default interval between reads of the host registry.
	DefaultPollInterval = 2 * time.Second
	// DefaultHealthCheckInterval is used when the registry doesn't recommend an interval.
	DefaultHealthCheckInterval = 10 * time.Second
	// DefaultRegisterTimeout is the default maximum time spent trying to register in the cluster.
	DefaultRegisterTimeout = 30 * time.Second
	// DefaultSendTimeout is the default timeout for delivering a message to another node.
	DefaultSendTimeout = 10 * time.Second
	// DefaultMaxMessageSize is the default maximum size of a message body.
	DefaultMaxMessageSize = 4 << 20
)

// Option is a function that configures the mesh Peer.
type Option func(*peerOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *peerOptions) { o.Logger = logger }
}

// WithBindAddress sets the "host:port" address the HTTP/3 server listens on.
// A port of 0 picks a random free port.
func WithBindAddress(addr string) Option {
	return func(o *peerOptions) { o.BindAddress = addr }
}

// WithAdvertiseAddress sets the "host:port" address other nodes use to reach this node.
// If empty, the address of the listener is used.
func WithAdvertiseAddress(addr string) Option {
	return func(o *peerOptions) { o.AdvertiseAddress = addr }
}

// WithPollInterval sets the interval between reads of the host registry.
func WithPollInterval(d time.Duration) Option {
	return func(o *peerOptions) { o.PollInterval = d }
}

// WithHealthCheckInterval sets the interval between health checks sent to the registry.
// By default, it uses the interval recommended by the registry, if any.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *peerOptions) { o.HealthCheckInterval = d }
}

// WithRegisterTimeout sets the maximum time spent retrying to register the node.
func WithRegisterTimeout(d time.Duration) Option {
	return func(o *peerOptions) { o.RegisterTimeout = d }
}

// WithSendTimeout sets the timeout for delivering a message to another node.
func WithSendTimeout(d time.Duration) Option {
	return func(o *peerOptions) { o.SendTimeout = d }
}

// WithMaxMessageSize sets the maximum size of messages accepted by the node.
func WithMaxMessageSize(n int64) Option {
	return func(o *peerOptions) { o.MaxMessageSize = n }
}

// WithSharedKey authenticates requests between nodes with a pre-shared key.
// The key must be at least 16 characters long.
func WithSharedKey(key string) Option {
	return func(o *peerOptions) {
		o.PeerAuth = &peerauth.PeerAuthenticationSharedKey{Key: key}
	}
}

// WithMTLS authenticates nodes with mutual TLS.
// All values are PEM-encoded; the certificate must be signed by the CA.
func WithMTLS(ca []byte, cert []byte, key []byte) Option {
	return func(o *peerOptions) {
		o.PeerAuth = &peerauth.PeerAuthenticationMTLS{CA: ca, Certificate: cert, Key: key}
	}
}

// WithTLS sets the CA certificate and server certificate used by the HTTP/3 server.
// If the server certificate is nil, a self-signed one is generated.
func WithTLS(caCert *x509.Certificate, serverCert *tls.Certificate) Option {
	return func(o *peerOptions) {
		o.TLS.CACertificate = caCert
		o.TLS.ServerCertificate = serverCert
	}
}

// WithInsecureSkipTLSValidation disables the validation of certificates presented by other nodes.
// This is required when nodes use self-signed certificates.
func WithInsecureSkipTLSValidation() Option {
	return func(o *peerOptions) { o.TLS.InsecureSkipTLSValidation = true }
}

// withClock sets the clock, for testing.
func withClock(cl clock.WithTicker) Option {
	return func(o *peerOptions) { o.clock = cl }
}

type peerOptions struct {
	Logger              *slog.Logger
	BindAddress         string
	AdvertiseAddress    string
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	RegisterTimeout     time.Duration
	SendTimeout         time.Duration
	MaxMessageSize      int64
	PeerAuth            peerauth.PeerAuthenticationMethod
	TLS                 hosttls.HostTLSOptions

	clock clock.WithTicker
}

func (o *peerOptions) setDefaults(registry any) {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.BindAddress == "" {
		o.BindAddress = DefaultBindAddress
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
		hc, ok := registry.(interface{ HealthCheckInterval() time.Duration })
		if ok && hc.HealthCheckInterval() > 0 {
			o.HealthCheckInterval = hc.HealthCheckInterval()
		}
	}
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = DefaultRegisterTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
}

func (o *peerOptions) validate() error {
	if o.PeerAuth == nil {
		return errors.New("peer authentication is required: use WithSharedKey or WithMTLS")
	}
	err := o.PeerAuth.Validate()
	if err != nil {
		return fmt.Errorf("peer authentication is not valid: %w", err)
	}
	return nil
}
